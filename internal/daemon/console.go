package daemon

import (
	"errors"
	"os"

	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/queue"
	"github.com/msageha/conductor/internal/shutdown"
	"github.com/msageha/conductor/internal/uds"
)

// Status is the ping payload.
type Status struct {
	PID       int       `json:"pid"`
	Phase     string    `json:"phase"`
	Queued    int       `json:"queued"`
	Active    int       `json:"active"`
	Capacity  int       `json:"capacity"`
	Blocked   int       `json:"blocked"`
	Parked    int       `json:"parked"`
	Cycle     string    `json:"dependency_cycle,omitempty"`
	Poll      pollState `json:"poll"`
	AgentKeys []string  `json:"agents"`
}

// Queued returns the current queue ranked the way dispatch would take it.
func (d *Daemon) Queued() []model.ScoredItem {
	return d.admission.Queue().Ranked(d.scorer)
}

// Active returns the executions currently holding pool slots.
func (d *Daemon) Active() []queue.SlotStatus {
	return d.admission.Pool().Active()
}

func (d *Daemon) Status() Status {
	d.mu.Lock()
	poll := d.poll
	parked := len(d.parked)
	d.mu.Unlock()
	pool := d.admission.Pool()
	return Status{
		PID:       os.Getpid(),
		Phase:     d.coord.Phase().String(),
		Queued:    d.admission.Queue().Size(),
		Active:    pool.ActiveCount(),
		Capacity:  pool.Capacity(),
		Blocked:   d.router.BlockedCount(),
		Parked:    parked,
		Cycle:     d.router.Cycle(),
		Poll:      poll,
		AgentKeys: d.agents.Names(),
	}
}

// registerHandlers registers console request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.Status())
	})

	d.server.Handle(uds.CmdQueued, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.Queued())
	})

	d.server.Handle(uds.CmdActive, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.Active())
	})

	d.server.Handle(uds.CmdDispatch, func(req *uds.Request) *uds.Response {
		var p uds.DispatchParams
		if err := req.DecodeParams(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		if p.ID == "" {
			return uds.ErrorResponse(uds.ErrCodeValidation, "id is required")
		}
		res, err := d.ManualDispatch(p.ID)
		if err != nil {
			return uds.ErrorResponse(dispatchErrorCode(err), err.Error())
		}
		return uds.SuccessResponse(res)
	})

	d.server.Handle(uds.CmdPoll, func(req *uds.Request) *uds.Response {
		d.TriggerPoll()
		return uds.SuccessResponse(map[string]string{"status": "poll_scheduled"})
	})

	d.server.Handle(uds.CmdShutdown, func(req *uds.Request) *uds.Response {
		d.logger.Infof("shutdown requested via console")
		d.coord.RequestShutdown("console")
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func dispatchErrorCode(err error) string {
	switch {
	case errors.Is(err, queue.ErrNotQueued):
		return uds.ErrCodeNotFound
	case errors.Is(err, queue.ErrActive):
		return uds.ErrCodeConflict
	case errors.Is(err, queue.ErrAtCapacity):
		return uds.ErrCodeBackpressure
	case errors.Is(err, shutdown.ErrShuttingDown):
		return uds.ErrCodeShuttingDown
	default:
		return uds.ErrCodeInternal
	}
}
