package daemon

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/queue"
	"github.com/msageha/conductor/internal/shutdown"
)

// pollState is carried from one poll step to the next.
type pollState struct {
	LastStarted  time.Time `json:"last_started"`
	LastSuccess  time.Time `json:"last_success"`
	Failures     int       `json:"consecutive_failures"`
	LastFetched  int       `json:"last_fetched"`
	LastAdmitted int       `json:"last_ready"`
}

// TriggerPoll wakes the poll loop without waiting for the interval.
func (d *Daemon) TriggerPoll() { notify(d.pollNow) }

func (d *Daemon) triggerDispatch() { notify(d.dispatchNow) }

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// supervise runs one loop step, logging instead of propagating panics.
func (d *Daemon) supervise(loop string, step func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("loop_panic loop=%s panic=%v\n%s", loop, r, debug.Stack())
		}
	}()
	step()
}

func (d *Daemon) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.config.Engine.PollInterval())
	defer ticker.Stop()

	for {
		d.supervise("poll", func() { d.pollOnce(ctx) })
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.pollNow:
		}
	}
}

// pollOnce fetches the source snapshot and refills the queue with the items
// the router considers ready.
func (d *Daemon) pollOnce(ctx context.Context) {
	if d.coord.IsShuttingDown() {
		return
	}
	started := time.Now()
	d.mu.Lock()
	d.poll.LastStarted = started
	d.mu.Unlock()

	items, err := d.source.FetchPending(ctx)
	if err != nil {
		d.mu.Lock()
		d.poll.Failures++
		failures := d.poll.Failures
		d.mu.Unlock()
		d.logger.Warnf("poll_failed consecutive=%d error=%v", failures, err)
		return
	}

	d.forgetChanged(items)
	ready := d.dropParked(d.dropSettled(d.router.Ready(items), started))
	res := d.admission.Refill(ready)

	d.mu.Lock()
	d.poll.LastSuccess = time.Now()
	d.poll.Failures = 0
	d.poll.LastFetched = len(items)
	d.poll.LastAdmitted = len(ready)
	d.mu.Unlock()

	d.logger.Debugf("poll_complete fetched=%d ready=%d added=%d updated=%d dropped=%d active_skipped=%d",
		len(items), len(ready), res.Added, res.Updated, len(res.Dropped), res.SkippedActive)
	d.triggerDispatch()
}

// fingerprint covers the fields a person or another agent touches when they
// hand an item back for more work.
func fingerprint(it model.WorkItem) string {
	return strings.Join([]string{
		it.State, it.AgentType, it.UpdatedAt, it.CorrelationID, it.Owner, strconv.Itoa(len(it.Comments)),
	}, "|")
}

func (d *Daemon) park(item model.WorkItem) {
	d.mu.Lock()
	d.parked[item.ID] = fingerprint(item)
	d.mu.Unlock()
	d.logger.Infof("item_parked id=%s state=%s reason=no_transition", item.ID, item.State)
}

// forgetChanged unparks items that left the snapshot or changed since they ran.
func (d *Daemon) forgetChanged(items []model.WorkItem) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.parked) == 0 {
		return
	}
	current := make(map[string]string, len(items))
	for _, it := range items {
		current[it.ID] = fingerprint(it)
	}
	for id, fp := range d.parked {
		if now, ok := current[id]; !ok || now != fp {
			delete(d.parked, id)
			d.logger.Debugf("item_unparked id=%s", id)
		}
	}
}

// dropParked filters out items that settled in place and have not changed.
func (d *Daemon) dropParked(items []model.WorkItem) []model.WorkItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.parked) == 0 {
		return items
	}
	kept := make([]model.WorkItem, 0, len(items))
	for _, it := range items {
		if _, ok := d.parked[it.ID]; ok {
			continue
		}
		kept = append(kept, it)
	}
	return kept
}

// dropSettled filters out items whose execution finished after the snapshot
// was taken; the snapshot still shows their pre-transition state.
func (d *Daemon) dropSettled(items []model.WorkItem, snapshotAt time.Time) []model.WorkItem {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, at := range d.settled {
		if at.Before(snapshotAt) {
			delete(d.settled, id)
		}
	}
	if len(d.settled) == 0 {
		return items
	}
	kept := make([]model.WorkItem, 0, len(items))
	for _, it := range items {
		if _, stale := d.settled[it.ID]; stale {
			d.logger.Debugf("poll_skip_stale id=%s", it.ID)
			continue
		}
		kept = append(kept, it)
	}
	return kept
}

func (d *Daemon) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.config.Engine.DispatchInterval())
	defer ticker.Stop()

	for {
		d.supervise("dispatch", d.dispatchTick)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.dispatchNow:
		}
	}
}

// dispatchTick admits ready items while the pool has capacity.
func (d *Daemon) dispatchTick() {
	for !d.coord.IsShuttingDown() {
		var run execution
		scored, _, err := d.admission.AdmitNext(d.router.Eligible, d.slotFor(&run))
		if err != nil {
			if !errors.Is(err, queue.ErrAtCapacity) && !errors.Is(err, queue.ErrNothingReady) {
				d.logger.Errorf("admit_failed error=%v", err)
			}
			return
		}
		d.logger.Infof("dispatch id=%s score=%.1f agent=%s execution=%s", scored.Item.ID, scored.Score.Total, run.slot.AgentType, run.slot.ExecutionID)
		d.launch(scored.Item, run, "auto")
	}
}

// DispatchResult describes a manually started execution.
type DispatchResult struct {
	ID          string `json:"id"`
	ExecutionID string `json:"execution_id"`
	AgentType   string `json:"agent_type"`
}

// ManualDispatch starts one specific queued item immediately. It shares the
// admission step with the dispatch loop, so exactly one of them wins an id.
func (d *Daemon) ManualDispatch(id string) (DispatchResult, error) {
	if d.coord.IsShuttingDown() {
		return DispatchResult{}, shutdown.ErrShuttingDown
	}
	var run execution
	item, _, err := d.admission.AdmitID(id, d.slotFor(&run))
	if err != nil {
		d.logger.Warnf("manual_dispatch_rejected id=%s error=%v", id, err)
		return DispatchResult{}, err
	}
	d.logger.Infof("manual_dispatch id=%s agent=%s execution=%s", id, run.slot.AgentType, run.slot.ExecutionID)
	d.launch(item, run, "manual")
	return DispatchResult{ID: id, ExecutionID: run.slot.ExecutionID, AgentType: run.slot.AgentType}, nil
}

type execution struct {
	ctx  context.Context
	slot queue.Slot
}

// slotFor builds the pool slot, and the execution context it cancels, for an
// item being admitted. The context is bounded by the item timeout and dies
// with the coordinator's Terminate phase.
func (d *Daemon) slotFor(run *execution) queue.SlotFunc {
	return func(item model.WorkItem) queue.Slot {
		label := item.AgentType
		if label == "" {
			label = d.router.FallbackAgent(item)
		}
		ctx, cancel := context.WithTimeout(d.coord.Context(), d.config.Engine.ItemTimeout())
		run.ctx = ctx
		run.slot = queue.NewSlot(item.ID, uuid.NewString(), label, cancel)
		return run.slot
	}
}

func (d *Daemon) launch(item model.WorkItem, run execution, trigger string) {
	d.bus.Publish(events.EventItemDispatched, map[string]any{
		"item_id":      item.ID,
		"agent_type":   run.slot.AgentType,
		"execution_id": run.slot.ExecutionID,
		"trigger":      trigger,
	})
	d.coord.Go("execute:"+item.ID, func() { d.execute(run, item) })
}

// execute runs one item end to end. The transition is written before the
// slot is released so the next poll cannot re-queue the pre-transition copy.
func (d *Daemon) execute(run execution, item model.WorkItem) {
	res := model.Failure("execution aborted", nil)
	defer func() {
		run.slot.Cancel()
		d.markSettled(item.ID)
		d.admission.Release(item.ID)
		d.triggerDispatch()
	}()
	defer d.writeBack(item, &res)

	res = d.invoke(run.ctx, item)
	d.logger.Infof("execution_complete id=%s execution=%s success=%v elapsed=%s summary=%q",
		item.ID, run.slot.ExecutionID, res.Success, time.Since(run.slot.StartedAt).Round(time.Millisecond), res.Summary)
	d.bus.Publish(events.EventItemCompleted, map[string]any{
		"item_id":      item.ID,
		"agent_type":   run.slot.AgentType,
		"execution_id": run.slot.ExecutionID,
		"success":      res.Success,
		"summary":      res.Summary,
	})
}

func (d *Daemon) writeBack(item model.WorkItem, res *model.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("write_back_panic id=%s panic=%v\n%s", item.ID, r, debug.Stack())
		}
	}()
	// Write-back outlives the execution context so timeouts still reach
	// the fallback state.
	ctx, cancel := context.WithTimeout(context.Background(), d.config.Shutdown.Timeout())
	defer cancel()
	_, wrote, err := d.router.Apply(ctx, item, *res)
	if err == nil && !wrote && res.Success {
		d.park(item)
	}
}

func (d *Daemon) markSettled(id string) {
	d.mu.Lock()
	d.settled[id] = time.Now()
	d.mu.Unlock()
}

// invoke resolves the agent and runs it under ctx. Errors, panics and
// timeouts all come back as failure results.
func (d *Daemon) invoke(ctx context.Context, item model.WorkItem) model.ExecutionResult {
	a, name, err := d.agents.Resolve(item.AgentType, d.router.FallbackAgent(item))
	if err != nil {
		d.logger.Errorf("agent_unresolved id=%s agent_type=%s error=%v", item.ID, item.AgentType, err)
		return model.Failure("no agent for item", err)
	}

	done := make(chan model.ExecutionResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Errorf("agent_panic id=%s agent=%s panic=%v\n%s", item.ID, name, r, debug.Stack())
				done <- model.Failure(fmt.Sprintf("agent %s panicked", name), fmt.Errorf("%v", r))
			}
		}()
		res, err := a.Execute(ctx, item)
		if err != nil {
			res = model.Failure(fmt.Sprintf("agent %s failed", name), err)
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			d.logger.Warnf("execution_timeout id=%s agent=%s after=%s", item.ID, name, d.config.Engine.ItemTimeout())
			return model.Failure(fmt.Sprintf("agent %s timed out", name), ctx.Err())
		}
		d.logger.Warnf("execution_cancelled id=%s agent=%s", item.ID, name)
		return model.Failure(fmt.Sprintf("agent %s cancelled", name), ctx.Err())
	}
}
