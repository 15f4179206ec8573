// Package shutdown tracks everything the daemon starts in the background and
// tears it down in a fixed, timeout-bounded order:
//
//	Running → ShutdownRequested → Draining → Terminating → Cleaned
//
// Drain waits for tracked executions, Terminate escalates tracked
// subprocesses from SIGTERM to SIGKILL and lets cancelled executions settle,
// then tracked sessions are closed and cleanup callbacks run in registration
// order. A failure in any one handle is logged and never stops the rest of
// the sequence. The whole run is bounded by drain timeout plus term timeout.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/conductor/internal/logging"
)

var ErrShuttingDown = errors.New("shutdown: in progress")

type Phase int

const (
	PhaseRunning Phase = iota
	PhaseShutdownRequested
	PhaseDraining
	PhaseTerminating
	PhaseCleaned
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseShutdownRequested:
		return "shutdown_requested"
	case PhaseDraining:
		return "draining"
	case PhaseTerminating:
		return "terminating"
	case PhaseCleaned:
		return "cleaned"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Drainer is anything that can wait for its own in-flight work.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Callback runs during the final cleanup phase.
type Callback func(ctx context.Context) error

// Report summarises one shutdown run.
type Report struct {
	Stragglers     int           `json:"stragglers"`
	DrainTimedOut  bool          `json:"drain_timed_out"`
	Terminated     []int         `json:"terminated,omitempty"`
	Killed         []int         `json:"killed,omitempty"`
	CloseErrors    []string      `json:"close_errors,omitempty"`
	CallbackErrors []string      `json:"callback_errors,omitempty"`
	Elapsed        time.Duration `json:"elapsed"`

	// Unsettled counts tasks still running when the Terminate phase ended.
	Unsettled int `json:"unsettled,omitempty"`

	// Abandoned names the closes and callbacks cut off by the deadline.
	Abandoned []string `json:"abandoned,omitempty"`
}

type trackedTask struct {
	name string
	done chan struct{}
}

type trackedProcess struct {
	name string
	proc Process
}

type trackedSession struct {
	name   string
	closer io.Closer
}

type namedCallback struct {
	name string
	fn   Callback
}

// Coordinator is created once per daemon and shared by every component
// that starts background work.
type Coordinator struct {
	drainTimeout time.Duration
	termTimeout  time.Duration
	logger       *logging.Logger

	mu        sync.Mutex
	phase     Phase
	nextID    uint64
	tasks     map[uint64]*trackedTask
	procs     map[uint64]trackedProcess
	sessions  map[uint64]trackedSession
	drainers  []Drainer
	callbacks []namedCallback
	onPhase   func(Phase)
	report    *Report

	requested  chan struct{}
	reqOnce    sync.Once
	workCtx    context.Context
	workCancel context.CancelFunc
	flight     singleflight.Group
}

func New(drainTimeout, termTimeout time.Duration, logger *logging.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		drainTimeout: drainTimeout,
		termTimeout:  termTimeout,
		logger:       logger.With("shutdown"),
		tasks:        make(map[uint64]*trackedTask),
		procs:        make(map[uint64]trackedProcess),
		sessions:     make(map[uint64]trackedSession),
		requested:    make(chan struct{}),
		workCtx:      ctx,
		workCancel:   cancel,
	}
}

// SetPhaseHook registers fn to be called on every phase change.
// Must be called before Shutdown.
func (c *Coordinator) SetPhaseHook(fn func(Phase)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPhase = fn
}

// Context is cancelled when the Terminate phase starts. Executions derive
// their contexts from it so stragglers are told to stop.
func (c *Coordinator) Context() context.Context {
	return c.workCtx
}

// Requested is closed once shutdown has been requested.
func (c *Coordinator) Requested() <-chan struct{} {
	return c.requested
}

func (c *Coordinator) IsShuttingDown() bool {
	select {
	case <-c.requested:
		return true
	default:
		return false
	}
}

func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// RequestShutdown sets the shutdown flag. Calls after the first are no-ops.
func (c *Coordinator) RequestShutdown(reason string) {
	c.reqOnce.Do(func() {
		c.logger.Infof("shutdown_requested reason=%s", reason)
		close(c.requested)
		c.setPhase(PhaseShutdownRequested)
	})
}

func (c *Coordinator) setPhase(p Phase) {
	c.mu.Lock()
	if p <= c.phase {
		c.mu.Unlock()
		return
	}
	c.phase = p
	hook := c.onPhase
	c.mu.Unlock()
	if hook != nil {
		hook(p)
	}
}

// TrackTask registers an in-flight operation. The returned func untracks it
// and is safe to call more than once.
func (c *Coordinator) TrackTask(name string) (untrack func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	t := &trackedTask{name: name, done: make(chan struct{})}
	c.tasks[id] = t
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.tasks, id)
			c.mu.Unlock()
			close(t.done)
		})
	}
}

// Go runs fn in a tracked goroutine that untracks itself on return.
func (c *Coordinator) Go(name string, fn func()) {
	untrack := c.TrackTask(name)
	go func() {
		defer untrack()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Errorf("task_panic name=%s panic=%v\n%s", name, r, debug.Stack())
			}
		}()
		fn()
	}()
}

// TrackedTasks returns the number of in-flight tracked tasks.
func (c *Coordinator) TrackedTasks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// TrackSubprocess registers an external process for the Terminate phase.
func (c *Coordinator) TrackSubprocess(name string, p Process) (untrack func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.procs[id] = trackedProcess{name: name, proc: p}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.procs, id)
		c.mu.Unlock()
	}
}

// TrackSession registers a resource handle to close during shutdown.
func (c *Coordinator) TrackSession(name string, closer io.Closer) (untrack func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.sessions[id] = trackedSession{name: name, closer: closer}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.sessions, id)
		c.mu.Unlock()
	}
}

// TrackDrainer adds d to the set waited on during the Drain phase.
func (c *Coordinator) TrackDrainer(d Drainer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainers = append(c.drainers, d)
}

// RegisterCleanup appends a callback for the final phase. Callbacks run in
// registration order.
func (c *Coordinator) RegisterCleanup(name string, fn Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, namedCallback{name: name, fn: fn})
}

// RegisterCleanupFunc is RegisterCleanup for callbacks that cannot fail.
func (c *Coordinator) RegisterCleanupFunc(name string, fn func()) {
	c.RegisterCleanup(name, func(context.Context) error {
		fn()
		return nil
	})
}

// Shutdown runs the full sequence once. Concurrent callers share the same
// run; later callers get the stored report immediately.
func (c *Coordinator) Shutdown() Report {
	c.mu.Lock()
	if c.report != nil {
		r := *c.report
		c.mu.Unlock()
		return r
	}
	c.mu.Unlock()

	v, _, _ := c.flight.Do("shutdown", func() (any, error) {
		c.mu.Lock()
		if c.report != nil {
			r := *c.report
			c.mu.Unlock()
			return r, nil
		}
		c.mu.Unlock()

		r := c.run()
		c.mu.Lock()
		c.report = &r
		c.mu.Unlock()
		return r, nil
	})
	return v.(Report)
}

func (c *Coordinator) run() Report {
	start := time.Now()
	deadline := start.Add(c.drainTimeout + c.termTimeout)
	// The last quarter of the terminate budget is kept for phases 4 and 5.
	termEnd := deadline.Add(-c.termTimeout / 4)
	var report Report

	c.RequestShutdown("shutdown")

	c.setPhase(PhaseDraining)
	drainCtx, cancel := context.WithDeadline(context.Background(), start.Add(c.drainTimeout))
	report.Stragglers, report.DrainTimedOut = c.drain(drainCtx)
	cancel()

	c.setPhase(PhaseTerminating)
	c.workCancel()
	report.Terminated, report.Killed = c.terminate(termEnd)
	report.Unsettled = c.settle(termEnd)

	report.CloseErrors, report.CallbackErrors, report.Abandoned = c.cleanup(deadline)

	report.Elapsed = time.Since(start)
	c.setPhase(PhaseCleaned)
	c.logger.Infof("shutdown_complete elapsed=%s stragglers=%d unsettled=%d killed=%d close_errors=%d callback_errors=%d abandoned=%d",
		report.Elapsed.Round(time.Millisecond), report.Stragglers, report.Unsettled, len(report.Killed),
		len(report.CloseErrors), len(report.CallbackErrors), len(report.Abandoned))
	return report
}

// waitTracked waits for every tracked task and drainer until ctx is done and
// returns the names of the tasks still running.
func (c *Coordinator) waitTracked(ctx context.Context) []string {
	c.mu.Lock()
	tasks := make([]*trackedTask, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, t)
	}
	drainers := append([]Drainer(nil), c.drainers...)
	c.mu.Unlock()

	for _, t := range tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
		}
	}
	for _, d := range drainers {
		if err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warnf("drain_error error=%v", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.tasks))
	for _, t := range c.tasks {
		names = append(names, t.name)
	}
	return names
}

func (c *Coordinator) drain(ctx context.Context) (stragglers int, timedOut bool) {
	c.logger.Infof("drain_start tasks=%d timeout=%s", c.TrackedTasks(), c.drainTimeout)
	names := c.waitTracked(ctx)
	if ctx.Err() != nil {
		c.logger.Warnf("drain_timeout after=%s stragglers=%d names=%v", c.drainTimeout, len(names), names)
		return len(names), true
	}
	c.logger.Infof("drain_complete")
	return 0, false
}

// settle gives executions cancelled by the Terminate phase until the end of
// that phase to finish their write-back.
func (c *Coordinator) settle(until time.Time) int {
	if c.TrackedTasks() == 0 {
		return 0
	}
	ctx, cancel := context.WithDeadline(context.Background(), until)
	defer cancel()
	names := c.waitTracked(ctx)
	if len(names) > 0 {
		c.logger.Warnf("settle_timeout unsettled=%d names=%v", len(names), names)
	}
	return len(names)
}

func (c *Coordinator) terminate(until time.Time) (terminated, killed []int) {
	c.mu.Lock()
	procs := make([]trackedProcess, 0, len(c.procs))
	for _, p := range c.procs {
		procs = append(procs, p)
	}
	c.mu.Unlock()
	if len(procs) == 0 {
		return nil, nil
	}

	timeout := min(c.termTimeout, max(time.Until(until), 0))
	var mu sync.Mutex
	var g errgroup.Group
	for _, tp := range procs {
		g.Go(func() error {
			wasKilled, err := Terminate(tp.proc, timeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Warnf("terminate_error name=%s pid=%d error=%v", tp.name, tp.proc.Pid(), err)
			}
			if wasKilled {
				killed = append(killed, tp.proc.Pid())
				c.logger.Warnf("subprocess_killed name=%s pid=%d after=%s", tp.name, tp.proc.Pid(), timeout)
			} else {
				terminated = append(terminated, tp.proc.Pid())
				c.logger.Infof("subprocess_terminated name=%s pid=%d", tp.name, tp.proc.Pid())
			}
			return nil
		})
	}
	_ = g.Wait()
	return terminated, killed
}

type cleanupStep struct {
	session bool
	name    string
	run     func(ctx context.Context) error
}

func (s cleanupStep) label() string {
	if s.session {
		return "session:" + s.name
	}
	return "callback:" + s.name
}

// cleanupSteps lists session closes followed by callbacks in registration order.
func (c *Coordinator) cleanupSteps() []cleanupStep {
	c.mu.Lock()
	defer c.mu.Unlock()
	steps := make([]cleanupStep, 0, len(c.sessions)+len(c.callbacks))
	for _, s := range c.sessions {
		steps = append(steps, cleanupStep{session: true, name: s.name, run: func(context.Context) error { return s.closer.Close() }})
	}
	c.sessions = make(map[uint64]trackedSession)
	for _, cb := range c.callbacks {
		steps = append(steps, cleanupStep{name: cb.name, run: cb.fn})
	}
	return steps
}

// cleanup runs the steps one after another on a single goroutine so their
// order holds. Steps still pending at the deadline are abandoned: they keep
// running in the background but Shutdown no longer waits for them.
func (c *Coordinator) cleanup(deadline time.Time) (closeErrs, callbackErrs, abandoned []string) {
	steps := c.cleanupSteps()
	if len(steps) == 0 {
		return nil, nil, nil
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	results := make(chan error, len(steps))
	go func() {
		defer cancel()
		for _, s := range steps {
			results <- runStep(ctx, s)
		}
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for i, s := range steps {
		select {
		case err := <-results:
			if err == nil {
				continue
			}
			if s.session {
				c.logger.Warnf("session_close_error name=%s error=%v", s.name, err)
				closeErrs = append(closeErrs, fmt.Sprintf("%s: %v", s.name, err))
			} else {
				c.logger.Warnf("cleanup_callback_error name=%s error=%v", s.name, err)
				callbackErrs = append(callbackErrs, fmt.Sprintf("%s: %v", s.name, err))
			}
		case <-timer.C:
			for _, rest := range steps[i:] {
				abandoned = append(abandoned, rest.label())
			}
			c.logger.Warnf("cleanup_deadline_exceeded abandoned=%v", abandoned)
			return closeErrs, callbackErrs, abandoned
		}
	}
	return closeErrs, callbackErrs, nil
}

func runStep(ctx context.Context, s cleanupStep) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.run(ctx)
}
