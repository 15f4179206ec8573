// Package daemon wires the scheduling core together: it polls the task
// source into the queue, dispatches ranked items to agents, writes results
// back through the router, and serves the operator console.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/conductor/internal/agent"
	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/lock"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/priority"
	"github.com/msageha/conductor/internal/queue"
	"github.com/msageha/conductor/internal/router"
	"github.com/msageha/conductor/internal/shutdown"
	"github.com/msageha/conductor/internal/source"
	"github.com/msageha/conductor/internal/uds"
)

// Options locate the daemon's on-disk state. An empty Dir disables the
// instance lock and the audit log; an empty SocketPath disables the console.
type Options struct {
	Dir        string
	SocketPath string
	Logger     *logging.Logger
}

// Daemon is one scheduler instance. All mutable scheduling state hangs off
// it, so several instances can run side by side in tests.
type Daemon struct {
	config model.Config
	opts   Options
	logger *logging.Logger

	source    source.TaskSource
	agents    *agent.Registry
	scorer    *priority.Scorer
	admission *queue.Admission
	router    *router.Router
	coord     *shutdown.Coordinator
	bus       *events.Bus
	server    *uds.Server
	fileLock  *lock.FileLock

	pollNow     chan struct{}
	dispatchNow chan struct{}

	mu      sync.Mutex
	poll    pollState
	settled map[string]time.Time
	// parked holds items that succeeded without a transition, keyed to the
	// fingerprint they had when they ran.
	parked map[string]string
}

// New builds a daemon around an existing source and agent registry.
func New(cfg model.Config, src source.TaskSource, agents *agent.Registry, opts Options) *Daemon {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	bus := events.NewBus(256)
	scorer := priority.NewScorer(cfg.Priority.EffectiveWeights(), cfg.Priority.GroupImportance, logger.With("priority"))

	d := &Daemon{
		config:      cfg,
		opts:        opts,
		logger:      logger.With("daemon"),
		source:      src,
		agents:      agents,
		scorer:      scorer,
		admission:   queue.NewAdmission(queue.New(), queue.NewPool(cfg.Engine.Concurrency()), scorer),
		router:      router.New(cfg.Workflow, src, bus, logger.With("router")),
		coord:       shutdown.New(cfg.Shutdown.Timeout(), cfg.Shutdown.SubprocessTermTimeout(), logger),
		bus:         bus,
		pollNow:     make(chan struct{}, 1),
		dispatchNow: make(chan struct{}, 1),
		settled:     make(map[string]time.Time),
		parked:      make(map[string]string),
	}
	d.coord.TrackDrainer(d.admission.Pool())
	d.coord.SetPhaseHook(func(p shutdown.Phase) {
		d.bus.Publish(events.EventShutdownPhase, map[string]any{"phase": p.String()})
	})
	if opts.SocketPath != "" {
		d.server = uds.NewServer(opts.SocketPath, logger.With("console"))
		d.registerHandlers()
	}
	return d
}

// Load builds a daemon from configuration rooted at dir: the configured
// source, one CommandAgent per configured agent, the console socket.
func Load(dir string, cfg model.Config, logger *logging.Logger) (*Daemon, error) {
	src, err := source.New(cfg.Source, dir, logger)
	if err != nil {
		return nil, err
	}
	socket := cfg.Console.Socket
	if socket == "" {
		socket = uds.DefaultSocketName
	}
	if !filepath.IsAbs(socket) {
		socket = filepath.Join(dir, socket)
	}

	registry := agent.NewRegistry(cfg.Workflow.DefaultAgent)
	d := New(cfg, src, registry, Options{Dir: dir, SocketPath: socket, Logger: logger})
	for name, ac := range cfg.Agents {
		registry.Register(name, agent.NewCommandAgent(name, ac, d.coord, cfg.Shutdown.SubprocessTermTimeout(), logger.With("agent")))
	}
	return d, nil
}

// Coordinator exposes the shutdown coordinator for extra registrations.
func (d *Daemon) Coordinator() *shutdown.Coordinator { return d.coord }

// Events exposes the lifecycle event bus.
func (d *Daemon) Events() *events.Bus { return d.bus }

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.acquireLock(); err != nil {
		return err
	}
	d.logger.Infof("daemon starting pid=%d max_concurrent=%d", os.Getpid(), d.admission.Pool().Capacity())

	if err := d.openAuditLog(); err != nil {
		d.releaseLock()
		return err
	}

	d.recoverOrphans()

	if d.server != nil {
		if err := d.server.Start(); err != nil {
			d.coord.Shutdown()
			return fmt.Errorf("start console: %w", err)
		}
		d.coord.TrackSession("console", d.server)
		d.logger.Infof("console listening on %s", d.server.SocketPath())
	}

	stopSignals := d.coord.HandleSignals()
	defer stopSignals()

	loopCtx, cancel := context.WithCancel(context.Background())
	go func() {
		<-d.coord.Requested()
		cancel()
	}()

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return d.pollLoop(gctx) })
	g.Go(func() error { return d.dispatchLoop(gctx) })
	if w, ok := d.source.(source.Watcher); ok && d.config.Source.Watch {
		g.Go(func() error {
			if err := w.Watch(gctx, d.TriggerPoll); err != nil {
				d.logger.Warnf("source_watch_stopped error=%v", err)
			}
			return nil
		})
	}
	d.logger.Infof("daemon ready")

	<-d.coord.Requested()
	_ = g.Wait()
	d.coord.Shutdown()
	d.logger.Infof("daemon stopped")
	return nil
}

// Shutdown requests shutdown and waits for the sequence to finish.
func (d *Daemon) Shutdown() shutdown.Report {
	d.coord.RequestShutdown("api")
	return d.coord.Shutdown()
}

func (d *Daemon) acquireLock() error {
	if d.opts.Dir == "" {
		return nil
	}
	lockDir := filepath.Join(d.opts.Dir, "locks")
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return fmt.Errorf("ensure lock dir: %w", err)
	}
	d.fileLock = lock.NewFileLock(filepath.Join(lockDir, "daemon.lock"))
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	return nil
}

func (d *Daemon) releaseLock() {
	if d.fileLock == nil {
		return
	}
	if err := d.fileLock.Unlock(); err != nil {
		d.logger.Warnf("lock_release_failed error=%v", err)
	}
}

// openAuditLog subscribes the JSONL audit log and registers, in order, the
// cleanups that flush it and release the instance lock.
func (d *Daemon) openAuditLog() error {
	var audit *events.AuditLogger
	if d.opts.Dir != "" && d.config.Events.AuditLog {
		var err error
		audit, err = events.NewAuditLogger(filepath.Join(d.opts.Dir, "logs", "events.jsonl"), d.config.Events.MaxLogBytes)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		d.bus.SubscribeAll(audit.Handle)
	}

	d.coord.RegisterCleanup("event-bus", func(context.Context) error { return d.bus.Close() })
	if audit != nil {
		d.coord.RegisterCleanup("audit-log", func(context.Context) error { return audit.Close() })
	}
	d.coord.RegisterCleanupFunc("instance-lock", d.releaseLock)
	return nil
}

// recoverOrphans reverts crash-interrupted items before the first poll.
func (d *Daemon) recoverOrphans() {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.Shutdown.Timeout())
	defer cancel()

	items, err := d.source.FetchPending(ctx)
	if err != nil {
		d.logger.Warnf("orphan_scan_failed error=%v", err)
		return
	}
	if ids := d.router.RecoverOrphans(ctx, items, d.admission.Pool().ActiveIDs()); len(ids) > 0 {
		d.logger.Infof("orphan_recovery_complete recovered=%d", len(ids))
	}
}
