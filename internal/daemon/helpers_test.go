package daemon

import (
	"context"
	"errors"
	"sync"

	"github.com/msageha/conductor/internal/agent"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/source"
)

// memSource is an in-memory TaskSource.
type memSource struct {
	mu       sync.Mutex
	items    []model.WorkItem
	writes   []recordedWrite
	fetchErr error
	onWrite  func(id string)
}

type recordedWrite struct {
	ID string
	Tr model.Transition
}

func newMemSource(items ...model.WorkItem) *memSource {
	return &memSource{items: items}
}

func (s *memSource) FetchPending(ctx context.Context) ([]model.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return append([]model.WorkItem(nil), s.items...), nil
}

func (s *memSource) WriteTransition(ctx context.Context, id string, tr model.Transition) error {
	s.mu.Lock()
	hook := s.onWrite
	s.mu.Unlock()
	if hook != nil {
		hook(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID != id {
			continue
		}
		if tr.State != "" {
			s.items[i].State = tr.State
		}
		if tr.AgentType != "" {
			s.items[i].AgentType = tr.AgentType
		}
		s.writes = append(s.writes, recordedWrite{ID: id, Tr: tr})
		return nil
	}
	return source.ErrItemNotFound
}

func (s *memSource) setFetchErr(err error) {
	s.mu.Lock()
	s.fetchErr = err
	s.mu.Unlock()
}

func (s *memSource) Writes() []recordedWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedWrite(nil), s.writes...)
}

func (s *memSource) State(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.ID == id {
			return it.State
		}
	}
	return ""
}

// gateAgent blocks every execution until released and counts concurrency.
type gateAgent struct {
	mu      sync.Mutex
	running int
	peak    int
	calls   []string
	release chan struct{}
	started chan string
	result  model.ExecutionResult
}

func newGateAgent(result model.ExecutionResult) *gateAgent {
	return &gateAgent{release: make(chan struct{}), started: make(chan string, 64), result: result}
}

func (g *gateAgent) Execute(ctx context.Context, item model.WorkItem) (model.ExecutionResult, error) {
	g.mu.Lock()
	g.running++
	if g.running > g.peak {
		g.peak = g.running
	}
	g.calls = append(g.calls, item.ID)
	g.mu.Unlock()
	g.started <- item.ID

	defer func() {
		g.mu.Lock()
		g.running--
		g.mu.Unlock()
	}()
	select {
	case <-g.release:
		return g.result, nil
	case <-ctx.Done():
		return model.ExecutionResult{}, ctx.Err()
	}
}

func (g *gateAgent) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *gateAgent) Peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func testWorkflow() model.WorkflowConfig {
	return model.WorkflowConfig{
		InitialState:    "todo",
		FallbackState:   "needs_attention",
		DefaultAgent:    "worker",
		CompletedStates: []string{"done"},
		States: []model.StateConfig{
			{Name: "todo", Actionable: true},
			{Name: "in_review", Actionable: true},
			{Name: "working", InProgress: true, RecoverTo: "todo"},
			{Name: "needs_attention"},
			{Name: "done"},
		},
	}
}

func testConfig(maxConcurrent int) model.Config {
	return model.Config{
		Engine:   model.EngineConfig{MaxConcurrent: maxConcurrent, PollIntervalSec: 3600, DispatchIntervalMs: 20, ItemTimeoutSec: 5},
		Shutdown: model.ShutdownConfig{TimeoutSec: 2, SubprocessTermTimeoutSec: 1},
		Workflow: testWorkflow(),
	}
}

func newTestDaemon(cfg model.Config, src *memSource, a agent.Agent) *Daemon {
	registry := agent.NewRegistry(cfg.Workflow.DefaultAgent)
	registry.Register("worker", a)
	return New(cfg, src, registry, Options{})
}

var errTrackerDown = errors.New("tracker unavailable")
