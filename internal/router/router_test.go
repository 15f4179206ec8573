package router

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

type write struct {
	id string
	tr model.Transition
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []write
	err    error
}

func (w *fakeWriter) WriteTransition(ctx context.Context, id string, tr model.Transition) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.writes = append(w.writes, write{id, tr})
	return nil
}

func workflow() model.WorkflowConfig {
	return model.WorkflowConfig{
		InitialState:    "todo",
		FallbackState:   "needs_attention",
		DefaultAgent:    "coder",
		CompletedStates: []string{"done"},
		States: []model.StateConfig{
			{Name: "todo", Actionable: true, DefaultAgent: "planner"},
			{Name: "in_review", Actionable: true},
			{Name: "working", InProgress: true, RecoverTo: "todo"},
			{Name: "testing", InProgress: true},
			{Name: "needs_attention"},
			{Name: "done"},
		},
	}
}

func newRouter(w *fakeWriter) *Router {
	r := New(workflow(), w, nil, logging.Discard())
	r.newID = func() string { return "fresh-id" }
	return r
}

func TestRouter_Actionable(t *testing.T) {
	r := newRouter(&fakeWriter{})
	assert.True(t, r.Actionable("todo"))
	assert.True(t, r.Actionable("in_review"))
	assert.False(t, r.Actionable("working"))
	assert.False(t, r.Actionable("needs_attention"))
	assert.False(t, r.Actionable("unknown"))
	assert.False(t, r.Flat())

	flat := New(model.WorkflowConfig{FallbackState: "failed", CompletedStates: []string{"done"}}, &fakeWriter{}, nil, logging.Discard())
	assert.True(t, flat.Flat())
	assert.True(t, flat.Actionable(""))
	assert.True(t, flat.Actionable("anything"))
	assert.False(t, flat.Actionable("done"))
	assert.False(t, flat.Actionable("failed"))
}

func TestRouter_ReadyFiltersStateAndDependencies(t *testing.T) {
	var buf bytes.Buffer
	r := New(workflow(), &fakeWriter{}, nil, logging.New(&buf, logging.LevelInfo))

	items := []model.WorkItem{
		{ID: "a", State: "todo"},
		{ID: "b", State: "todo", DependsOn: []string{"a"}},
		{ID: "c", State: "in_review", DependsOn: []string{"d"}},
		{ID: "d", State: "done"},
		{ID: "e", State: "working"},
		{ID: "f", State: "todo", DependsOn: []string{"not-reported"}},
	}

	ready := r.Ready(items)
	var ids []string
	for _, it := range ready {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []string{"a", "c", "f"}, ids)
	assert.Equal(t, 1, r.BlockedCount())
	assert.Contains(t, buf.String(), "dependency_blocked id=b waiting_on=a")

	// a repeat of the same block is not logged at info again
	buf.Reset()
	r.Ready(items)
	assert.NotContains(t, buf.String(), "dependency_blocked")

	// once a completes, b becomes ready
	items[0].State = "done"
	ready = r.Ready(items)
	ids = ids[:0]
	for _, it := range ready {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []string{"b", "c", "f"}, ids)
	assert.Equal(t, 0, r.BlockedCount())
}

func TestRouter_FallbackAgent(t *testing.T) {
	r := newRouter(&fakeWriter{})
	assert.Equal(t, "planner", r.FallbackAgent(model.WorkItem{State: "todo"}))
	assert.Equal(t, "coder", r.FallbackAgent(model.WorkItem{State: "in_review"}))
}

func TestRouter_Plan(t *testing.T) {
	item := model.WorkItem{ID: "a", State: "todo", AgentType: "planner"}
	tests := []struct {
		name   string
		res    model.ExecutionResult
		wantOK bool
		want   model.Transition
	}{
		{
			name:   "success with next state and agent",
			res:    model.ExecutionResult{Success: true, NextState: "in_review", NextAgentType: "reviewer", Summary: "planned", ReassignOwner: "bob"},
			wantOK: true,
			want:   model.Transition{State: "in_review", AgentType: "reviewer", Owner: "bob", Comment: "planned"},
		},
		{
			name:   "success with correlation reset",
			res:    model.ExecutionResult{Success: true, NextState: "in_review", ResetCorrelation: true},
			wantOK: true,
			want:   model.Transition{State: "in_review", CorrelationID: "fresh-id", ResetCorrelation: true},
		},
		{
			name:   "agent handoff keeps state",
			res:    model.ExecutionResult{Success: true, NextAgentType: "coder"},
			wantOK: true,
			want:   model.Transition{State: "todo", AgentType: "coder"},
		},
		{
			name:   "success settles in place",
			res:    model.ExecutionResult{Success: true, Summary: "nothing to do"},
			wantOK: false,
		},
		{
			name:   "failure goes to fallback",
			res:    model.ExecutionResult{Success: false, Summary: "tests red", Error: "exit 1", NextState: "in_review"},
			wantOK: true,
			want:   model.Transition{State: "needs_attention", Comment: "execution failed: tests red (exit 1)"},
		},
	}
	r := newRouter(&fakeWriter{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, ok := r.Plan(item, tt.res)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.want, tr)
			}
		})
	}
}

func TestRouter_ApplyWritesOnce(t *testing.T) {
	w := &fakeWriter{}
	r := newRouter(w)
	item := model.WorkItem{ID: "a", State: "todo"}

	_, wrote, err := r.Apply(context.Background(), item, model.ExecutionResult{Success: true, NextState: "in_review", NextAgentType: "reviewer"})
	require.NoError(t, err)
	assert.True(t, wrote)
	require.Len(t, w.writes, 1)
	assert.Equal(t, "in_review", w.writes[0].tr.State)
	assert.Equal(t, "reviewer", w.writes[0].tr.AgentType)

	_, wrote, err = r.Apply(context.Background(), item, model.ExecutionResult{Success: true})
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Len(t, w.writes, 1)
}

func TestRouter_ApplyWriteFailure(t *testing.T) {
	w := &fakeWriter{err: errors.New("tracker down")}
	r := newRouter(w)
	_, wrote, err := r.Apply(context.Background(), model.WorkItem{ID: "a", State: "todo"}, model.Failure("boom", nil))
	assert.Error(t, err)
	assert.False(t, wrote)
}

func TestRouter_RecoverOrphans(t *testing.T) {
	w := &fakeWriter{}
	r := newRouter(w)

	items := []model.WorkItem{
		{ID: "a", State: "working"},
		{ID: "b", State: "testing"},
		{ID: "c", State: "working"},
		{ID: "d", State: "todo"},
	}
	recovered := r.RecoverOrphans(context.Background(), items, map[string]struct{}{"c": {}})
	assert.Equal(t, []string{"a", "b"}, recovered)
	require.Len(t, w.writes, 2)
	assert.Equal(t, "todo", w.writes[0].tr.State)
	// no recover_to falls back to the initial state
	assert.Equal(t, "todo", w.writes[1].tr.State)
}
