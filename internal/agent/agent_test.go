package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/shutdown"
)

func okAgent(summary string) Agent {
	return Func(func(ctx context.Context, item model.WorkItem) (model.ExecutionResult, error) {
		return model.ExecutionResult{Success: true, Summary: summary}, nil
	})
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry("coder")
	r.Register("coder", okAgent("coder"))
	r.Register("reviewer", okAgent("reviewer"))

	tests := []struct {
		name      string
		agentType string
		fallback  string
		want      string
	}{
		{"exact", "reviewer", "", "reviewer"},
		{"state default", "unknown", "reviewer", "reviewer"},
		{"registry default", "unknown", "missing", "coder"},
		{"empty label", "", "", "coder"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, name, err := r.Resolve(tt.agentType, tt.fallback)
			require.NoError(t, err)
			assert.Equal(t, tt.want, name)
			res, err := a.Execute(context.Background(), model.WorkItem{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Summary)
		})
	}

	assert.Equal(t, []string{"coder", "reviewer"}, r.Names())
}

func TestRegistry_ResolveNone(t *testing.T) {
	_, _, err := NewRegistry("").Resolve("ghost", "")
	assert.True(t, errors.Is(err, ErrNoAgent))
}

type recordingTracker struct {
	mu      sync.Mutex
	tracked int
	live    int
}

func (r *recordingTracker) TrackSubprocess(name string, p shutdown.Process) func() {
	r.mu.Lock()
	r.tracked++
	r.live++
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.live--
		r.mu.Unlock()
	}
}

func shAgent(script string, tracker ProcessTracker) *CommandAgent {
	return NewCommandAgent("sh", model.AgentConfig{
		Command: []string{"sh", "-c", script},
		Env:     map[string]string{"EXTRA": "yes"},
	}, tracker, time.Second, logging.Discard())
}

func TestCommandAgent_ParsesLastJSONLine(t *testing.T) {
	tracker := &recordingTracker{}
	script := `read input
echo "working on $CONDUCTOR_ITEM_ID extra=$EXTRA"
echo '{"success": true, "next_state": "in_review", "next_agent": "reviewer", "summary": "done", "details": ["a", "b"], "reset_correlation": true}'`

	res, err := shAgent(script, tracker).Execute(context.Background(), model.WorkItem{ID: "item-1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "in_review", res.NextState)
	assert.Equal(t, "reviewer", res.NextAgentType)
	assert.Equal(t, []string{"a", "b"}, res.Details)
	assert.True(t, res.ResetCorrelation)
	assert.Equal(t, 1, tracker.tracked)
	assert.Equal(t, 0, tracker.live)
}

func TestCommandAgent_ReceivesItemOnStdin(t *testing.T) {
	res, err := shAgent(`cat`, nil).Execute(context.Background(), model.WorkItem{ID: "x", Title: "hello"})
	require.NoError(t, err)
	// the echoed item is itself the last JSON line; "success" is absent
	assert.False(t, res.Success)

	res, err = shAgent(`cat >/dev/null; echo plain text`, nil).Execute(context.Background(), model.WorkItem{ID: "x"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "plain text", res.Summary)
}

func TestCommandAgent_NonZeroExitIsFailure(t *testing.T) {
	res, err := shAgent(`echo boom >&2; exit 3`, nil).Execute(context.Background(), model.WorkItem{ID: "x"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Summary, "code 3")
	assert.Equal(t, "boom", res.Error)

	res, err = shAgent(`echo '{"success": true, "summary": "lied"}'; exit 1`, nil).Execute(context.Background(), model.WorkItem{ID: "x"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "lied", res.Summary)
}

func TestCommandAgent_TimeoutKillsStubbornProcess(t *testing.T) {
	tracker := &recordingTracker{}
	a := shAgent(`trap '' TERM; sleep 30`, tracker)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := a.Execute(ctx, model.WorkItem{ID: "slow"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, 0, tracker.live)
}

func TestCommandAgent_MissingBinary(t *testing.T) {
	a := NewCommandAgent("ghost", model.AgentConfig{Command: []string{"/nonexistent/agent-binary"}}, nil, time.Second, logging.Discard())
	_, err := a.Execute(context.Background(), model.WorkItem{ID: "x"})
	assert.Error(t, err)
}
