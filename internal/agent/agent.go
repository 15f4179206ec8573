// Package agent defines the pluggable executors work items are routed to and
// the registry that resolves an agent-type label to one of them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/msageha/conductor/internal/model"
)

// ErrNoAgent is returned when neither the label nor the default resolves.
var ErrNoAgent = errors.New("no agent registered")

// Agent executes one work item. Implementations must not carry state between
// calls and must return promptly once ctx is done.
type Agent interface {
	Execute(ctx context.Context, item model.WorkItem) (model.ExecutionResult, error)
}

// Func adapts a plain function to Agent.
type Func func(ctx context.Context, item model.WorkItem) (model.ExecutionResult, error)

func (f Func) Execute(ctx context.Context, item model.WorkItem) (model.ExecutionResult, error) {
	return f(ctx, item)
}

// Registry maps agent-type labels to agents.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]Agent
	defaultAgent string
}

func NewRegistry(defaultAgent string) *Registry {
	return &Registry{agents: make(map[string]Agent), defaultAgent: defaultAgent}
}

func (r *Registry) Register(agentType string, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentType] = a
}

// Resolve returns the agent for agentType, falling back to fallback and then
// the registry default. The returned label is the one actually resolved.
func (r *Registry) Resolve(agentType, fallback string) (Agent, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range []string{agentType, fallback, r.defaultAgent} {
		if name == "" {
			continue
		}
		if a, ok := r.agents[name]; ok {
			return a, name, nil
		}
	}
	return nil, "", fmt.Errorf("%w for agent type %q", ErrNoAgent, agentType)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
