// Package router moves work items through the configured workflow: it decides
// which items may be dispatched, which agent owns them, and what transition
// an execution result produces.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/lock"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

// TransitionWriter persists one compound transition for one item.
type TransitionWriter interface {
	WriteTransition(ctx context.Context, id string, tr model.Transition) error
}

// Router is safe for concurrent use.
type Router struct {
	states       map[string]model.StateConfig
	completed    map[string]struct{}
	initial      string
	fallback     string
	defaultAgent string

	writer TransitionWriter
	locks  *lock.MutexMap
	bus    *events.Bus
	logger *logging.Logger
	newID  func() string

	mu      sync.Mutex
	blocked map[string]string
	cycle   string
}

func New(cfg model.WorkflowConfig, w TransitionWriter, bus *events.Bus, logger *logging.Logger) *Router {
	r := &Router{
		states:       make(map[string]model.StateConfig, len(cfg.States)),
		completed:    make(map[string]struct{}, len(cfg.CompletedStates)),
		initial:      cfg.InitialState,
		fallback:     cfg.FallbackState,
		defaultAgent: cfg.DefaultAgent,
		writer:       w,
		locks:        lock.NewMutexMap(),
		bus:          bus,
		logger:       logger,
		newID:        uuid.NewString,
		blocked:      make(map[string]string),
	}
	for _, st := range cfg.States {
		r.states[st.Name] = st
	}
	for _, name := range cfg.CompletedStates {
		r.completed[name] = struct{}{}
	}
	if r.initial == "" {
		for _, st := range cfg.States {
			if st.Actionable {
				r.initial = st.Name
				break
			}
		}
	}
	return r
}

// Flat reports whether no state table is configured. In flat mode every item
// outside the completed and fallback states is actionable.
func (r *Router) Flat() bool { return len(r.states) == 0 }

func (r *Router) Actionable(state string) bool {
	if r.Flat() {
		if _, done := r.completed[state]; done {
			return false
		}
		return r.fallback == "" || state != r.fallback
	}
	return r.states[state].Actionable
}

// Eligible is the dispatch-time guard used by the queue.
func (r *Router) Eligible(item model.WorkItem) bool {
	return r.Actionable(item.State)
}

// FallbackAgent is the label tried when the item's own agent-type is unbound.
func (r *Router) FallbackAgent(item model.WorkItem) string {
	if st, ok := r.states[item.State]; ok && st.DefaultAgent != "" {
		return st.DefaultAgent
	}
	return r.defaultAgent
}

// Ready filters a poll snapshot down to the items that may be queued:
// actionable and with every dependency satisfied. A dependency is satisfied
// when it is absent from the snapshot or sits in a completed state.
func (r *Router) Ready(items []model.WorkItem) []model.WorkItem {
	byID := make(map[string]model.WorkItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	ready := make([]model.WorkItem, 0, len(items))
	stillBlocked := make(map[string]string)
	for _, item := range items {
		if !r.Actionable(item.State) {
			continue
		}
		if waiting := r.unmetDependencies(item, byID); len(waiting) > 0 {
			stillBlocked[item.ID] = strings.Join(waiting, ",")
			continue
		}
		ready = append(ready, item)
	}
	r.noteBlocked(stillBlocked)
	r.noteCycle(r.dependencyCycle(items))
	return ready
}

func (r *Router) unmetDependencies(item model.WorkItem, byID map[string]model.WorkItem) []string {
	var waiting []string
	for _, dep := range item.DependsOn {
		other, known := byID[dep]
		if !known {
			continue
		}
		if _, done := r.completed[other.State]; done {
			continue
		}
		waiting = append(waiting, dep)
	}
	return waiting
}

// noteBlocked logs newly blocked items once and forgets unblocked ones.
func (r *Router) noteBlocked(current map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(current))
	for id := range current {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		deps := current[id]
		if prev, ok := r.blocked[id]; ok && prev == deps {
			r.logger.Debugf("dependency_blocked id=%s waiting_on=%s", id, deps)
			continue
		}
		r.logger.Infof("dependency_blocked id=%s waiting_on=%s", id, deps)
		r.bus.Publish(events.EventItemBlocked, map[string]any{"item_id": id, "waiting_on": deps})
	}
	r.blocked = current
}

// noteCycle warns once per distinct cycle. Cycle members stay blocked until
// someone edits their dependencies.
func (r *Router) noteCycle(path []string) {
	cycle := strings.Join(path, " -> ")
	r.mu.Lock()
	defer r.mu.Unlock()
	if cycle == r.cycle {
		return
	}
	r.cycle = cycle
	if cycle != "" {
		r.logger.Warnf("dependency_cycle path=%s", cycle)
	}
}

// Cycle is the dependency cycle seen at the last Ready call, if any.
func (r *Router) Cycle() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycle
}

// BlockedCount is the number of items held back at the last Ready call.
func (r *Router) BlockedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocked)
}

// Plan turns an execution result into the transition to write. ok is false
// when the item settles in place.
func (r *Router) Plan(item model.WorkItem, res model.ExecutionResult) (tr model.Transition, ok bool) {
	if !res.Success {
		if r.fallback == "" {
			return model.Transition{}, false
		}
		// agent type is left untouched for diagnosis
		return model.Transition{State: r.fallback, Comment: failureComment(res)}, true
	}
	if !res.HasTransition() {
		return model.Transition{}, false
	}

	tr = model.Transition{
		State:     res.NextState,
		AgentType: res.NextAgentType,
		Owner:     res.ReassignOwner,
		Comment:   res.Summary,
	}
	if tr.State == "" {
		tr.State = item.State
	}
	if res.ResetCorrelation {
		tr.CorrelationID = r.newID()
		tr.ResetCorrelation = true
	}
	return tr, true
}

func failureComment(res model.ExecutionResult) string {
	msg := "execution failed"
	if res.Summary != "" {
		msg += ": " + res.Summary
	}
	if res.Error != "" {
		msg += " (" + res.Error + ")"
	}
	return msg
}

// Apply plans and writes the transition for res. Writes for one item are
// serialized. A write failure leaves the item where it was for the next poll.
func (r *Router) Apply(ctx context.Context, item model.WorkItem, res model.ExecutionResult) (model.Transition, bool, error) {
	tr, ok := r.Plan(item, res)
	if !ok {
		r.logger.Debugf("transition_none id=%s success=%v", item.ID, res.Success)
		return tr, false, nil
	}

	err := r.locks.With(item.ID, func() error {
		return r.writer.WriteTransition(ctx, item.ID, tr)
	})
	if err != nil {
		r.logger.Errorf("transition_failed id=%s from=%s to=%s error=%v", item.ID, item.State, tr.State, err)
		return tr, false, fmt.Errorf("write transition %s: %w", item.ID, err)
	}

	r.logger.Infof("transition id=%s from=%s to=%s agent=%s success=%v", item.ID, item.State, tr.State, tr.AgentType, res.Success)
	r.bus.Publish(events.EventItemTransitioned, map[string]any{
		"item_id":    item.ID,
		"from":       item.State,
		"to":         tr.State,
		"agent_type": tr.AgentType,
		"success":    res.Success,
	})
	return tr, true, nil
}

// RecoverOrphans reverts items found in an in-progress state without a live
// execution in this process. It returns the ids it reverted.
func (r *Router) RecoverOrphans(ctx context.Context, items []model.WorkItem, active map[string]struct{}) []string {
	var recovered []string
	for _, item := range items {
		st, ok := r.states[item.State]
		if !ok || !st.InProgress {
			continue
		}
		if _, live := active[item.ID]; live {
			continue
		}
		target := st.RecoverTo
		if target == "" {
			target = r.initial
		}
		if target == "" {
			r.logger.Warnf("orphan_unrecoverable id=%s state=%s reason=no_initial_state", item.ID, item.State)
			continue
		}

		tr := model.Transition{State: target, Comment: fmt.Sprintf("recovered from %s after restart", item.State)}
		err := r.locks.With(item.ID, func() error {
			return r.writer.WriteTransition(ctx, item.ID, tr)
		})
		if err != nil {
			r.logger.Errorf("orphan_recovery_failed id=%s state=%s error=%v", item.ID, item.State, err)
			continue
		}
		r.logger.Warnf("orphan_recovered id=%s from=%s to=%s", item.ID, item.State, target)
		r.bus.Publish(events.EventOrphanRecovered, map[string]any{"item_id": item.ID, "from": item.State, "to": target})
		recovered = append(recovered, item.ID)
	}
	return recovered
}
