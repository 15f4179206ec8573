package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Slot is one in-flight execution. Cancel aborts the execution's context.
type Slot struct {
	ID          string
	ExecutionID string
	AgentType   string
	StartedAt   time.Time
	cancel      context.CancelFunc
}

func NewSlot(id, executionID, agentType string, cancel context.CancelFunc) Slot {
	return Slot{ID: id, ExecutionID: executionID, AgentType: agentType, StartedAt: time.Now().UTC(), cancel: cancel}
}

func (s Slot) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// SlotStatus is the console view of a Slot.
type SlotStatus struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	AgentType   string    `json:"agent_type"`
	StartedAt   time.Time `json:"started_at"`
	ElapsedSec  float64   `json:"elapsed_sec"`
}

// Pool is the bounded set of in-flight executions.
type Pool struct {
	mu    sync.Mutex
	max   int
	slots map[string]Slot
	idle  chan struct{}
}

func NewPool(max int) *Pool {
	if max <= 0 {
		max = 1
	}
	return &Pool{max: max, slots: make(map[string]Slot)}
}

func (p *Pool) Capacity() int { return p.max }

// CanAccept is true iff the active count is below capacity.
func (p *Pool) CanAccept() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots) < p.max
}

// Add admits slot if there is capacity and its id is not already active.
// Capacity check and insertion happen under one lock.
func (p *Pool) Add(slot Slot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.slots[slot.ID]; ok {
		return ErrActive
	}
	if len(p.slots) >= p.max {
		return ErrAtCapacity
	}
	p.slots[slot.ID] = slot
	return nil
}

// Remove releases the slot for id. Removing an unknown id is a no-op.
func (p *Pool) Remove(id string) (Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.slots[id]
	if !ok {
		return Slot{}, false
	}
	delete(p.slots, id)
	if len(p.slots) == 0 && p.idle != nil {
		close(p.idle)
		p.idle = nil
	}
	return slot, true
}

func (p *Pool) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.slots[id]
	return ok
}

func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// ActiveIDs returns the ids currently executing.
func (p *Pool) ActiveIDs() map[string]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make(map[string]struct{}, len(p.slots))
	for id := range p.slots {
		ids[id] = struct{}{}
	}
	return ids
}

// Active returns a status per slot, oldest first.
func (p *Pool) Active() []SlotStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()
	out := make([]SlotStatus, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, SlotStatus{
			ID:          s.ID,
			ExecutionID: s.ExecutionID,
			AgentType:   s.AgentType,
			StartedAt:   s.StartedAt,
			ElapsedSec:  now.Sub(s.StartedAt).Seconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CancelAll cancels every in-flight execution context.
func (p *Pool) CancelAll() {
	p.mu.Lock()
	slots := make([]Slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.Unlock()
	for _, s := range slots {
		s.Cancel()
	}
}

// Drain blocks until the pool is empty or ctx is done.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if len(p.slots) == 0 {
		p.mu.Unlock()
		return nil
	}
	if p.idle == nil {
		p.idle = make(chan struct{})
	}
	idle := p.idle
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
