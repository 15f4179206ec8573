package queue

import (
	"fmt"
	"sync"

	"github.com/msageha/conductor/internal/model"
)

// Admission owns a Queue and a Pool and is the only path that moves items
// between them. Every step runs under one mutex, so automatic dispatch,
// manual dispatch and refills never interleave: an id is never in both
// structures and the pool never exceeds capacity.
type Admission struct {
	mu     sync.Mutex
	queue  *Queue
	pool   *Pool
	ranker Ranker
}

func NewAdmission(q *Queue, p *Pool, r Ranker) *Admission {
	return &Admission{queue: q, pool: p, ranker: r}
}

func (a *Admission) Queue() *Queue { return a.queue }
func (a *Admission) Pool() *Pool   { return a.pool }

// SlotFunc builds the pool slot for an item that is about to be admitted.
type SlotFunc func(item model.WorkItem) Slot

// RefillResult reports what a refill changed.
type RefillResult struct {
	Added         int
	Updated       int
	Dropped       []string
	SkippedActive int
}

// Refill upserts items, skipping ids that are executing, and then drops
// queued ids that are absent from items.
func (a *Admission) Refill(items []model.WorkItem) RefillResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	active := a.pool.ActiveIDs()
	keep := make(map[string]struct{}, len(items))
	pending := make([]model.WorkItem, 0, len(items))
	var res RefillResult
	for _, it := range items {
		if _, running := active[it.ID]; running {
			res.SkippedActive++
			continue
		}
		keep[it.ID] = struct{}{}
		pending = append(pending, it)
	}

	a.queue.mu.Lock()
	res.Added = a.queue.upsertLocked(pending)
	res.Updated = len(pending) - res.Added
	res.Dropped = a.queue.retainLocked(keep)
	a.queue.mu.Unlock()
	return res
}

// AdmitNext pops the best eligible item and admits it into the pool.
func (a *Admission) AdmitNext(eligible func(model.WorkItem) bool, newSlot SlotFunc) (model.ScoredItem, Slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.pool.CanAccept() {
		return model.ScoredItem{}, Slot{}, ErrAtCapacity
	}
	scored, ok := a.queue.PopHighest(a.ranker, eligible)
	if !ok {
		return model.ScoredItem{}, Slot{}, ErrNothingReady
	}
	slot := newSlot(scored.Item)
	if err := a.pool.Add(slot); err != nil {
		a.queue.Upsert(scored.Item)
		slot.Cancel()
		return model.ScoredItem{}, Slot{}, fmt.Errorf("admit %s: %w", scored.Item.ID, err)
	}
	return scored, slot, nil
}

// AdmitID removes one specific queued id and admits it. If the id has
// already been taken the call fails with ErrNotQueued; if the pool is full
// the item stays queued and the call fails with ErrAtCapacity.
func (a *Admission) AdmitID(id string, newSlot SlotFunc) (model.WorkItem, Slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.queue.Get(id); !ok {
		if a.pool.Has(id) {
			return model.WorkItem{}, Slot{}, fmt.Errorf("%s: %w", id, ErrActive)
		}
		return model.WorkItem{}, Slot{}, fmt.Errorf("%s: %w", id, ErrNotQueued)
	}
	if !a.pool.CanAccept() {
		return model.WorkItem{}, Slot{}, fmt.Errorf("%s: %w", id, ErrAtCapacity)
	}
	item, _ := a.queue.Remove(id)
	slot := newSlot(item)
	if err := a.pool.Add(slot); err != nil {
		a.queue.Upsert(item)
		slot.Cancel()
		return model.WorkItem{}, Slot{}, fmt.Errorf("admit %s: %w", id, err)
	}
	return item, slot, nil
}

// Release frees the pool slot for id.
func (a *Admission) Release(id string) {
	a.pool.Remove(id)
}
