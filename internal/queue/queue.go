// Package queue holds the two pieces of mutable scheduling state: the Queue of
// pending work items and the Pool of in-flight executions. Admission moves an
// item from one to the other in a single guarded step.
package queue

import (
	"errors"
	"sync"

	"github.com/msageha/conductor/internal/model"
)

var (
	ErrNotQueued    = errors.New("queue: item not queued")
	ErrNothingReady = errors.New("queue: no eligible item")
	ErrAtCapacity   = errors.New("pool: at capacity")
	ErrActive       = errors.New("pool: item already active")
)

// Ranker orders items best-first with a stable sort.
type Ranker interface {
	Prioritize(items []model.WorkItem) []model.ScoredItem
}

// Queue is an upsertable set of pending items that remembers insertion order.
// Re-adding an id replaces its content but keeps its original position, so
// ties in score resolve to the item that has waited longest.
type Queue struct {
	mu    sync.Mutex
	order []string
	items map[string]model.WorkItem
}

func New() *Queue {
	return &Queue{items: make(map[string]model.WorkItem)}
}

// Upsert inserts or replaces items by id and returns how many were new.
func (q *Queue) Upsert(items ...model.WorkItem) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.upsertLocked(items)
}

func (q *Queue) upsertLocked(items []model.WorkItem) int {
	added := 0
	for _, it := range items {
		if _, ok := q.items[it.ID]; !ok {
			q.order = append(q.order, it.ID)
			added++
		}
		q.items[it.ID] = it
	}
	return added
}

// Remove deletes id and returns the item it held.
func (q *Queue) Remove(id string) (model.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(id)
}

func (q *Queue) removeLocked(id string) (model.WorkItem, bool) {
	it, ok := q.items[id]
	if !ok {
		return model.WorkItem{}, false
	}
	delete(q.items, id)
	for i, qid := range q.order {
		if qid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return it, true
}

// Retain drops every queued id not in keep and returns the dropped ids.
func (q *Queue) Retain(keep map[string]struct{}) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retainLocked(keep)
}

func (q *Queue) retainLocked(keep map[string]struct{}) []string {
	var dropped []string
	kept := q.order[:0]
	for _, id := range q.order {
		if _, ok := keep[id]; ok {
			kept = append(kept, id)
			continue
		}
		delete(q.items, id)
		dropped = append(dropped, id)
	}
	q.order = kept
	return dropped
}

// PopHighest removes and returns the best-ranked item accepted by eligible.
// Items rejected by eligible stay queued. A nil eligible accepts everything.
func (q *Queue) PopHighest(r Ranker, eligible func(model.WorkItem) bool) (model.ScoredItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popHighestLocked(r, eligible)
}

func (q *Queue) popHighestLocked(r Ranker, eligible func(model.WorkItem) bool) (model.ScoredItem, bool) {
	candidates := make([]model.WorkItem, 0, len(q.order))
	for _, id := range q.order {
		it := q.items[id]
		if eligible == nil || eligible(it) {
			candidates = append(candidates, it)
		}
	}
	if len(candidates) == 0 {
		return model.ScoredItem{}, false
	}
	best := r.Prioritize(candidates)[0]
	q.removeLocked(best.Item.ID)
	return best, true
}

// Get returns the queued item for id.
func (q *Queue) Get(id string) (model.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	return it, ok
}

// Items returns a copy of the queued items in insertion order.
func (q *Queue) Items() []model.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.WorkItem, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.items[id])
	}
	return out
}

// Ranked returns the queued items in dispatch order without removing them.
func (q *Queue) Ranked(r Ranker) []model.ScoredItem {
	return r.Prioritize(q.Items())
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.order = nil
	q.items = make(map[string]model.WorkItem)
}
