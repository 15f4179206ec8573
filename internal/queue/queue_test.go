package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/model"
)

// tagRanker ranks by the numeric PriorityTag, stable on ties.
type tagRanker struct{}

func (tagRanker) Prioritize(items []model.WorkItem) []model.ScoredItem {
	out := make([]model.ScoredItem, len(items))
	for i, it := range items {
		var v float64
		fmt.Sscanf(it.PriorityTag, "%g", &v)
		out[i] = model.ScoredItem{Item: it, Score: model.TaskScore{Total: v}}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score.Total > out[j].Score.Total })
	return out
}

func item(id, prio string) model.WorkItem {
	return model.WorkItem{ID: id, PriorityTag: prio, State: "todo"}
}

func TestQueue_UpsertNeverDuplicates(t *testing.T) {
	q := New()
	assert.Equal(t, 1, q.Upsert(item("a", "1")))
	assert.Equal(t, 0, q.Upsert(item("a", "9")))
	assert.Equal(t, 1, q.Size())

	got, ok := q.Get("a")
	require.True(t, ok)
	assert.Equal(t, "9", got.PriorityTag, "last write wins")
}

func TestQueue_PopHighestTieBreaksOnInsertionOrder(t *testing.T) {
	q := New()
	q.Upsert(item("first", "5"), item("second", "5"), item("top", "7"))
	// re-adding keeps the original position
	q.Upsert(item("first", "5"))

	var ids []string
	for {
		s, ok := q.PopHighest(tagRanker{}, nil)
		if !ok {
			break
		}
		ids = append(ids, s.Item.ID)
	}
	assert.Equal(t, []string{"top", "first", "second"}, ids)
	assert.Equal(t, 0, q.Size())
}

func TestQueue_PopHighestSkipsIneligible(t *testing.T) {
	q := New()
	q.Upsert(item("blocked", "9"), item("ready", "1"))

	s, ok := q.PopHighest(tagRanker{}, func(it model.WorkItem) bool { return it.ID != "blocked" })
	require.True(t, ok)
	assert.Equal(t, "ready", s.Item.ID)
	assert.Equal(t, 1, q.Size(), "ineligible item stays queued")

	_, ok = q.PopHighest(tagRanker{}, func(model.WorkItem) bool { return false })
	assert.False(t, ok)
}

func TestQueue_RetainAndClear(t *testing.T) {
	q := New()
	q.Upsert(item("a", "1"), item("b", "1"), item("c", "1"))

	dropped := q.Retain(map[string]struct{}{"a": {}, "c": {}})
	assert.Equal(t, []string{"b"}, dropped)
	assert.Equal(t, []string{"a", "c"}, ids(q.Items()))

	q.Clear()
	assert.Equal(t, 0, q.Size())
}

func TestQueue_ConcurrentPopNeverSharesItem(t *testing.T) {
	q := New()
	for i := 0; i < 200; i++ {
		q.Upsert(item(fmt.Sprintf("t%03d", i), "1"))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				s, ok := q.PopHighest(tagRanker{}, nil)
				if !ok {
					return
				}
				mu.Lock()
				seen[s.Item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 200)
	for id, n := range seen {
		assert.Equal(t, 1, n, "id %s popped %d times", id, n)
	}
}

func TestPool_CapacityAndDrain(t *testing.T) {
	p := NewPool(2)
	require.NoError(t, p.Add(NewSlot("a", "e1", "coder", nil)))
	assert.True(t, p.CanAccept())
	require.NoError(t, p.Add(NewSlot("b", "e2", "coder", nil)))
	assert.False(t, p.CanAccept())
	assert.ErrorIs(t, p.Add(NewSlot("c", "e3", "coder", nil)), ErrAtCapacity)

	p.Remove("b")
	assert.ErrorIs(t, p.Add(NewSlot("a", "e4", "coder", nil)), ErrActive)

	done := make(chan error, 1)
	go func() { done <- p.Drain(context.Background()) }()

	select {
	case <-done:
		t.Fatal("drain returned while a slot is active")
	case <-time.After(50 * time.Millisecond):
	}
	p.Remove("a")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("drain did not return after pool emptied")
	}
}

func TestPool_DrainHonoursContext(t *testing.T) {
	p := NewPool(1)
	require.NoError(t, p.Add(NewSlot("a", "e1", "", nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Drain(ctx), context.DeadlineExceeded)
}

func TestPool_CancelAll(t *testing.T) {
	p := NewPool(3)
	var cancelled atomic.Int32
	for _, id := range []string{"a", "b"} {
		require.NoError(t, p.Add(NewSlot(id, "e-"+id, "", func() { cancelled.Add(1) })))
	}
	p.CancelAll()
	assert.Equal(t, int32(2), cancelled.Load())
	assert.Len(t, p.Active(), 2)
}

func TestAdmission_ConcurrentAdmitNeverExceedsCapacity(t *testing.T) {
	q := New()
	for i := 0; i < 50; i++ {
		q.Upsert(item(fmt.Sprintf("t%02d", i), "1"))
	}
	p := NewPool(3)
	a := NewAdmission(q, p, tagRanker{})

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < 20; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := a.AdmitNext(nil, func(it model.WorkItem) Slot { return NewSlot(it.ID, "e", "", nil) })
			if err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), admitted.Load())
	assert.Equal(t, 3, p.ActiveCount())
	assert.Equal(t, 47, q.Size())
}

func TestAdmission_AutomaticAndManualRaceOnSameID(t *testing.T) {
	for i := 0; i < 100; i++ {
		q := New()
		q.Upsert(item("only", "1"))
		a := NewAdmission(q, NewPool(5), tagRanker{})
		slotFn := func(it model.WorkItem) Slot { return NewSlot(it.ID, "e", "", nil) }

		var wg sync.WaitGroup
		var autoErr, manualErr error
		wg.Add(2)
		go func() { defer wg.Done(); _, _, autoErr = a.AdmitNext(nil, slotFn) }()
		go func() { defer wg.Done(); _, _, manualErr = a.AdmitID("only", slotFn) }()
		wg.Wait()

		succeeded := 0
		if autoErr == nil {
			succeeded++
		}
		if manualErr == nil {
			succeeded++
		} else {
			assert.True(t, errors.Is(manualErr, ErrActive) || errors.Is(manualErr, ErrNotQueued), "unexpected: %v", manualErr)
		}
		require.Equal(t, 1, succeeded, "exactly one path must win")
		assert.Equal(t, 1, a.Pool().ActiveCount())
	}
}

func TestAdmission_AdmitIDAtCapacityKeepsItemQueued(t *testing.T) {
	q := New()
	q.Upsert(item("a", "1"), item("b", "1"))
	p := NewPool(1)
	a := NewAdmission(q, p, tagRanker{})
	slotFn := func(it model.WorkItem) Slot { return NewSlot(it.ID, "e", "", nil) }

	_, _, err := a.AdmitID("a", slotFn)
	require.NoError(t, err)

	_, _, err = a.AdmitID("b", slotFn)
	assert.ErrorIs(t, err, ErrAtCapacity)
	_, ok := q.Get("b")
	assert.True(t, ok)

	_, _, err = a.AdmitID("missing", slotFn)
	assert.ErrorIs(t, err, ErrNotQueued)
}

func TestAdmission_RefillSkipsActiveAndPrunes(t *testing.T) {
	q := New()
	p := NewPool(2)
	a := NewAdmission(q, p, tagRanker{})
	slotFn := func(it model.WorkItem) Slot { return NewSlot(it.ID, "e", "", nil) }

	res := a.Refill([]model.WorkItem{item("a", "1"), item("b", "1"), item("c", "1")})
	assert.Equal(t, 3, res.Added)

	_, _, err := a.AdmitID("a", slotFn)
	require.NoError(t, err)

	res = a.Refill([]model.WorkItem{item("a", "1"), item("b", "2")})
	assert.Equal(t, 1, res.SkippedActive)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, []string{"c"}, res.Dropped)
	assert.Equal(t, []string{"b"}, ids(q.Items()), "active id is never re-queued")

	a.Release("a")
	assert.Equal(t, 0, p.ActiveCount())
}

func ids(items []model.WorkItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}
