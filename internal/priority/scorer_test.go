package priority

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

var fixedNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func newTestScorer(weights model.PriorityWeights, groups map[string]float64) *Scorer {
	s := NewScorer(weights, groups, logging.Discard())
	s.SetClock(func() time.Time { return fixedNow })
	return s
}

func TestDueDateScore(t *testing.T) {
	tests := []struct {
		name     string
		due      string
		expected float64
	}{
		{"no due date", "", 2},
		{"overdue by days", fixedNow.AddDate(0, 0, -3).Format(time.RFC3339), 10},
		{"overdue earlier today is still today", fixedNow.Add(-2 * time.Hour).Format(time.RFC3339), 9},
		{"due yesterday date only", "2026-10-15", 10},
		{"due today date only", "2026-10-16", 9},
		{"due in 3 days", fixedNow.AddDate(0, 0, 3).Format(time.RFC3339), 7},
		{"due in 7 days", fixedNow.AddDate(0, 0, 7).Format(time.RFC3339), 7},
		{"due in 20 days", fixedNow.AddDate(0, 0, 20).Format(time.RFC3339), 5},
		{"due in 90 days", fixedNow.AddDate(0, 0, 90).Format(time.RFC3339), 3},
		{"epoch millis", fmt.Sprintf("%d", fixedNow.AddDate(0, 0, -1).UnixMilli()), 10},
		{"malformed", "next tuesday", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(model.WorkItem{ID: "x", DueAt: tt.due}, model.DefaultWeights(), nil, fixedNow)
			assert.Equal(t, tt.expected, got.DueDate)
		})
	}
}

func TestAgeScore(t *testing.T) {
	tests := []struct {
		name     string
		created  string
		expected float64
	}{
		{"created today", fixedNow.Format(time.RFC3339), 2},
		{"8 days old", fixedNow.AddDate(0, 0, -8).Format(time.RFC3339), 4},
		{"31 days old", fixedNow.AddDate(0, 0, -31).Format(time.RFC3339), 6},
		{"90 days old", fixedNow.AddDate(0, 0, -90).Format(time.RFC3339), 8},
		{"malformed", "yesterday-ish", 4},
		{"missing", "", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(model.WorkItem{ID: "x", CreatedAt: tt.created}, model.DefaultWeights(), nil, fixedNow)
			assert.Equal(t, tt.expected, got.Age)
		})
	}
}

func TestUserPriorityScore(t *testing.T) {
	tests := []struct {
		tag      string
		expected float64
	}{
		{"", 5},
		{"High", 10},
		{"urgent", 10},
		{"Medium", 5},
		{"normal", 5},
		{"LOW", 2},
		{"7", 7},
		{"42", 10},
		{"-3", 0},
		{"whenever", 5},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			got := Score(model.WorkItem{ID: "x", PriorityTag: tt.tag}, model.DefaultWeights(), nil, fixedNow)
			assert.Equal(t, tt.expected, got.UserPriority)
		})
	}
}

func TestDependencyAndGroupScore(t *testing.T) {
	groups := map[string]float64{"platform": 9, "docs": 3, "broken": 14}

	parent := Score(model.WorkItem{ID: "p", Dependents: []string{"c"}}, model.DefaultWeights(), groups, fixedNow)
	child := Score(model.WorkItem{ID: "c", ParentID: "p"}, model.DefaultWeights(), groups, fixedNow)
	alone := Score(model.WorkItem{ID: "s"}, model.DefaultWeights(), groups, fixedNow)
	assert.Equal(t, 8.0, parent.Dependency)
	assert.Equal(t, 3.0, child.Dependency)
	assert.Equal(t, 5.0, alone.Dependency)

	assert.Equal(t, 5.0, alone.GroupImportance, "no group uses default")
	docs := Score(model.WorkItem{ID: "d", GroupIDs: []string{"docs"}}, model.DefaultWeights(), groups, fixedNow)
	assert.Equal(t, 3.0, docs.GroupImportance)
	mixed := Score(model.WorkItem{ID: "m", GroupIDs: []string{"docs", "platform", "unknown"}}, model.DefaultWeights(), groups, fixedNow)
	assert.Equal(t, 9.0, mixed.GroupImportance, "max across groups")
	clamped := Score(model.WorkItem{ID: "b", GroupIDs: []string{"broken"}}, model.DefaultWeights(), groups, fixedNow)
	assert.Equal(t, 10.0, clamped.GroupImportance)
}

func TestPrioritize_WeightedScenario(t *testing.T) {
	weights := model.PriorityWeights{DueDate: 10, Dependency: 8, UserPriority: 7, GroupImportance: 5, Age: 3}
	s := newTestScorer(weights, nil)

	a := model.WorkItem{ID: "A", DueAt: fixedNow.AddDate(0, 0, -1).Format(time.RFC3339), CreatedAt: fixedNow.Format(time.RFC3339)}
	b := model.WorkItem{ID: "B", CreatedAt: fixedNow.AddDate(0, 0, -90).Format(time.RFC3339)}

	assert.Equal(t, 206.0, s.Score(a).Total)
	assert.Equal(t, 144.0, s.Score(b).Total)

	ranked := s.Prioritize([]model.WorkItem{b, a})
	require.Len(t, ranked, 2)
	assert.Equal(t, "A", ranked[0].Item.ID)
	assert.Equal(t, "B", ranked[1].Item.ID)
}

func TestPrioritize_StableTieBreakAndPermutation(t *testing.T) {
	s := newTestScorer(model.DefaultWeights(), map[string]float64{"hot": 10})

	var items []model.WorkItem
	for i := 0; i < 20; i++ {
		it := model.WorkItem{ID: fmt.Sprintf("t%02d", i), CreatedAt: fixedNow.Format(time.RFC3339)}
		if i%5 == 0 {
			it.GroupIDs = []string{"hot"}
		}
		items = append(items, it)
	}

	ranked := s.Prioritize(items)
	require.Len(t, ranked, len(items))

	seen := make(map[string]bool)
	for i, r := range ranked {
		assert.False(t, seen[r.Item.ID], "duplicate %s", r.Item.ID)
		seen[r.Item.ID] = true
		if i > 0 {
			assert.GreaterOrEqual(t, ranked[i-1].Score.Total, r.Score.Total)
		}
	}

	// hot items first, each block in input order
	var ids []string
	for _, r := range ranked {
		ids = append(ids, r.Item.ID)
	}
	assert.Equal(t, []string{"t00", "t05", "t10", "t15"}, ids[:4])
	assert.Equal(t, []string{"t01", "t02", "t03", "t04", "t06"}, ids[4:9])
}

func TestScorer_LogsMalformedInput(t *testing.T) {
	var buf bytes.Buffer
	s := NewScorer(model.DefaultWeights(), nil, logging.New(&buf, logging.LevelDebug))
	s.SetClock(func() time.Time { return fixedNow })

	got := s.Score(model.WorkItem{ID: "bad", DueAt: "soon", CreatedAt: "long ago", PriorityTag: "meh"})
	assert.Equal(t, 2.0, got.DueDate)
	assert.Equal(t, 4.0, got.Age)
	assert.Equal(t, 5.0, got.UserPriority)

	out := buf.String()
	assert.Equal(t, 3, strings.Count(out, "score_degraded id=bad"))
}
