// Package priority ranks work items by a weighted, multi-factor score.
//
// Each item receives five component scores in [0,10] (due-date urgency,
// dependency position, user priority, group importance, age) which are
// combined as a weighted sum. Scoring never fails: malformed timestamps or
// unknown tags degrade to a neutral component value and are reported to the
// caller's logger.
package priority

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

const (
	// DefaultGroupImportance applies to groups without a configured override
	// and to items that belong to no group.
	DefaultGroupImportance = 5.0

	neutralUserPriority = 5.0
	fallbackDueScore    = 2.0
	fallbackAgeScore    = 4.0
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Scorer binds weights and group importance to a clock and a logger.
type Scorer struct {
	weights         model.PriorityWeights
	groupImportance map[string]float64
	now             func() time.Time
	logger          *logging.Logger
}

func NewScorer(weights model.PriorityWeights, groupImportance map[string]float64, logger *logging.Logger) *Scorer {
	groups := make(map[string]float64, len(groupImportance))
	for k, v := range groupImportance {
		groups[k] = v
	}
	return &Scorer{
		weights:         weights,
		groupImportance: groups,
		now:             time.Now,
		logger:          logger.With("priority"),
	}
}

// SetClock overrides the time source for testing.
func (s *Scorer) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Scorer) Weights() model.PriorityWeights {
	return s.weights
}

// Score computes the TaskScore for one item.
func (s *Scorer) Score(item model.WorkItem) model.TaskScore {
	score, warnings := score(item, s.weights, s.groupImportance, s.now())
	for _, w := range warnings {
		s.logger.Warnf("score_degraded id=%s %s", item.ID, w)
	}
	return score
}

// Prioritize scores items and returns them ordered by total descending.
// The sort is stable: equal totals keep their input order, which callers
// pass in queue insertion order so ties go to the oldest-enqueued item.
func (s *Scorer) Prioritize(items []model.WorkItem) []model.ScoredItem {
	scored := make([]model.ScoredItem, len(items))
	for i, item := range items {
		scored[i] = model.ScoredItem{Item: item, Score: s.Score(item)}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score.Total > scored[j].Score.Total
	})
	return scored
}

// Score is the pure form of Scorer.Score: no logging, explicit clock.
func Score(item model.WorkItem, weights model.PriorityWeights, groupImportance map[string]float64, now time.Time) model.TaskScore {
	s, _ := score(item, weights, groupImportance, now)
	return s
}

func score(item model.WorkItem, weights model.PriorityWeights, groupImportance map[string]float64, now time.Time) (model.TaskScore, []string) {
	var warnings []string

	due, err := dueDateScore(item.DueAt, now)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("factor=due_date value=%q error=%v", item.DueAt, err))
	}
	age, err := ageScore(item.CreatedAt, now)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("factor=age value=%q error=%v", item.CreatedAt, err))
	}
	user, err := userPriorityScore(item.PriorityTag)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("factor=user_priority value=%q error=%v", item.PriorityTag, err))
	}

	ts := model.TaskScore{
		DueDate:         due,
		Dependency:      dependencyScore(item),
		UserPriority:    user,
		GroupImportance: groupScore(item.GroupIDs, groupImportance),
		Age:             age,
	}
	ts.Total = ts.DueDate*weights.DueDate +
		ts.Dependency*weights.Dependency +
		ts.UserPriority*weights.UserPriority +
		ts.GroupImportance*weights.GroupImportance +
		ts.Age*weights.Age
	return ts, warnings
}

// dueDateScore: overdue=10, today=9, within 7d=7, within 30d=5, later=3, none=2.
func dueDateScore(raw string, now time.Time) (float64, error) {
	if strings.TrimSpace(raw) == "" {
		return 2, nil
	}
	due, err := ParseTime(raw)
	if err != nil {
		return fallbackDueScore, err
	}
	days := calendarDays(now, due)
	switch {
	case days < 0:
		return 10, nil
	case days == 0:
		return 9, nil
	case days <= 7:
		return 7, nil
	case days <= 30:
		return 5, nil
	default:
		return 3, nil
	}
}

// ageScore: >60d=8, >30d=6, >7d=4, otherwise 2.
func ageScore(raw string, now time.Time) (float64, error) {
	if strings.TrimSpace(raw) == "" {
		return fallbackAgeScore, nil
	}
	created, err := ParseTime(raw)
	if err != nil {
		return fallbackAgeScore, err
	}
	days := now.Sub(created).Hours() / 24
	switch {
	case days > 60:
		return 8, nil
	case days > 30:
		return 6, nil
	case days > 7:
		return 4, nil
	default:
		return 2, nil
	}
}

// dependencyScore: parent of other items=8, dependency of another item=3, standalone=5.
func dependencyScore(item model.WorkItem) float64 {
	switch {
	case len(item.Dependents) > 0:
		return 8
	case item.ParentID != "":
		return 3
	default:
		return 5
	}
}

func userPriorityScore(tag string) (float64, error) {
	t := strings.ToLower(strings.TrimSpace(tag))
	switch t {
	case "":
		return neutralUserPriority, nil
	case "high", "urgent":
		return 10, nil
	case "medium", "normal":
		return 5, nil
	case "low":
		return 2, nil
	}
	n, err := strconv.ParseFloat(t, 64)
	if err != nil || math.IsNaN(n) {
		return neutralUserPriority, fmt.Errorf("unknown priority tag")
	}
	return clamp(n), nil
}

func groupScore(groups []string, importance map[string]float64) float64 {
	if len(groups) == 0 {
		return DefaultGroupImportance
	}
	best := -1.0
	for _, g := range groups {
		v, ok := importance[g]
		if !ok {
			v = DefaultGroupImportance
		}
		if v = clamp(v); v > best {
			best = v
		}
	}
	return best
}

// calendarDays counts whole calendar days (UTC) from now to t; negative when
// t falls on an earlier day.
func calendarDays(now, t time.Time) int {
	y1, m1, d1 := now.UTC().Date()
	y2, m2, d2 := t.UTC().Date()
	from := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	to := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(math.Round(to.Sub(from).Hours() / 24))
}

// ParseTime accepts RFC3339 variants, bare dates and epoch milliseconds.
func ParseTime(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time format")
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(10, v))
}
