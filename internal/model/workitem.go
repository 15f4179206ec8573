package model

// WorkItem is the engine's transient copy of one unit of work owned by the
// task source. Timestamps stay as strings so malformed values surface at
// scoring time instead of failing the whole fetch.
type WorkItem struct {
	ID          string   `yaml:"id" json:"id"`
	Title       string   `yaml:"title" json:"title"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	DependsOn   []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	// Dependents lists items waiting on this one; a non-empty list makes this
	// item a parent for scoring purposes.
	Dependents []string `yaml:"dependents,omitempty" json:"dependents,omitempty"`
	// ParentID is set when this item is itself a dependency of another item.
	ParentID      string   `yaml:"parent_id,omitempty" json:"parent_id,omitempty"`
	CreatedAt     string   `yaml:"created_at" json:"created_at"`
	DueAt         string   `yaml:"due_at,omitempty" json:"due_at,omitempty"`
	PriorityTag   string   `yaml:"priority,omitempty" json:"priority,omitempty"`
	GroupIDs      []string `yaml:"groups,omitempty" json:"groups,omitempty"`
	State         string   `yaml:"state" json:"state"`
	AgentType     string   `yaml:"agent_type,omitempty" json:"agent_type,omitempty"`
	CorrelationID string   `yaml:"correlation_id,omitempty" json:"correlation_id,omitempty"`
	Owner         string   `yaml:"owner,omitempty" json:"owner,omitempty"`
	UpdatedAt     string   `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
	Comments      []string `yaml:"comments,omitempty" json:"comments,omitempty"`
}

// PriorityWeights scales each TaskScore component. Read-only after startup.
type PriorityWeights struct {
	DueDate         float64 `yaml:"due_date"`
	Dependency      float64 `yaml:"dependency"`
	UserPriority    float64 `yaml:"user_priority"`
	GroupImportance float64 `yaml:"group_importance"`
	Age             float64 `yaml:"age"`
}

// IsZero reports whether no weight has been configured.
func (w PriorityWeights) IsZero() bool {
	return w == PriorityWeights{}
}

// DefaultWeights weighs every factor equally.
func DefaultWeights() PriorityWeights {
	return PriorityWeights{DueDate: 1, Dependency: 1, UserPriority: 1, GroupImportance: 1, Age: 1}
}

// TaskScore holds the five component scores, each in [0,10], and their
// weighted sum. Computed per ranking call and never persisted.
type TaskScore struct {
	DueDate         float64 `json:"due_date"`
	Dependency      float64 `json:"dependency"`
	UserPriority    float64 `json:"user_priority"`
	GroupImportance float64 `json:"group_importance"`
	Age             float64 `json:"age"`
	Total           float64 `json:"total"`
}

// ScoredItem pairs an item with the score it was ranked by.
type ScoredItem struct {
	Item  WorkItem  `json:"item"`
	Score TaskScore `json:"score"`
}
