package model

// ExecutionResult is what an agent reports for one execution of one item.
type ExecutionResult struct {
	Success          bool     `json:"success"`
	NextState        string   `json:"next_state,omitempty"`
	NextAgentType    string   `json:"next_agent,omitempty"`
	Summary          string   `json:"summary"`
	Details          []string `json:"details,omitempty"`
	Error            string   `json:"error,omitempty"`
	ResetCorrelation bool     `json:"reset_correlation,omitempty"`
	// ReassignOwner, when non-empty, hands the item to another external owner
	// as part of the same transition write.
	ReassignOwner string `json:"reassign_owner,omitempty"`
}

// HasTransition reports whether a successful result moves the item.
func (r ExecutionResult) HasTransition() bool {
	return r.NextState != "" || r.NextAgentType != ""
}

// Failure builds a failed result. Used for agent errors, panics, timeouts and
// blocked items so the router handles them as data.
func Failure(summary string, err error) ExecutionResult {
	res := ExecutionResult{Success: false, Summary: summary}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// Transition is the single compound write applied to the task source after
// an execution. Empty fields are left unchanged by the source.
type Transition struct {
	State         string `json:"state"`
	AgentType     string `json:"agent_type,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	// ResetCorrelation asks the source to store CorrelationID even when empty.
	ResetCorrelation bool   `json:"reset_correlation,omitempty"`
	Owner            string `json:"owner,omitempty"`
	Comment          string `json:"comment,omitempty"`
}
