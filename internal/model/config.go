// Package model defines the data structures for the conductor's configuration, work items and execution results.
package model

import (
	"fmt"
	"math"
	"time"
)

type Config struct {
	Engine   EngineConfig           `yaml:"engine"`
	Shutdown ShutdownConfig         `yaml:"shutdown"`
	Priority PriorityConfig         `yaml:"priority"`
	Workflow WorkflowConfig         `yaml:"workflow"`
	Source   SourceConfig           `yaml:"source"`
	Agents   map[string]AgentConfig `yaml:"agents"`
	Console  ConsoleConfig          `yaml:"console"`
	Logging  LoggingConfig          `yaml:"logging"`
	Events   EventsConfig           `yaml:"events"`
}

type EngineConfig struct {
	MaxConcurrent      int `yaml:"max_concurrent"`
	PollIntervalSec    int `yaml:"poll_interval_sec"`
	DispatchIntervalMs int `yaml:"dispatch_interval_ms"`
	ItemTimeoutSec     int `yaml:"item_timeout_sec"`
}

type ShutdownConfig struct {
	TimeoutSec               int `yaml:"timeout_sec"`
	SubprocessTermTimeoutSec int `yaml:"subprocess_term_timeout_sec"`
}

type PriorityConfig struct {
	Weights PriorityWeights `yaml:"weights"`
	// GroupImportance overrides the default importance (5) per group id.
	GroupImportance map[string]float64 `yaml:"group_importance,omitempty"`
}

type WorkflowConfig struct {
	InitialState    string        `yaml:"initial_state"`
	FallbackState   string        `yaml:"fallback_state"`
	DefaultAgent    string        `yaml:"default_agent"`
	CompletedStates []string      `yaml:"completed_states,omitempty"`
	States          []StateConfig `yaml:"states"`
}

// StateConfig declares one named workflow state.
type StateConfig struct {
	Name         string `yaml:"name"`
	Actionable   bool   `yaml:"actionable"`
	DefaultAgent string `yaml:"default_agent,omitempty"`
	// InProgress marks states an agent holds while executing. Items found in
	// such a state at startup without a live execution are crash orphans.
	InProgress bool   `yaml:"in_progress,omitempty"`
	RecoverTo  string `yaml:"recover_to,omitempty"`
}

type SourceConfig struct {
	Type  string `yaml:"type"` // "file" or "http"
	Path  string `yaml:"path,omitempty"`
	Watch bool   `yaml:"watch,omitempty"`

	URL        string `yaml:"url,omitempty"`
	TokenEnv   string `yaml:"token_env,omitempty"`
	TimeoutSec int    `yaml:"timeout_sec,omitempty"`
	// StateField and AgentField name the custom attributes carrying the
	// workflow location and agent label on the remote side.
	StateField string `yaml:"state_field,omitempty"`
	AgentField string `yaml:"agent_field,omitempty"`
}

type AgentConfig struct {
	Command []string          `yaml:"command"`
	Env     map[string]string `yaml:"env,omitempty"`
	WorkDir string            `yaml:"work_dir,omitempty"`
}

type ConsoleConfig struct {
	Socket string `yaml:"socket"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type EventsConfig struct {
	AuditLog    bool  `yaml:"audit_log"`
	MaxLogBytes int64 `yaml:"max_log_bytes"`
}

func (c EngineConfig) Concurrency() int {
	if c.MaxConcurrent <= 0 {
		return 1
	}
	return c.MaxConcurrent
}

func (c EngineConfig) PollInterval() time.Duration {
	if c.PollIntervalSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c EngineConfig) DispatchInterval() time.Duration {
	if c.DispatchIntervalMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.DispatchIntervalMs) * time.Millisecond
}

func (c EngineConfig) ItemTimeout() time.Duration {
	if c.ItemTimeoutSec <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.ItemTimeoutSec) * time.Second
}

func (c ShutdownConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c ShutdownConfig) SubprocessTermTimeout() time.Duration {
	if c.SubprocessTermTimeoutSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.SubprocessTermTimeoutSec) * time.Second
}

// EffectiveWeights returns the configured weights, or equal weights when none are set.
func (c PriorityConfig) EffectiveWeights() PriorityWeights {
	if c.Weights.IsZero() {
		return DefaultWeights()
	}
	return c.Weights
}

// Validate checks the static configuration before the daemon starts.
func (c Config) Validate() error {
	w := c.Priority.Weights
	for name, v := range map[string]float64{
		"due_date":         w.DueDate,
		"dependency":       w.Dependency,
		"user_priority":    w.UserPriority,
		"group_importance": w.GroupImportance,
		"age":              w.Age,
	} {
		if !finite(v) || v < 0 {
			return fmt.Errorf("priority.weights.%s must be a non-negative number, got %v", name, v)
		}
	}
	for group, v := range c.Priority.GroupImportance {
		if !finite(v) || v < 0 || v > 10 {
			return fmt.Errorf("priority.group_importance[%s] must be within [0,10], got %v", group, v)
		}
	}

	seen := make(map[string]StateConfig, len(c.Workflow.States))
	for _, st := range c.Workflow.States {
		if st.Name == "" {
			return fmt.Errorf("workflow.states: state name must not be empty")
		}
		if _, dup := seen[st.Name]; dup {
			return fmt.Errorf("workflow.states: duplicate state %q", st.Name)
		}
		if st.Actionable && st.InProgress {
			return fmt.Errorf("workflow.states: state %q cannot be both actionable and in_progress", st.Name)
		}
		seen[st.Name] = st
	}
	if len(c.Workflow.States) > 0 {
		if c.Workflow.FallbackState == "" {
			return fmt.Errorf("workflow.fallback_state is required when states are configured")
		}
		if st, ok := seen[c.Workflow.FallbackState]; ok && st.Actionable {
			return fmt.Errorf("workflow.fallback_state %q must not be actionable", c.Workflow.FallbackState)
		}
		if c.Workflow.InitialState != "" {
			if st, ok := seen[c.Workflow.InitialState]; !ok || !st.Actionable {
				return fmt.Errorf("workflow.initial_state %q must be a declared actionable state", c.Workflow.InitialState)
			}
		}
		for _, st := range c.Workflow.States {
			if st.RecoverTo == "" {
				continue
			}
			if target, ok := seen[st.RecoverTo]; !ok || !target.Actionable {
				return fmt.Errorf("workflow.states: %q recover_to %q must be a declared actionable state", st.Name, st.RecoverTo)
			}
		}
	}

	switch c.Source.Type {
	case "", "file":
	case "http":
		if c.Source.URL == "" {
			return fmt.Errorf("source.url is required for http source")
		}
	default:
		return fmt.Errorf("source.type %q not supported", c.Source.Type)
	}

	for name, a := range c.Agents {
		if len(a.Command) == 0 {
			return fmt.Errorf("agents.%s.command must not be empty", name)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
