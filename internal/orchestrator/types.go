// Package orchestrator runs workflows: ordered steps that address agents
// over the bus and thread their results forward.
package orchestrator

import (
	"time"
)

// ErrorPolicy decides what a failed step does to its workflow.
type ErrorPolicy string

const (
	PolicyStop     ErrorPolicy = "stop"
	PolicyContinue ErrorPolicy = "continue"
	PolicyRetry    ErrorPolicy = "retry"
)

// DefaultStepTimeout applies to steps without a timeout.
const DefaultStepTimeout = 30 * time.Second

// Step is one agent invocation within a workflow.
type Step struct {
	ID         string         `yaml:"step_id" json:"step_id" validate:"required"`
	AgentID    string         `yaml:"agent_id" json:"agent_id" validate:"required"`
	Action     string         `yaml:"action" json:"action" validate:"required"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Timeout    time.Duration  `yaml:"timeout" json:"timeout" validate:"gte=0"`
	RetryCount int            `yaml:"retry_count" json:"retry_count" validate:"gte=0"`
	OnError    ErrorPolicy    `yaml:"on_error" json:"on_error" validate:"omitempty,oneof=stop continue retry"`
}

// Policy returns the effective error policy.
func (s Step) Policy() ErrorPolicy {
	if s.OnError == "" {
		return PolicyStop
	}
	return s.OnError
}

func (s Step) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultStepTimeout
	}
	return s.Timeout
}

// Workflow is an ordered list of steps. Order is execution order.
type Workflow struct {
	ID          string `yaml:"id,omitempty" json:"workflow_id"`
	Name        string `yaml:"name" json:"name" validate:"required"`
	Description string `yaml:"description,omitempty" json:"description"`
	Steps       []Step `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
}

// StepSpec is the loose form of a step used by CreateWorkflow and the
// workflow file. Zero fields take the step defaults.
type StepSpec struct {
	StepID         string         `yaml:"step_id,omitempty" json:"step_id,omitempty"`
	AgentID        string         `yaml:"agent_id" json:"agent_id" validate:"required"`
	Action         string         `yaml:"action" json:"action" validate:"required"`
	Parameters     map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	TimeoutSeconds float64        `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty" validate:"gte=0"`
	RetryCount     int            `yaml:"retry_count,omitempty" json:"retry_count,omitempty" validate:"gte=0"`
	OnError        ErrorPolicy    `yaml:"on_error,omitempty" json:"on_error,omitempty" validate:"omitempty,oneof=stop continue retry"`
}

// Specs converts the workflow steps back to their loose form.
func (w *Workflow) Specs() []StepSpec {
	out := make([]StepSpec, 0, len(w.Steps))
	for _, s := range w.Steps {
		out = append(out, StepSpec{
			StepID:         s.ID,
			AgentID:        s.AgentID,
			Action:         s.Action,
			Parameters:     s.Parameters,
			TimeoutSeconds: s.timeout().Seconds(),
			RetryCount:     s.RetryCount,
			OnError:        s.Policy(),
		})
	}
	return out
}
