package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentDisabled = errors.New("agent disabled")
	ErrUnknownAction = errors.New("unknown action")
	ErrAgentFailed   = errors.New("agent returned an error")
)

// ExecutionError is returned when a step failure aborts a workflow.
type ExecutionError struct {
	WorkflowID string
	StepID     string
	Kind       OutcomeKind
	Timeout    time.Duration
	Err        error
}

func (e *ExecutionError) Error() string {
	if e.Kind == ErrTimeout {
		return fmt.Sprintf("workflow %s: step %s timed out after %s", e.WorkflowID, e.StepID, e.Timeout)
	}
	return fmt.Sprintf("workflow %s: step %s failed: %v", e.WorkflowID, e.StepID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// preflightError keeps the operator-facing message while matching a sentinel.
type preflightError struct {
	msg      string
	sentinel error
}

func (e *preflightError) Error() string { return e.msg }
func (e *preflightError) Unwrap() error { return e.sentinel }

// RequestError reports an "error" entry in a direct request's response.
type RequestError struct {
	AgentID string
	Action  string
	Message string
	Payload map[string]any
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.AgentID, e.Action, e.Message)
}

func (e *RequestError) Unwrap() error { return ErrAgentFailed }

// Kind is always ErrApplication.
func (e *RequestError) Kind() OutcomeKind { return ErrApplication }
