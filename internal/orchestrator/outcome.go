package orchestrator

import (
	"errors"
	"fmt"
)

// OutcomeKind tags the result of a step.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	ErrTimeout
	ErrApplication
	ErrRouting
	ErrTransport
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case ErrTimeout:
		return "timeout"
	case ErrApplication:
		return "application"
	case ErrRouting:
		return "routing"
	case ErrTransport:
		return "transport"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is either a successful payload or a classified failure.
type Outcome struct {
	kind    OutcomeKind
	payload map[string]any
	detail  string
	cause   error
}

// Ok wraps a successful payload.
func Ok(payload map[string]any) Outcome {
	if payload == nil {
		payload = map[string]any{}
	}
	return Outcome{kind: OutcomeOK, payload: payload}
}

// Err builds a failed outcome.
func Err(kind OutcomeKind, detail string) Outcome {
	return Outcome{kind: kind, detail: detail, cause: errors.New(detail)}
}

func errFrom(kind OutcomeKind, detail string, cause error) Outcome {
	if cause == nil {
		cause = errors.New(detail)
	}
	return Outcome{kind: kind, detail: detail, cause: cause}
}

func (o Outcome) IsOK() bool { return o.kind == OutcomeOK }
func (o Outcome) Kind() OutcomeKind { return o.kind }
func (o Outcome) Payload() map[string]any { return o.payload }
func (o Outcome) Detail() string { return o.detail }

// Error returns nil for successful outcomes.
func (o Outcome) Error() error {
	if o.IsOK() {
		return nil
	}
	return o.cause
}

// ResultMap is the value stored in workflow results.
func (o Outcome) ResultMap() map[string]any {
	switch o.kind {
	case OutcomeOK:
		return o.payload
	case ErrTimeout:
		return map[string]any{"error": "timeout"}
	}
	return map[string]any{"error": o.detail}
}
