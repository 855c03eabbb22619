package store

import (
	"context"
	"errors"
)

// Recorder adapts a Service to the orchestrator's state recorder.
type Recorder struct {
	svc *Service
}

func NewRecorder(svc *Service) *Recorder {
	return &Recorder{svc: svc}
}

func statusFor(err error) string {
	switch {
	case err == nil:
		return StatusCompleted
	case errors.Is(err, context.Canceled):
		return StatusCancelled
	default:
		return StatusFailed
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (r *Recorder) StartExecution(ctx context.Context, workflowID, name string, input map[string]any) (string, error) {
	return r.svc.CreateExecution(ctx, workflowID, name, input)
}

func (r *Recorder) FinishExecution(ctx context.Context, executionID string, result map[string]any, runErr error) error {
	return r.svc.UpdateExecution(ctx, executionID, statusFor(runErr), result, errText(runErr))
}

func (r *Recorder) StartStep(ctx context.Context, executionID, stepID, agentID, action string, params map[string]any) (string, error) {
	return r.svc.CreateStepExecution(ctx, executionID, stepID, agentID, action, params)
}

func (r *Recorder) FinishStep(ctx context.Context, stepExecutionID string, result map[string]any, stepErr error, retries int) error {
	return r.svc.UpdateStepExecution(ctx, stepExecutionID, statusFor(stepErr), result, errText(stepErr), retries)
}
