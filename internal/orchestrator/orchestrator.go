package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/KafClaw/MarketClaw/internal/agent"
	"github.com/KafClaw/MarketClaw/internal/bus"
	"github.com/KafClaw/MarketClaw/internal/logging"
	"github.com/KafClaw/MarketClaw/internal/registry"
	"github.com/KafClaw/MarketClaw/internal/tracing"
)

// StateRecorder persists workflow and step runs. Implementations must be
// safe for concurrent use; errors are logged and never fail a workflow.
type StateRecorder interface {
	StartExecution(ctx context.Context, workflowID, name string, input map[string]any) (string, error)
	FinishExecution(ctx context.Context, executionID string, result map[string]any, runErr error) error
	StartStep(ctx context.Context, executionID, stepID, agentID, action string, params map[string]any) (string, error)
	FinishStep(ctx context.Context, stepExecutionID string, result map[string]any, stepErr error, retries int) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStateRecorder records every run and step.
func WithStateRecorder(r StateRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithRetryBackoff sets the base delay. Attempt n waits n*d.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.backoff = d
		}
	}
}

// WithTracer sets the tracer used for workflow and step spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSender sets the identity requests are sent from.
func WithSender(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.sender = id
		}
	}
}

// Orchestrator executes workflows against the bus.
type Orchestrator struct {
	bus      *bus.Bus
	registry *registry.Registry
	recorder StateRecorder
	backoff  time.Duration
	tracer   trace.Tracer
	logger   *slog.Logger
	sender   string
}

// New builds an orchestrator.
func New(b *bus.Bus, r *registry.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		bus:      b,
		registry: r,
		backoff:  time.Second,
		tracer:   tracing.Noop(),
		logger:   logging.WithModule("orchestrator"),
		sender:   "orchestrator",
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ExecuteWorkflow runs the steps in order. Each step receives the running
// context overlaid with its own parameters, and its result is added to the
// context as "step_<id>". A failure under the stop or retry policy aborts
// the run and discards the partial results.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, wf *Workflow, input map[string]any) (map[string]any, error) {
	if wf == nil {
		return nil, errors.New("execute workflow: nil workflow")
	}
	ctx, span := tracing.StartSpan(ctx, o.tracer, "workflow.execute",
		attribute.String(tracing.WorkflowIDKey, wf.ID),
		attribute.String(tracing.WorkflowNameKey, wf.Name),
	)
	defer span.End()

	log := o.logger.With("workflow_id", wf.ID, "workflow", wf.Name)
	log.Info("Workflow started", "steps", len(wf.Steps))
	started := time.Now()

	runCtx := make(map[string]any, len(input)+len(wf.Steps))
	maps.Copy(runCtx, input)
	execID := o.recordStart(ctx, wf, runCtx)
	if execID != "" {
		span.SetAttributes(attribute.String(tracing.ExecutionIDKey, execID))
	}

	results := make(map[string]any, len(wf.Steps))
	for _, step := range wf.Steps {
		if err := ctx.Err(); err != nil {
			o.recordFinish(ctx, execID, nil, err)
			tracing.SetError(span, err)
			return nil, err
		}

		params := make(map[string]any, len(runCtx)+len(step.Parameters))
		maps.Copy(params, runCtx)
		maps.Copy(params, step.Parameters)

		stepExecID := o.recordStepStart(ctx, execID, step, params)
		out, retries := o.executeStep(ctx, step, params)
		o.recordStepFinish(ctx, stepExecID, out, retries)

		if !out.IsOK() {
			// A missing or disabled agent aborts the run under every policy.
			if step.Policy() == PolicyContinue && out.Kind() != ErrRouting {
				log.Warn("Step failed, continuing", "step", step.ID, "kind", out.Kind(), "error", out.Detail())
				results[step.ID] = out.ResultMap()
				runCtx["step_"+step.ID] = out.ResultMap()
				continue
			}
			execErr := &ExecutionError{
				WorkflowID: wf.ID,
				StepID:     step.ID,
				Kind:       out.Kind(),
				Timeout:    step.timeout(),
				Err:        out.Error(),
			}
			log.Error("Workflow failed", "step", step.ID, "error", execErr)
			o.recordFinish(ctx, execID, nil, execErr)
			tracing.SetError(span, execErr, attribute.String(tracing.StepIDKey, step.ID))
			return nil, execErr
		}

		results[step.ID] = out.Payload()
		runCtx["step_"+step.ID] = out.Payload()
	}

	o.recordFinish(ctx, execID, results, nil)
	log.Info("Workflow completed", "duration", time.Since(started))
	return results, nil
}

// executeStep resolves the target agent and sends the request with retries.
// It reports how many retries were made.
func (o *Orchestrator) executeStep(ctx context.Context, step Step, params map[string]any) (Outcome, int) {
	ctx, span := tracing.StartSpan(ctx, o.tracer, "workflow.step",
		attribute.String(tracing.StepIDKey, step.ID),
		attribute.String(tracing.AgentIDKey, step.AgentID),
		attribute.String(tracing.ActionKey, step.Action),
	)
	defer span.End()

	a, ok := o.registry.Get(step.AgentID)
	if !ok {
		out := errFrom(ErrRouting, fmt.Sprintf("Agent '%s' not found", step.AgentID), ErrAgentNotFound)
		tracing.SetError(span, out.Error())
		return out, 0
	}
	if !a.Enabled() {
		out := errFrom(ErrRouting, fmt.Sprintf("Agent '%s' is disabled", step.AgentID), ErrAgentDisabled)
		tracing.SetError(span, out.Error())
		return out, 0
	}

	out, retries := o.sendWithRetry(ctx, step, params)
	span.SetAttributes(attribute.Int(tracing.AttemptKey, retries+1))
	if !out.IsOK() {
		tracing.SetError(span, out.Error())
	}
	return out, retries
}

// sendWithRetry makes RetryCount+1 attempts, waiting attempt*backoff between
// them. An "error" key in the response counts as a failed attempt.
func (o *Orchestrator) sendWithRetry(ctx context.Context, step Step, params map[string]any) (Outcome, int) {
	var last Outcome
	attempt := 0
	for ; attempt <= step.RetryCount; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * o.backoff
			o.logger.Info("Retrying step", "step", step.ID, "attempt", attempt+1, "delay", delay)
			if err := sleepCtx(ctx, delay); err != nil {
				return errFrom(ErrTransport, err.Error(), err), attempt - 1
			}
		}
		last = o.send(ctx, step, params)
		if last.IsOK() {
			return last, attempt
		}
		o.logger.Warn("Step attempt failed",
			"step", step.ID, "attempt", attempt+1, "of", step.RetryCount+1, "kind", last.Kind(), "error", last.Detail())
	}
	return last, attempt - 1
}

func (o *Orchestrator) send(ctx context.Context, step Step, params map[string]any) Outcome {
	resp, err := o.bus.Request(ctx, o.sender, step.AgentID, step.Action, params, step.timeout())
	switch {
	case errors.Is(err, bus.ErrRequestTimeout):
		return errFrom(ErrTimeout, "timeout", err)
	case err != nil:
		return errFrom(ErrTransport, err.Error(), err)
	}
	if msg, failed := agent.PayloadError(resp.Data); failed {
		return errFrom(ErrApplication, msg, nil)
	}
	return Ok(resp.Data)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecuteSimpleRequest sends one request after checking that the agent
// exists, is enabled and declares the action. A response carrying an "error"
// entry comes back as a *RequestError.
func (o *Orchestrator) ExecuteSimpleRequest(ctx context.Context, agentID, action string, params map[string]any, timeout time.Duration) (map[string]any, error) {
	a, ok := o.registry.Get(agentID)
	if !ok {
		return nil, &preflightError{
			msg:      fmt.Sprintf("Agent '%s' not found. Available agents: %v", agentID, o.registry.IDs()),
			sentinel: ErrAgentNotFound,
		}
	}
	if !a.Enabled() {
		return nil, &preflightError{msg: fmt.Sprintf("Agent '%s' is disabled", agentID), sentinel: ErrAgentDisabled}
	}
	meta := a.Metadata()
	if !meta.HasCapability(action) {
		return nil, &preflightError{
			msg:      fmt.Sprintf("Action '%s' not found for agent '%s'. Valid capabilities: %v", action, agentID, meta.CapabilityNames()),
			sentinel: ErrUnknownAction,
		}
	}
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}

	ctx, span := tracing.StartSpan(ctx, o.tracer, "orchestrator.request",
		attribute.String(tracing.AgentIDKey, agentID),
		attribute.String(tracing.ActionKey, action),
	)
	defer span.End()

	if params == nil {
		params = map[string]any{}
	}
	resp, err := o.bus.Request(ctx, o.sender, agentID, action, params, timeout)
	if err != nil {
		tracing.SetError(span, err)
		return nil, fmt.Errorf("request %s.%s: %w", agentID, action, err)
	}
	if msg, failed := agent.PayloadError(resp.Data); failed {
		reqErr := &RequestError{AgentID: agentID, Action: action, Message: msg, Payload: resp.Data}
		tracing.SetError(span, reqErr)
		return nil, reqErr
	}
	return resp.Data, nil
}

// CreateWorkflow builds a workflow from loose step specs, filling defaults.
func (o *Orchestrator) CreateWorkflow(name, description string, specs []StepSpec) *Workflow {
	return NewWorkflow(name, description, specs)
}

// NewWorkflow builds a workflow with a fresh id. Steps without an id are
// named step_1, step_2 and so on.
func NewWorkflow(name, description string, specs []StepSpec) *Workflow {
	wf := &Workflow{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Steps:       make([]Step, 0, len(specs)),
	}
	for i, s := range specs {
		id := s.StepID
		if id == "" {
			id = fmt.Sprintf("step_%d", i+1)
		}
		timeout := DefaultStepTimeout
		if s.TimeoutSeconds > 0 {
			timeout = time.Duration(s.TimeoutSeconds * float64(time.Second))
		}
		policy := s.OnError
		if policy == "" {
			policy = PolicyStop
		}
		wf.Steps = append(wf.Steps, Step{
			ID:         id,
			AgentID:    s.AgentID,
			Action:     s.Action,
			Parameters: s.Parameters,
			Timeout:    timeout,
			RetryCount: s.RetryCount,
			OnError:    policy,
		})
	}
	return wf
}

func (o *Orchestrator) recordStart(ctx context.Context, wf *Workflow, input map[string]any) string {
	if o.recorder == nil {
		return ""
	}
	id, err := o.recorder.StartExecution(ctx, wf.ID, wf.Name, input)
	if err != nil {
		o.logger.Warn("Failed to record workflow start", "workflow_id", wf.ID, "error", err)
		return ""
	}
	return id
}

func (o *Orchestrator) recordFinish(ctx context.Context, execID string, result map[string]any, runErr error) {
	if o.recorder == nil || execID == "" {
		return
	}
	if err := o.recorder.FinishExecution(context.WithoutCancel(ctx), execID, result, runErr); err != nil {
		o.logger.Warn("Failed to record workflow result", "execution_id", execID, "error", err)
	}
}

func (o *Orchestrator) recordStepStart(ctx context.Context, execID string, step Step, params map[string]any) string {
	if o.recorder == nil || execID == "" {
		return ""
	}
	id, err := o.recorder.StartStep(ctx, execID, step.ID, step.AgentID, step.Action, params)
	if err != nil {
		o.logger.Warn("Failed to record step start", "step", step.ID, "error", err)
		return ""
	}
	return id
}

func (o *Orchestrator) recordStepFinish(ctx context.Context, stepExecID string, out Outcome, retries int) {
	if o.recorder == nil || stepExecID == "" {
		return
	}
	var result map[string]any
	if out.IsOK() {
		result = out.Payload()
	}
	if err := o.recorder.FinishStep(context.WithoutCancel(ctx), stepExecID, result, out.Error(), retries); err != nil {
		o.logger.Warn("Failed to record step result", "step_execution_id", stepExecID, "error", err)
	}
}
