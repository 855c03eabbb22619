package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/MarketClaw/internal/agent"
	"github.com/KafClaw/MarketClaw/internal/bus"
	"github.com/KafClaw/MarketClaw/internal/logging"
	"github.com/KafClaw/MarketClaw/internal/registry"
)

type harness struct {
	bus      *bus.Bus
	registry *registry.Registry
	orch     *Orchestrator
	agent    *agent.Runtime

	mu       sync.Mutex
	payloads map[string][]map[string]any
	flaky    atomic.Int32
	release  chan struct{}
}

func (h *harness) seen(action string) []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.payloads[action]
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		bus:      bus.New(bus.DefaultConfig(), logging.Discard()),
		registry: registry.New(logging.Discard()),
		payloads: map[string][]map[string]any{},
		release:  make(chan struct{}),
	}
	record := func(action string, msg *bus.Message) {
		h.mu.Lock()
		h.payloads[action] = append(h.payloads[action], msg.Data)
		h.mu.Unlock()
	}
	meta := agent.Metadata{
		ID:       "worker",
		Category: "test",
		Capabilities: []agent.Capability{
			{Name: "produce"}, {Name: "consume"}, {Name: "fail"}, {Name: "flaky"}, {Name: "fetch_price"}, {Name: "noop"},
		},
	}
	handlers := agent.Handlers{
		"produce": func(_ context.Context, msg *bus.Message) (map[string]any, error) {
			record("produce", msg)
			return map[string]any{"price": 42.0}, nil
		},
		"consume": func(_ context.Context, msg *bus.Message) (map[string]any, error) {
			record("consume", msg)
			return map[string]any{"ok": true}, nil
		},
		"fail": func(_ context.Context, msg *bus.Message) (map[string]any, error) {
			record("fail", msg)
			return nil, errors.New("always fails")
		},
		"flaky": func(_ context.Context, msg *bus.Message) (map[string]any, error) {
			record("flaky", msg)
			if h.flaky.Add(1) < 3 {
				return agent.ErrorPayload("not yet"), nil
			}
			return map[string]any{"attempts": int(h.flaky.Load())}, nil
		},
		"fetch_price": func(ctx context.Context, msg *bus.Message) (map[string]any, error) {
			select {
			case <-h.release:
			case <-time.After(2 * time.Second):
			}
			return map[string]any{"symbol": "AAPL"}, nil
		},
		"noop": func(_ context.Context, msg *bus.Message) (map[string]any, error) {
			record("noop", msg)
			return map[string]any{}, nil
		},
	}
	r, err := agent.New(h.bus, meta, handlers, agent.WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	h.agent = r
	h.registry.Register(r)
	t.Cleanup(func() {
		close(h.release)
		_ = r.Stop(context.Background())
	})

	opts = append([]Option{WithLogger(logging.Discard()), WithRetryBackoff(time.Millisecond)}, opts...)
	h.orch = New(h.bus, h.registry, opts...)
	return h
}

func TestContextThreadsBetweenSteps(t *testing.T) {
	h := newHarness(t)
	wf := NewWorkflow("thread", "", []StepSpec{
		{StepID: "s1", AgentID: "worker", Action: "produce", Parameters: map[string]any{"symbol": "GLD"}},
		{StepID: "s2", AgentID: "worker", Action: "consume"},
	})

	results, err := h.orch.ExecuteWorkflow(context.Background(), wf, map[string]any{"symbol": "SLV", "run": "r1"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, map[string]any{"price": 42.0}, results["s1"])

	produced := h.seen("produce")
	require.Len(t, produced, 1)
	assert.Equal(t, "GLD", produced[0]["symbol"], "step parameters win over context")
	assert.Equal(t, "r1", produced[0]["run"])

	consumed := h.seen("consume")
	require.Len(t, consumed, 1)
	assert.Equal(t, map[string]any{"price": 42.0}, consumed[0]["step_s1"])
	assert.Equal(t, "SLV", consumed[0]["symbol"])
}

func TestStopPolicyAborts(t *testing.T) {
	h := newHarness(t)
	wf := NewWorkflow("stop", "", []StepSpec{
		{StepID: "s1", AgentID: "worker", Action: "fail"},
		{StepID: "s2", AgentID: "worker", Action: "consume"},
	})

	results, err := h.orch.ExecuteWorkflow(context.Background(), wf, nil)
	require.Error(t, err)
	assert.Nil(t, results)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "s1", execErr.StepID)
	assert.Equal(t, ErrApplication, execErr.Kind)
	assert.Contains(t, err.Error(), "always fails")
	assert.Empty(t, h.seen("consume"))
}

func TestContinuePolicyRecordsError(t *testing.T) {
	h := newHarness(t)
	wf := NewWorkflow("continue", "", []StepSpec{
		{StepID: "s1", AgentID: "worker", Action: "fail", OnError: PolicyContinue},
		{StepID: "s2", AgentID: "worker", Action: "consume"},
	})

	results, err := h.orch.ExecuteWorkflow(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"error": "always fails"}, results["s1"])
	assert.Equal(t, map[string]any{"ok": true}, results["s2"])
}

func TestTimeoutUnderContinue(t *testing.T) {
	h := newHarness(t)
	wf := NewWorkflow("timeout", "", []StepSpec{
		{StepID: "fetch", AgentID: "worker", Action: "fetch_price", Parameters: map[string]any{"symbol": "AAPL"},
			TimeoutSeconds: 0.001, OnError: PolicyContinue},
		{StepID: "after", AgentID: "worker", Action: "noop"},
	})

	results, err := h.orch.ExecuteWorkflow(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"error": "timeout"}, results["fetch"])
	assert.Equal(t, map[string]any{}, results["after"])
	assert.Zero(t, h.bus.PendingCount())
}

func TestTimeoutUnderStop(t *testing.T) {
	h := newHarness(t)
	wf := NewWorkflow("timeout", "", []StepSpec{
		{StepID: "fetch", AgentID: "worker", Action: "fetch_price", TimeoutSeconds: 0.001},
	})

	_, err := h.orch.ExecuteWorkflow(context.Background(), wf, nil)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, ErrTimeout, execErr.Kind)
	assert.ErrorIs(t, err, bus.ErrRequestTimeout)
	assert.Contains(t, err.Error(), "step fetch timed out after 1ms")
}

func TestRetryUntilSuccess(t *testing.T) {
	h := newHarness(t)
	wf := NewWorkflow("retry", "", []StepSpec{
		{StepID: "s1", AgentID: "worker", Action: "flaky", RetryCount: 3, OnError: PolicyRetry},
	})

	results, err := h.orch.ExecuteWorkflow(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"attempts": 3}, results["s1"])
	assert.Len(t, h.seen("flaky"), 3)
}

func TestRetryExhausted(t *testing.T) {
	h := newHarness(t)
	wf := NewWorkflow("retry", "", []StepSpec{
		{StepID: "s1", AgentID: "worker", Action: "fail", RetryCount: 2, OnError: PolicyRetry},
	})

	_, err := h.orch.ExecuteWorkflow(context.Background(), wf, nil)
	require.Error(t, err)
	assert.Len(t, h.seen("fail"), 3)
}

func TestRoutingFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	wf := NewWorkflow("routing", "", []StepSpec{
		{StepID: "s1", AgentID: "ghost", Action: "x", RetryCount: 5, OnError: PolicyRetry},
	})

	start := time.Now()
	_, err := h.orch.ExecuteWorkflow(context.Background(), wf, nil)
	require.ErrorIs(t, err, ErrAgentNotFound)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, ErrRouting, execErr.Kind)
	assert.Less(t, time.Since(start), time.Second)

	h.agent.SetEnabled(false)
	wf = NewWorkflow("disabled", "", []StepSpec{{AgentID: "worker", Action: "noop"}})
	_, err = h.orch.ExecuteWorkflow(context.Background(), wf, nil)
	require.ErrorIs(t, err, ErrAgentDisabled)
}

func TestRoutingFailureIgnoresContinuePolicy(t *testing.T) {
	h := newHarness(t)
	wf := NewWorkflow("routing", "", []StepSpec{
		{StepID: "s1", AgentID: "ghost", Action: "x", OnError: PolicyContinue},
		{StepID: "s2", AgentID: "worker", Action: "consume"},
	})

	results, err := h.orch.ExecuteWorkflow(context.Background(), wf, nil)
	require.ErrorIs(t, err, ErrAgentNotFound)
	assert.Nil(t, results)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "s1", execErr.StepID)
	assert.Equal(t, ErrRouting, execErr.Kind)
	assert.Empty(t, h.seen("consume"))

	h.agent.SetEnabled(false)
	wf = NewWorkflow("disabled", "", []StepSpec{{StepID: "s1", AgentID: "worker", Action: "noop", OnError: PolicyContinue}})
	_, err = h.orch.ExecuteWorkflow(context.Background(), wf, nil)
	require.ErrorIs(t, err, ErrAgentDisabled)
	assert.Empty(t, h.seen("noop"))
}

func TestSimpleRequestPreflight(t *testing.T) {
	empty := New(bus.New(bus.DefaultConfig(), logging.Discard()), registry.New(logging.Discard()), WithLogger(logging.Discard()))
	_, err := empty.ExecuteSimpleRequest(context.Background(), "ghost", "x", nil, time.Second)
	require.ErrorIs(t, err, ErrAgentNotFound)
	assert.Equal(t, "Agent 'ghost' not found. Available agents: []", err.Error())

	h := newHarness(t)
	_, err = h.orch.ExecuteSimpleRequest(context.Background(), "ghost", "x", nil, time.Second)
	assert.Equal(t, "Agent 'ghost' not found. Available agents: [worker]", err.Error())

	_, err = h.orch.ExecuteSimpleRequest(context.Background(), "worker", "dance", nil, time.Second)
	require.ErrorIs(t, err, ErrUnknownAction)
	assert.Contains(t, err.Error(), "Action 'dance' not found for agent 'worker'. Valid capabilities: [produce consume")

	data, err := h.orch.ExecuteSimpleRequest(context.Background(), "worker", "produce", map[string]any{"symbol": "GLD"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42.0, data["price"])

	h.agent.SetEnabled(false)
	_, err = h.orch.ExecuteSimpleRequest(context.Background(), "worker", "produce", nil, time.Second)
	require.ErrorIs(t, err, ErrAgentDisabled)
	assert.Equal(t, "Agent 'worker' is disabled", err.Error())
}

func TestSimpleRequestErrorPayload(t *testing.T) {
	h := newHarness(t)

	data, err := h.orch.ExecuteSimpleRequest(context.Background(), "worker", "fail", nil, time.Second)
	assert.Nil(t, data)
	require.ErrorIs(t, err, ErrAgentFailed)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, ErrApplication, reqErr.Kind())
	assert.Equal(t, "always fails", reqErr.Message)
	assert.Equal(t, map[string]any{"error": "always fails"}, reqErr.Payload)
	assert.Equal(t, "worker.fail: always fails", err.Error())
}

func TestNewWorkflowDefaults(t *testing.T) {
	wf := NewWorkflow("wf", "desc", []StepSpec{
		{AgentID: "a", Action: "x"},
		{StepID: "named", AgentID: "b", Action: "y", TimeoutSeconds: 5, RetryCount: 2, OnError: PolicyRetry},
	})
	require.NotEmpty(t, wf.ID)
	require.Len(t, wf.Steps, 2)
	assert.Equal(t, "step_1", wf.Steps[0].ID)
	assert.Equal(t, DefaultStepTimeout, wf.Steps[0].Timeout)
	assert.Equal(t, PolicyStop, wf.Steps[0].OnError)
	assert.Equal(t, "named", wf.Steps[1].ID)
	assert.Equal(t, 5*time.Second, wf.Steps[1].Timeout)

	specs := wf.Specs()
	assert.Equal(t, 30.0, specs[0].TimeoutSeconds)
	assert.Equal(t, PolicyRetry, specs[1].OnError)
}

type fakeRecorder struct {
	mu        sync.Mutex
	runs      map[string]error
	steps     map[string]error
	runResult map[string]any
	failStart bool
}

func (f *fakeRecorder) StartExecution(_ context.Context, workflowID, _ string, _ map[string]any) (string, error) {
	if f.failStart {
		return "", errors.New("db down")
	}
	return "exec-" + workflowID, nil
}

func (f *fakeRecorder) FinishExecution(_ context.Context, id string, result map[string]any, runErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[id] = runErr
	f.runResult = result
	return nil
}

func (f *fakeRecorder) StartStep(_ context.Context, execID, stepID, _, _ string, _ map[string]any) (string, error) {
	return execID + "/" + stepID, nil
}

func (f *fakeRecorder) FinishStep(_ context.Context, id string, _ map[string]any, stepErr error, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[id] = stepErr
	return errors.New("ignored")
}

func TestStateRecorder(t *testing.T) {
	rec := &fakeRecorder{runs: map[string]error{}, steps: map[string]error{}}
	h := newHarness(t, WithStateRecorder(rec))
	wf := NewWorkflow("rec", "", []StepSpec{
		{StepID: "s1", AgentID: "worker", Action: "fail", OnError: PolicyContinue},
		{StepID: "s2", AgentID: "worker", Action: "produce"},
	})
	wf.ID = "wf1"

	_, err := h.orch.ExecuteWorkflow(context.Background(), wf, nil)
	require.NoError(t, err)

	assert.NoError(t, rec.runs["exec-wf1"])
	assert.Contains(t, rec.runResult, "s2")
	assert.Error(t, rec.steps["exec-wf1/s1"])
	assert.NoError(t, rec.steps["exec-wf1/s2"])

	rec.failStart = true
	_, err = h.orch.ExecuteWorkflow(context.Background(), wf, nil)
	require.NoError(t, err, "recorder failures never fail the workflow")
}

func TestOutcomeResultMap(t *testing.T) {
	assert.Equal(t, map[string]any{"error": "timeout"}, Err(ErrTimeout, "took too long").ResultMap())
	assert.Equal(t, map[string]any{"error": "bad"}, Err(ErrApplication, "bad").ResultMap())
	assert.Equal(t, map[string]any{}, Ok(nil).ResultMap())
	assert.NoError(t, Ok(nil).Error())
	assert.EqualError(t, Err(ErrRouting, "nope").Error(), "nope")
	assert.Equal(t, "routing", ErrRouting.String())
}
