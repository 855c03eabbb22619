package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/MarketClaw/internal/bus"
	"github.com/KafClaw/MarketClaw/internal/logging"
)

func testBus() *bus.Bus {
	return bus.New(bus.DefaultConfig(), logging.Discard())
}

func echoMeta() Metadata {
	return Metadata{
		ID:       "test_agent",
		Name:     "Test Agent",
		Category: "infrastructure",
		Capabilities: []Capability{
			{Name: "echo", Description: "Echo back"},
			{Name: "fail", Description: "Always fails"},
		},
		SubscribesTo: []string{"test_topic"},
	}
}

func echoHandlers() Handlers {
	return Handlers{
		"echo": func(_ context.Context, msg *bus.Message) (map[string]any, error) {
			return map[string]any{"original_data": msg.Data, "message": "Echo successful"}, nil
		},
		"fail": func(_ context.Context, _ *bus.Message) (map[string]any, error) {
			return nil, errors.New("kaput")
		},
	}
}

func startRuntime(t *testing.T, b *bus.Bus, opts ...Option) *Runtime {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	r, err := New(b, echoMeta(), echoHandlers(), opts...)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r
}

func TestNewRejectsHandlerMismatch(t *testing.T) {
	b := testBus()

	_, err := New(b, echoMeta(), Handlers{"echo": echoHandlers()["echo"]})
	require.ErrorIs(t, err, ErrHandlerMismatch)
	assert.Contains(t, err.Error(), "fail")

	h := echoHandlers()
	h["extra"] = h["echo"]
	_, err = New(b, echoMeta(), h)
	require.ErrorIs(t, err, ErrHandlerMismatch)
	assert.Contains(t, err.Error(), "extra")

	_, err = New(b, Metadata{}, nil)
	require.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestRequestRoundTrip(t *testing.T) {
	b := testBus()
	r := startRuntime(t, b)

	resp, err := b.Request(context.Background(), "tester", r.ID(), "echo",
		map[string]any{"message": "hello"}, time.Second)
	require.NoError(t, err)
	orig := AsParams(resp.Data["original_data"])
	assert.Equal(t, "hello", orig.String("message", ""))

	h := r.Health()
	assert.Equal(t, StatusIdle, h.Status)
	assert.Equal(t, int64(1), h.MessagesProcessed)
	assert.Zero(t, h.ErrorsCount)
}

func TestHandlerErrorBecomesPayload(t *testing.T) {
	b := testBus()
	r := startRuntime(t, b)

	resp, err := b.Request(context.Background(), "tester", r.ID(), "fail", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "kaput", resp.Data["error"])

	h := r.Health()
	assert.Equal(t, int64(1), h.ErrorsCount)
	assert.Equal(t, StatusIdle, h.Status)
}

func TestHandlerPanicBecomesPayload(t *testing.T) {
	b := testBus()
	r, err := New(b, Metadata{ID: "p", Capabilities: []Capability{{Name: "boom"}}}, Handlers{
		"boom": func(context.Context, *bus.Message) (map[string]any, error) { panic("nope") },
	}, WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(context.Background())

	resp, err := b.Request(context.Background(), "tester", "p", "boom", nil, time.Second)
	require.NoError(t, err)
	msg, ok := PayloadError(resp.Data)
	require.True(t, ok)
	assert.Contains(t, msg, "nope")
	assert.Equal(t, int64(1), r.Health().ErrorsCount)
}

func TestUnknownCapabilityOnExtraTopic(t *testing.T) {
	b := testBus()
	r := startRuntime(t, b)

	resp, err := b.Request(context.Background(), "tester", r.ID(), "test_topic", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Unknown capability: test_topic", resp.Data["error"])
}

func TestDispatchIgnoresSelfAndOthers(t *testing.T) {
	b := testBus()
	var events atomic.Int32
	r := startRuntime(t, b, WithHooks(Hooks{
		OnEvent: func(context.Context, *bus.Message) { events.Add(1) },
	}))
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, bus.NewMessage(r.ID(), "", bus.TypeEvent, "test_topic", nil)))
	require.NoError(t, b.Publish(ctx, bus.NewMessage("x", "someone_else", bus.TypeEvent, "test_topic", nil)))
	assert.Zero(t, events.Load())

	require.NoError(t, b.Publish(ctx, bus.NewMessage("x", r.ID(), bus.TypeEvent, "test_topic", nil)))
	require.NoError(t, b.Publish(ctx, bus.NewMessage("x", "", bus.TypeEvent, "test_topic", nil)))
	assert.Equal(t, int32(2), events.Load())
}

func TestHookPanicSetsErrorThenRecovers(t *testing.T) {
	b := testBus()
	r := startRuntime(t, b, WithHooks(Hooks{
		OnAlert: func(context.Context, *bus.Message) { panic("hook") },
	}))
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, bus.NewMessage("x", "", bus.TypeAlert, "test_topic", nil)))
	h := r.Health()
	assert.Equal(t, StatusError, h.Status)
	assert.Equal(t, int64(1), h.ErrorsCount)

	_, err := b.Request(ctx, "tester", r.ID(), "echo", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, r.Health().Status)
}

func TestStartTwiceAndStop(t *testing.T) {
	b := testBus()
	r := startRuntime(t, b)
	require.NoError(t, r.Start(context.Background()))
	// echo, fail, test_topic
	assert.Len(t, b.Topics(), 3)

	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, StatusDisabled, r.Health().Status)
	assert.Empty(t, b.Topics())
	assert.False(t, r.Running())
	require.NoError(t, r.Stop(context.Background()), "stop when not running is a no-op")
}

func TestHeartbeatCadence(t *testing.T) {
	b := testBus()
	var beats atomic.Int32
	b.Subscribe(HealthTopic, func(_ context.Context, msg *bus.Message) error {
		if msg.From == "test_agent" {
			beats.Add(1)
		}
		return nil
	})
	r := startRuntime(t, b, WithHeartbeatInterval(10*time.Millisecond))

	require.Eventually(t, func() bool { return beats.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	last := b.History(HealthTopic, r.ID(), 1)
	require.Len(t, last, 1)
	data := Params(last[0].Data)
	assert.Equal(t, "test_agent", data.String("agent_id", ""))
	assert.True(t, data.Has("uptime_seconds"))
	assert.False(t, r.Health().LastHeartbeat.IsZero())
}

func TestSchemaValidation(t *testing.T) {
	b := testBus()
	meta := Metadata{
		ID: "calc",
		Capabilities: []Capability{{
			Name: "add",
			Schema: map[string]any{
				"type":     "object",
				"required": []any{"a", "b"},
				"properties": map[string]any{
					"a": map[string]any{"type": "number"},
					"b": map[string]any{"type": "number"},
				},
			},
		}},
	}
	var called atomic.Int32
	r, err := New(b, meta, Handlers{
		"add": func(_ context.Context, msg *bus.Message) (map[string]any, error) {
			called.Add(1)
			p := Params(msg.Data)
			return map[string]any{"result": p.Float("a", 0) + p.Float("b", 0)}, nil
		},
	}, WithSchemaValidation(true), WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(context.Background())

	resp, err := b.Request(context.Background(), "t", "calc", "add", map[string]any{"a": 1}, time.Second)
	require.NoError(t, err)
	msg, ok := PayloadError(resp.Data)
	require.True(t, ok)
	assert.Contains(t, msg, "invalid parameters")
	assert.Zero(t, called.Load())

	resp, err = b.Request(context.Background(), "t", "calc", "add", map[string]any{"a": 1, "b": 2.5}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3.5, resp.Data["result"])
}

func TestLatencyWindow(t *testing.T) {
	b := testBus()
	r := startRuntime(t, b)
	for i := 0; i < latencyWindow+20; i++ {
		_, err := b.Request(context.Background(), "tester", r.ID(), "echo", nil, time.Second)
		require.NoError(t, err)
	}
	r.mu.Lock()
	n := len(r.samples)
	r.mu.Unlock()
	assert.Equal(t, latencyWindow, n)
	assert.Equal(t, int64(latencyWindow+20), r.Health().MessagesProcessed)
}

func TestRequestFrom(t *testing.T) {
	b := testBus()
	startRuntime(t, b)
	caller, err := New(b, Metadata{ID: "caller"}, Handlers{}, WithLogger(logging.Discard()))
	require.NoError(t, err)

	data, err := caller.RequestFrom(context.Background(), "test_agent", "echo", map[string]any{"x": 1}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Echo successful", data["message"])
}
