package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/MarketClaw/internal/logging"
)

func newTestBus() *Bus {
	return New(DefaultConfig(), logging.Discard())
}

func TestPublishInvokesHandlersInOrder(t *testing.T) {
	b := newTestBus()
	var order []string
	b.Subscribe("prices", func(_ context.Context, _ *Message) error {
		order = append(order, "a")
		return nil
	})
	b.Subscribe("prices", func(_ context.Context, _ *Message) error {
		order = append(order, "b")
		return nil
	})
	b.Subscribe("other", func(_ context.Context, _ *Message) error {
		order = append(order, "other")
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), NewMessage("x", "", TypeEvent, "prices", nil)))
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestPublishIsolatesFailingHandlers(t *testing.T) {
	b := newTestBus()
	var a, c atomic.Int32
	b.Subscribe("t", func(_ context.Context, _ *Message) error { a.Add(1); return nil })
	b.Subscribe("t", func(_ context.Context, _ *Message) error { panic("boom") })
	b.Subscribe("t", func(_ context.Context, _ *Message) error { return errors.New("bad") })
	b.Subscribe("t", func(_ context.Context, _ *Message) error { c.Add(1); return nil })

	err := b.Publish(context.Background(), NewMessage("x", "", TypeEvent, "t", nil))
	require.NoError(t, err)
	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(1), c.Load())
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus()
	var calls atomic.Int32
	id := b.Subscribe("t", func(_ context.Context, _ *Message) error { calls.Add(1); return nil })

	assert.True(t, b.Unsubscribe("t", id))
	assert.False(t, b.Unsubscribe("t", id), "second unsubscribe must report not found")
	assert.False(t, b.Unsubscribe("missing", 42))

	require.NoError(t, b.Publish(context.Background(), NewMessage("x", "", TypeEvent, "t", nil)))
	assert.Zero(t, calls.Load())
	assert.NotContains(t, b.Topics(), "t")
}

func echoResponder(b *Bus, agentID string) Handler {
	return func(ctx context.Context, msg *Message) error {
		if msg.Type != TypeRequest || msg.From == agentID {
			return nil
		}
		return b.Respond(ctx, msg, agentID, map[string]any{
			"original_data": msg.Data,
			"message":       "Echo successful",
		})
	}
}

func TestRequestResponse(t *testing.T) {
	b := newTestBus()
	b.Subscribe("echo", echoResponder(b, "test_agent"))

	resp, err := b.Request(context.Background(), "tester", "test_agent", "echo",
		map[string]any{"message": "hello"}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, TypeResponse, resp.Type)
	assert.Equal(t, "tester", resp.To)
	orig, ok := resp.Data["original_data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", orig["message"])
	assert.Zero(t, b.PendingCount())
}

func TestRequestResponseShortCircuitsSubscribers(t *testing.T) {
	b := newTestBus()
	b.Subscribe("echo", echoResponder(b, "test_agent"))

	var sawResponse atomic.Int32
	b.Subscribe("echo", func(_ context.Context, msg *Message) error {
		if msg.Type == TypeResponse {
			sawResponse.Add(1)
		}
		return nil
	})

	_, err := b.Request(context.Background(), "tester", "test_agent", "echo", nil, time.Second)
	require.NoError(t, err)
	assert.Zero(t, sawResponse.Load(), "correlated response must not reach topic subscribers")
}

func TestDuplicateResponseDeliveredOnce(t *testing.T) {
	b := newTestBus()
	b.Subscribe("dup", func(ctx context.Context, msg *Message) error {
		if msg.Type != TypeRequest {
			return nil
		}
		_ = b.Respond(ctx, msg, "agent", map[string]any{"n": 1})
		_ = b.Respond(ctx, msg, "agent", map[string]any{"n": 2})
		return nil
	})

	resp, err := b.Request(context.Background(), "tester", "agent", "dup", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Data["n"])
	assert.Zero(t, b.PendingCount())
}

func TestRequestTimeoutCleansPending(t *testing.T) {
	b := newTestBus()
	release := make(chan struct{})
	b.Subscribe("slow", func(_ context.Context, _ *Message) error {
		<-release
		return nil
	})
	defer close(release)

	for i := 0; i < 5; i++ {
		_, err := b.Request(context.Background(), "tester", "", "slow", nil, 5*time.Millisecond)
		require.ErrorIs(t, err, ErrRequestTimeout)
	}
	assert.Zero(t, b.PendingCount())
}

func TestRequestNoSubscriberTimesOut(t *testing.T) {
	b := newTestBus()
	_, err := b.Request(context.Background(), "tester", "", "nobody", nil, 5*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.Zero(t, b.PendingCount())
}

func TestRequestContextCancel(t *testing.T) {
	b := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Request(ctx, "tester", "", "nobody", nil, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, b.PendingCount())
}

func TestRespondWithoutCorrelationID(t *testing.T) {
	b := newTestBus()
	err := b.Respond(context.Background(), NewMessage("a", "", TypeEvent, "t", nil), "b", nil)
	require.ErrorIs(t, err, ErrNoCorrelationID)
	assert.Zero(t, b.HistorySize())
}

func TestHistoryFilters(t *testing.T) {
	b := newTestBus()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, NewMessage("a", "", TypeEvent, "x", map[string]any{"i": i})))
	}
	require.NoError(t, b.Publish(ctx, NewMessage("b", "", TypeEvent, "x", nil)))
	require.NoError(t, b.Publish(ctx, NewMessage("a", "", TypeEvent, "y", nil)))

	assert.Len(t, b.History("", "", 0), 5)
	assert.Len(t, b.History("x", "", 0), 4)
	assert.Len(t, b.History("x", "a", 0), 3)

	last := b.History("x", "a", 2)
	require.Len(t, last, 2)
	assert.Equal(t, 1, last[0].Data["i"])
	assert.Equal(t, 2, last[1].Data["i"])
}

func TestHistoryLimitCap(t *testing.T) {
	b := New(Config{HistoryLimit: 3}, logging.Discard())
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), NewMessage("a", "", TypeEvent, "x", nil)))
	}
	assert.Equal(t, 3, b.HistorySize())
}

func TestHistoryTrimReusesBuffer(t *testing.T) {
	b := New(Config{HistoryLimit: 100}, logging.Discard())
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, b.Publish(ctx, NewMessage("a", "", TypeEvent, "x", nil)))
	}

	copies := 0
	for i := 0; i < 1000; i++ {
		prev := b.history
		require.NoError(t, b.Publish(ctx, NewMessage("a", "", TypeEvent, "x", map[string]any{"i": i})))
		if &b.history[0] != &prev[1] {
			copies++
		}
	}
	assert.Less(t, copies, 100)
	assert.Equal(t, 100, b.HistorySize())

	last := b.History("", "", 2)
	require.Len(t, last, 2)
	assert.Equal(t, 998, last[0].Data["i"])
	assert.Equal(t, 999, last[1].Data["i"])
}

func TestCleanupEvictsOldMessages(t *testing.T) {
	b := New(Config{HistoryRetention: time.Minute}, logging.Discard())
	old := NewMessage("a", "", TypeEvent, "x", nil)
	old.Timestamp = time.Now().Add(-2 * time.Minute)
	require.NoError(t, b.Publish(context.Background(), old))
	require.NoError(t, b.Publish(context.Background(), NewMessage("a", "", TypeEvent, "x", nil)))

	assert.Equal(t, 1, b.Cleanup())
	assert.Equal(t, 1, b.HistorySize())
}

func TestStopFailsPendingRequests(t *testing.T) {
	b := newTestBus()
	release := make(chan struct{})
	defer close(release)
	b.Subscribe("slow", func(_ context.Context, _ *Message) error {
		<-release
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), "tester", "", "slow", nil, 5*time.Second)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return b.PendingCount() == 1 }, time.Second, time.Millisecond)
	b.Stop()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrBusStopped)
	case <-time.After(time.Second):
		t.Fatal("request did not return after Stop")
	}
	assert.ErrorIs(t, b.Publish(context.Background(), NewMessage("a", "", TypeEvent, "x", nil)), ErrBusStopped)
}

func TestRunStopsOnCancel(t *testing.T) {
	b := New(Config{CleanupInterval: time.Millisecond}, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
