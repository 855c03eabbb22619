// Package bus provides the in-process message bus for agent communication.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/MarketClaw/internal/logging"
)

var (
	// ErrRequestTimeout is returned by Request when no response arrives in time.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrNoCorrelationID is returned by Respond for messages that cannot be answered.
	ErrNoCorrelationID = errors.New("message has no correlation id")
	// ErrBusStopped is delivered to pending requests when the bus shuts down.
	ErrBusStopped = errors.New("message bus stopped")
)

// Handler receives messages published on a subscribed topic.
type Handler func(ctx context.Context, msg *Message) error

// SubscriptionID identifies one Subscribe call.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler Handler
}

type waiter struct {
	ch chan *Message
}

// Config controls history retention.
type Config struct {
	HistoryRetention time.Duration `json:"historyRetention"`
	CleanupInterval  time.Duration `json:"cleanupInterval"`
	HistoryLimit     int           `json:"historyLimit"`
}

// DefaultConfig keeps one hour of history, swept every minute.
func DefaultConfig() Config {
	return Config{
		HistoryRetention: time.Hour,
		CleanupInterval:  time.Minute,
		HistoryLimit:     10000,
	}
}

// Bus routes messages to topic subscribers and matches responses to pending requests.
type Bus struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	subs    map[string][]subscription
	nextID  SubscriptionID
	pending map[string]*waiter
	history []*Message
	stopped bool
}

// New creates a message bus. A nil logger uses the default module logger.
func New(cfg Config, logger *slog.Logger) *Bus {
	def := DefaultConfig()
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = def.HistoryRetention
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if logger == nil {
		logger = logging.WithModule("bus")
	}
	return &Bus{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		subs:    make(map[string][]subscription),
		pending: make(map[string]*waiter),
	}
}

// Subscribe registers h for topic. Handlers run in registration order.
func (b *Bus) Subscribe(topic string, h Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})
	b.logger.Debug("Subscribed to topic", "topic", topic, "subscription", id)
	return id
}

// Unsubscribe removes one subscription. It reports whether it was found.
func (b *Bus) Unsubscribe(topic string, id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[topic]
	for i, s := range list {
		if s.id != id {
			continue
		}
		next := make([]subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, topic)
		} else {
			b.subs[topic] = next
		}
		b.logger.Debug("Unsubscribed from topic", "topic", topic, "subscription", id)
		return true
	}
	b.logger.Debug("Unsubscribe: subscription not found", "topic", topic, "subscription", id)
	return false
}

// Publish records msg in history and delivers it.
// A response matching a pending request goes only to that request.
// Handler failures are logged and never returned.
func (b *Bus) Publish(ctx context.Context, msg *Message) error {
	if msg == nil {
		return errors.New("publish: nil message")
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrBusStopped
	}
	b.appendHistoryLocked(msg)

	if msg.Type == TypeResponse && msg.CorrelationID != "" {
		if w, ok := b.pending[msg.CorrelationID]; ok {
			delete(b.pending, msg.CorrelationID)
			b.mu.Unlock()
			w.ch <- msg
			return nil
		}
	}
	subs := append([]subscription(nil), b.subs[msg.Topic]...)
	b.mu.Unlock()

	b.logger.Debug("Publishing message",
		"type", msg.Type, "topic", msg.Topic, "from", msg.From, "subscribers", len(subs))

	for _, s := range subs {
		b.deliver(ctx, s, msg)
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, s subscription, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscriber panicked",
				"topic", msg.Topic, "subscription", s.id, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := s.handler(ctx, msg); err != nil {
		b.logger.Error("Subscriber failed", "topic", msg.Topic, "subscription", s.id, "error", err)
	}
}

// Request publishes a REQUEST and waits for the correlated RESPONSE.
// The request is delivered on its own goroutine so a slow handler never
// outlives the timeout on the waiting side.
func (b *Bus) Request(ctx context.Context, from, to, topic string, data map[string]any, timeout time.Duration) (*Message, error) {
	msg := NewMessage(from, to, TypeRequest, topic, data)
	msg.CorrelationID = uuid.NewString()

	w := &waiter{ch: make(chan *Message, 1)}
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, ErrBusStopped
	}
	b.pending[msg.CorrelationID] = w
	b.mu.Unlock()

	go func() {
		if err := b.Publish(ctx, msg); err != nil {
			b.logger.Warn("Request publish failed", "topic", topic, "error", err)
		}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case resp := <-w.ch:
		if resp == nil {
			return nil, ErrBusStopped
		}
		return resp, nil
	case <-timer:
		b.dropPending(msg.CorrelationID)
		return nil, fmt.Errorf("%w: topic %q after %s", ErrRequestTimeout, topic, timeout)
	case <-ctx.Done():
		b.dropPending(msg.CorrelationID)
		return nil, ctx.Err()
	}
}

func (b *Bus) dropPending(correlationID string) {
	b.mu.Lock()
	delete(b.pending, correlationID)
	b.mu.Unlock()
}

// Respond publishes a RESPONSE to original's sender.
func (b *Bus) Respond(ctx context.Context, original *Message, from string, data map[string]any) error {
	if original == nil || original.CorrelationID == "" {
		b.logger.Warn("Cannot respond to message without correlation id", "from", from)
		return ErrNoCorrelationID
	}
	resp := NewMessage(from, original.From, TypeResponse, original.Topic, data)
	resp.CorrelationID = original.CorrelationID
	return b.Publish(ctx, resp)
}

// History returns up to limit of the most recent matching messages, oldest
// first. Empty filters match everything; limit <= 0 returns all matches.
func (b *Bus) History(topic, from string, limit int) []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Message, 0, len(b.history))
	for _, m := range b.history {
		if topic != "" && m.Topic != topic {
			continue
		}
		if from != "" && m.From != from {
			continue
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// PendingCount returns the number of requests awaiting a response.
func (b *Bus) PendingCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// Topics returns the subscriber count for each topic.
func (b *Bus) Topics() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.subs))
	for t, s := range b.subs {
		out[t] = len(s)
	}
	return out
}

// HistorySize returns the number of retained messages.
func (b *Bus) HistorySize() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.history)
}

func (b *Bus) appendHistoryLocked(msg *Message) {
	b.history = append(b.history, msg)
	// Dropping from the front leaves the copy to append's next growth.
	if over := len(b.history) - b.cfg.HistoryLimit; over > 0 {
		clear(b.history[:over])
		b.history = b.history[over:]
	}
}

// Cleanup evicts messages older than the retention window and returns how many were removed.
func (b *Bus) Cleanup() int {
	cutoff := b.now().Add(-b.cfg.HistoryRetention)

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.history[:0]
	for _, m := range b.history {
		if m.Timestamp.After(cutoff) {
			kept = append(kept, m)
		}
	}
	removed := len(b.history) - len(kept)
	for i := len(kept); i < len(b.history); i++ {
		b.history[i] = nil
	}
	b.history = kept
	if removed > 0 {
		b.logger.Debug("Cleaned up old messages", "removed", removed)
	}
	return removed
}

// Run sweeps expired history until ctx is cancelled.
// This should be run as a goroutine.
func (b *Bus) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.CleanupInterval)
	defer ticker.Stop()

	b.logger.Info("Message bus started", "retention", b.cfg.HistoryRetention)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Message bus stopped")
			return ctx.Err()
		case <-ticker.C:
			b.Cleanup()
		}
	}
}

// Stop rejects further publishes and fails every pending request.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	for id, w := range b.pending {
		close(w.ch)
		delete(b.pending, id)
	}
}
