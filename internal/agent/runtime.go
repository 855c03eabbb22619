package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/KafClaw/MarketClaw/internal/bus"
	"github.com/KafClaw/MarketClaw/internal/logging"
)

const (
	// DefaultHeartbeatInterval is the cadence of health events.
	DefaultHeartbeatInterval = 30 * time.Second
	latencyWindow            = 100
)

// HandlerFunc implements one capability. A returned error is reported to
// the requester as {"error": err.Error()}.
type HandlerFunc func(ctx context.Context, msg *bus.Message) (map[string]any, error)

// Handlers maps capability names to their implementation.
type Handlers map[string]HandlerFunc

// Hooks receive non-request traffic. Nil hooks ignore the message.
type Hooks struct {
	OnEvent   func(ctx context.Context, msg *bus.Message)
	OnAlert   func(ctx context.Context, msg *bus.Message)
	OnCommand func(ctx context.Context, msg *bus.Message)
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithHeartbeatInterval overrides the heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.heartbeat = d
		}
	}
}

// WithHooks installs event, alert and command hooks.
func WithHooks(h Hooks) Option {
	return func(r *Runtime) { r.hooks = h }
}

// WithLogger sets the logger. The agent id is added automatically.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSchemaValidation checks request payloads against capability schemas.
func WithSchemaValidation(enabled bool) Option {
	return func(r *Runtime) { r.validateSchemas = enabled }
}

type subRef struct {
	topic string
	id    bus.SubscriptionID
}

// Runtime wraps a set of capability handlers with bus subscriptions,
// dispatch by message type, health counters and a heartbeat.
type Runtime struct {
	meta            Metadata
	bus             *bus.Bus
	handlers        Handlers
	hooks           Hooks
	logger          *slog.Logger
	heartbeat       time.Duration
	validateSchemas bool
	schemas         map[string]*gojsonschema.Schema
	now             func() time.Time

	mu            sync.Mutex
	status        Status
	processed     int64
	errorsCount   int64
	samples       []time.Duration
	startedAt     time.Time
	lastHeartbeat time.Time
	running       bool
	disabled      bool
	subs          []subRef
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// New builds a runtime. Every declared capability needs a handler and every
// handler needs a declared capability.
func New(b *bus.Bus, meta Metadata, handlers Handlers, opts ...Option) (*Runtime, error) {
	if strings.TrimSpace(meta.ID) == "" {
		return nil, fmt.Errorf("%w: empty agent id", ErrInvalidMetadata)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: agent %s has no bus", ErrInvalidMetadata, meta.ID)
	}
	if err := checkHandlers(meta, handlers); err != nil {
		return nil, err
	}

	r := &Runtime{
		meta:      meta,
		bus:       b,
		handlers:  handlers,
		heartbeat: DefaultHeartbeatInterval,
		logger:    logging.WithModule("agent"),
		now:       time.Now,
		status:    StatusIdle,
		disabled:  meta.Disabled,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("agent_id", meta.ID)
	r.startedAt = r.now()

	if r.validateSchemas {
		schemas, err := compileSchemas(meta)
		if err != nil {
			return nil, err
		}
		r.schemas = schemas
	}
	return r, nil
}

func checkHandlers(meta Metadata, handlers Handlers) error {
	var missing, extra []string
	seen := make(map[string]bool, len(meta.Capabilities))
	for _, c := range meta.Capabilities {
		seen[c.Name] = true
		if h, ok := handlers[c.Name]; !ok || h == nil {
			missing = append(missing, c.Name)
		}
	}
	for name := range handlers {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(extra)
	return fmt.Errorf("%w: agent %s missing handlers %v, undeclared handlers %v",
		ErrHandlerMismatch, meta.ID, missing, extra)
}

func compileSchemas(meta Metadata) (map[string]*gojsonschema.Schema, error) {
	out := make(map[string]*gojsonschema.Schema)
	for _, c := range meta.Capabilities {
		if len(c.Schema) == 0 {
			continue
		}
		s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(c.Schema))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s.%s: %w", meta.ID, c.Name, err)
		}
		out[c.Name] = s
	}
	return out, nil
}

// ID returns the agent id.
func (r *Runtime) ID() string { return r.meta.ID }

// Metadata returns the agent metadata.
func (r *Runtime) Metadata() Metadata {
	m := r.meta
	r.mu.Lock()
	m.Disabled = r.disabled
	r.mu.Unlock()
	return m
}

// Bus returns the bus the agent is attached to.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Logger returns the agent-scoped logger.
func (r *Runtime) Logger() *slog.Logger { return r.logger }

// Enabled reports whether the agent accepts work.
func (r *Runtime) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.disabled
}

// SetEnabled toggles the enabled flag. It does not start or stop the agent.
func (r *Runtime) SetEnabled(v bool) {
	r.mu.Lock()
	r.disabled = !v
	r.mu.Unlock()
}

// Running reports whether Start has been called without a matching Stop.
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Health returns a snapshot of the counters.
func (r *Runtime) Health() Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Health{
		AgentID:             r.meta.ID,
		Status:              r.status,
		MessagesProcessed:   r.processed,
		ErrorsCount:         r.errorsCount,
		AverageResponseTime: r.averageLocked(),
		UptimeSeconds:       r.now().Sub(r.startedAt).Seconds(),
		LastHeartbeat:       r.lastHeartbeat,
	}
}

func (r *Runtime) averageLocked() time.Duration {
	if len(r.samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range r.samples {
		sum += s
	}
	return sum / time.Duration(len(r.samples))
}

func (r *Runtime) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Start subscribes to capability and extra topics and launches the heartbeat.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		r.logger.Warn("Agent already running")
		return nil
	}
	r.running = true
	r.status = StatusStarting
	r.mu.Unlock()

	topics := append(r.meta.CapabilityNames(), r.meta.SubscribesTo...)
	subs := make([]subRef, 0, len(topics))
	seen := make(map[string]bool, len(topics))
	for _, t := range topics {
		if seen[t] {
			continue
		}
		seen[t] = true
		subs = append(subs, subRef{topic: t, id: r.bus.Subscribe(t, r.dispatch)})
	}

	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.subs = subs
	r.cancel = cancel
	r.status = StatusIdle
	r.mu.Unlock()

	r.wg.Add(1)
	go r.heartbeatLoop(hbCtx)

	r.logger.Info("Agent started", "topics", len(subs))
	return nil
}

// Stop unsubscribes, cancels the heartbeat and waits for it.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.status = StatusStopping
	subs := r.subs
	r.subs = nil
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	for _, s := range subs {
		r.bus.Unsubscribe(s.topic, s.id)
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", r.meta.ID, ctx.Err())
	}

	r.setStatus(StatusDisabled)
	r.logger.Info("Agent stopped")
	return nil
}

func (r *Runtime) dispatch(ctx context.Context, msg *bus.Message) (err error) {
	if msg.From == r.meta.ID || !msg.AddressedTo(r.meta.ID) {
		return nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.mu.Lock()
			r.errorsCount++
			r.status = StatusError
			r.mu.Unlock()
			r.logger.Error("Error handling message",
				"topic", msg.Topic, "type", msg.Type, "panic", rec, "stack", string(debug.Stack()))
			err = nil
		}
	}()

	r.logger.Debug("Received message", "type", msg.Type, "topic", msg.Topic, "from", msg.From)

	switch msg.Type {
	case bus.TypeRequest:
		r.handleRequest(ctx, msg)
	case bus.TypeEvent:
		if r.hooks.OnEvent != nil {
			r.hooks.OnEvent(ctx, msg)
		}
	case bus.TypeAlert:
		if r.hooks.OnAlert != nil {
			r.hooks.OnAlert(ctx, msg)
		}
	case bus.TypeCommand:
		if r.hooks.OnCommand != nil {
			r.hooks.OnCommand(ctx, msg)
		}
	}
	return nil
}

func (r *Runtime) handleRequest(ctx context.Context, msg *bus.Message) {
	r.setStatus(StatusProcessing)
	defer r.setStatus(StatusIdle)

	start := r.now()
	payload, err := r.invoke(ctx, msg)
	if err != nil {
		r.logger.Error("Error processing request", "topic", msg.Topic, "error", err)
		r.mu.Lock()
		r.errorsCount++
		r.mu.Unlock()
		payload = map[string]any{"error": err.Error()}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	if rerr := r.bus.Respond(ctx, msg, r.meta.ID, payload); rerr != nil {
		r.logger.Warn("Response not delivered", "topic", msg.Topic, "error", rerr)
	}
	if err != nil {
		return
	}

	elapsed := r.now().Sub(start)
	r.mu.Lock()
	r.processed++
	r.samples = append(r.samples, elapsed)
	if over := len(r.samples) - latencyWindow; over > 0 {
		r.samples = append(r.samples[:0:0], r.samples[over:]...)
	}
	r.mu.Unlock()
}

func (r *Runtime) invoke(ctx context.Context, msg *bus.Message) (payload map[string]any, err error) {
	h, ok := r.handlers[msg.Topic]
	if !ok {
		return map[string]any{"error": "Unknown capability: " + msg.Topic}, nil
	}
	if s, ok := r.schemas[msg.Topic]; ok {
		if verr := validatePayload(s, msg.Data); verr != nil {
			return map[string]any{"error": verr.Error()}, nil
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s: %v", msg.Topic, rec)
		}
	}()
	return h(ctx, msg)
}

func validatePayload(s *gojsonschema.Schema, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	res, err := s.Validate(gojsonschema.NewGoLoader(data))
	if err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New("invalid parameters: " + strings.Join(msgs, "; "))
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Runtime) beat(ctx context.Context) {
	h := r.Health()
	err := r.PublishEvent(ctx, HealthTopic, map[string]any{
		"agent_id":           h.AgentID,
		"status":             string(h.Status),
		"messages_processed": h.MessagesProcessed,
		"errors_count":       h.ErrorsCount,
		"uptime_seconds":     h.UptimeSeconds,
	})
	if err != nil {
		r.logger.Error("Heartbeat publish failed", "error", err)
		return
	}
	r.mu.Lock()
	r.lastHeartbeat = r.now()
	r.mu.Unlock()
}

// PublishEvent publishes an EVENT from this agent.
func (r *Runtime) PublishEvent(ctx context.Context, topic string, data map[string]any) error {
	return r.bus.Publish(ctx, bus.NewMessage(r.meta.ID, "", bus.TypeEvent, topic, data))
}

// PublishAlert publishes an ALERT from this agent.
func (r *Runtime) PublishAlert(ctx context.Context, topic string, data map[string]any) error {
	return r.bus.Publish(ctx, bus.NewMessage(r.meta.ID, "", bus.TypeAlert, topic, data))
}

// RequestFrom asks another agent to run a capability and returns its payload.
func (r *Runtime) RequestFrom(ctx context.Context, to, topic string, data map[string]any, timeout time.Duration) (map[string]any, error) {
	resp, err := r.bus.Request(ctx, r.meta.ID, to, topic, data, timeout)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}
