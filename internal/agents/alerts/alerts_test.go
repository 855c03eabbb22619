package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/MarketClaw/internal/agent"
	"github.com/KafClaw/MarketClaw/internal/bus"
	"github.com/KafClaw/MarketClaw/internal/logging"
	"github.com/KafClaw/MarketClaw/internal/notify"
)

type recorder struct {
	mu     sync.Mutex
	alerts []notify.Alert
	err    error
}

func (r *recorder) Notify(_ context.Context, a notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recorder) all() []notify.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Alert(nil), r.alerts...)
}

type fakeMailer struct {
	ready    error
	sent     []notify.Alert
	combined [][]notify.Alert
	to       string
}

func (f *fakeMailer) Ready() error { return f.ready }

func (f *fakeMailer) Send(_ context.Context, to string, a notify.Alert) error {
	if f.ready != nil {
		return f.ready
	}
	f.to = to
	f.sent = append(f.sent, a)
	return nil
}

func (f *fakeMailer) SendCombined(_ context.Context, to string, alerts []notify.Alert) error {
	if f.ready != nil {
		return f.ready
	}
	if len(alerts) == 0 {
		return notify.ErrNoSignals
	}
	f.to = to
	f.combined = append(f.combined, alerts)
	return nil
}

type fixture struct {
	bus    *bus.Bus
	notes  *recorder
	mailer *fakeMailer
}

func setup(t *testing.T, mailer *fakeMailer) *fixture {
	t.Helper()
	f := &fixture{bus: bus.New(bus.DefaultConfig(), logging.Discard()), notes: &recorder{}, mailer: mailer}
	var m Mailer
	if mailer != nil {
		m = mailer
	}
	rt, err := New(f.bus, DefaultConfig(), f.notes, m, agent.WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })
	return f
}

func (f *fixture) call(t *testing.T, topic string, data map[string]any) agent.Params {
	t.Helper()
	resp, err := f.bus.Request(context.Background(), "tester", ID, topic, data, time.Second)
	require.NoError(t, err)
	return agent.Params(resp.Data)
}

func TestSendAlert(t *testing.T) {
	f := setup(t, nil)
	out := f.call(t, "send_alert", map[string]any{
		"alert_type": "SIGNAL",
		"symbol":     "GLD",
		"action":     "STRONG_BUY",
		"confidence": 85,
		"message":    "Buy the dip",
		"details":    map[string]any{"b": 2, "a": "one"},
	})
	assert.True(t, out.Bool("success", false))
	assert.True(t, out.Bool("alert_sent", false))

	got := f.notes.all()
	require.Len(t, got, 1)
	assert.Equal(t, "GLD", got[0].Symbol)
	assert.Equal(t, 85, got[0].Confidence)
	assert.Equal(t, []notify.Detail{{Key: "a", Value: "one"}, {Key: "b", Value: "2"}}, got[0].Details)

	events := f.bus.History(TopicAlerts, ID, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "STRONG_BUY", events[0].Data["action"])
}

func TestSendAlertDeliveryFailureIsReported(t *testing.T) {
	f := setup(t, nil)
	f.notes.err = errors.New("slack down")

	out := f.call(t, "send_alert", map[string]any{"symbol": "GLD", "action": "HOLD"})
	assert.False(t, out.Has("error"), "delivery failure must not fail the step")
	assert.True(t, out.Bool("success", false))
	assert.False(t, out.Bool("alert_sent", true))
	assert.Equal(t, "slack down", out.String("delivery_error", ""))

	hist := f.call(t, "get_alert_history", nil)
	assert.Equal(t, 1, hist.Int("count", 0), "failed deliveries are still recorded")
}

func TestCheckThresholds(t *testing.T) {
	f := setup(t, nil)
	out := f.call(t, "check_thresholds", map[string]any{"signals": []any{
		map[string]any{
			"symbol": "GLD", "action": "STRONG_BUY", "confidence": 80,
			"technical_score": 40, "macro_score": 40, "position_size_pct": 25,
			"trade_plan": map[string]any{"entry_optimal": 98.0, "stop_loss": 87.3, "take_profit_1": 117.6, "risk_reward_ratio": 1.39},
		},
		map[string]any{
			"symbol": "SLV", "action": "SELL", "confidence": 20,
			"trade_plan": map[string]any{"exit_optimal": 29.7, "reentry_target": 25.5},
		},
		map[string]any{"symbol": "GDX", "action": "BUY", "confidence": 70},
		map[string]any{"symbol": "SIL", "action": "SELL", "confidence": 30},
		map[string]any{"symbol": "PPLT", "action": "HOLD", "confidence": 50},
	}})

	assert.Equal(t, 2, out.Int("alerts_triggered", 0))
	got := f.notes.all()
	require.Len(t, got, 2)

	assert.Equal(t, "Strong buy signal detected! Consider buying GLD.", got[0].Message)
	assert.Equal(t, []notify.Detail{
		{Key: "Technical Score", Value: "40/50"},
		{Key: "Macro Score", Value: "40/50"},
		{Key: "Position Size", Value: "25%"},
		{Key: "Entry Price", Value: "$98.00"},
		{Key: "Stop Loss", Value: "$87.30"},
		{Key: "Target", Value: "$117.60"},
		{Key: "Risk/Reward", Value: "1:1.4"},
	}, got[0].Details)

	assert.Equal(t, "Strong sell signal detected! Consider selling SLV.", got[1].Message)
	assert.Contains(t, got[1].Details, notify.Detail{Key: "Re-entry", Value: "$25.50"})
}

func TestConfigureAlerts(t *testing.T) {
	f := setup(t, nil)
	out := f.call(t, "configure_alerts", map[string]any{"buy_threshold": 60})
	cfg := out.Map("config")
	assert.Equal(t, 60, cfg.Int("buy_threshold", 0))
	assert.Equal(t, 25, cfg.Int("sell_threshold", 0))

	out = f.call(t, "check_thresholds", map[string]any{"signals": []any{
		map[string]any{"symbol": "GDX", "action": "BUY", "confidence": 65},
	}})
	assert.Equal(t, 1, out.Int("alerts_triggered", 0))

	f.call(t, "configure_alerts", map[string]any{"enabled": false})
	out = f.call(t, "check_thresholds", map[string]any{"signals": []any{
		map[string]any{"symbol": "GDX", "action": "BUY", "confidence": 99},
	}})
	assert.Equal(t, 0, out.Int("alerts_triggered", -1))
	assert.Equal(t, "Alerts are disabled", out.String("message", ""))
}

func TestAlertHistoryFilters(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), logging.Discard())
	m := &manager{cfg: DefaultConfig(), notifier: &recorder{}}
	rt, err := agent.New(b, Metadata(), agent.Handlers{
		"send_alert":                m.handleSend,
		"check_thresholds":          m.handleThresholds,
		"get_alert_history":         m.handleHistory,
		"configure_alerts":          m.handleConfigure,
		"send_email_alert":          m.handleEmail,
		"send_combined_email_alert": m.handleCombinedEmail,
	}, agent.WithLogger(logging.Discard()))
	require.NoError(t, err)
	m.rt = rt

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	ctx := context.Background()
	m.send(ctx, notify.Alert{Kind: notify.KindSignal, Symbol: "OLD"})
	clock = clock.Add(30 * time.Hour)
	m.send(ctx, notify.Alert{Kind: notify.KindSignal, Symbol: "GLD"})
	m.send(ctx, notify.Alert{Kind: notify.KindInfo, Symbol: "SLV"})

	out, err := m.handleHistory(ctx, &bus.Message{Data: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, 2, out["count"])

	out, _ = m.handleHistory(ctx, &bus.Message{Data: map[string]any{"hours": 48}})
	assert.Equal(t, 3, out["count"])

	out, _ = m.handleHistory(ctx, &bus.Message{Data: map[string]any{"alert_type": "INFO"}})
	assert.Equal(t, 1, out["count"])
	assert.Equal(t, "SLV", agent.Params(out).MapList("alerts")[0].String("symbol", ""))
}

func TestSendEmailAlert(t *testing.T) {
	mailer := &fakeMailer{}
	f := setup(t, mailer)
	out := f.call(t, "send_email_alert", map[string]any{
		"symbol": "GLD", "action": "BUY", "confidence": 70,
		"details":  []any{map[string]any{"key": "Entry", "value": "$98.00"}},
		"to_email": "me@example.com",
	})
	assert.True(t, out.Bool("success", false))
	assert.Equal(t, "me@example.com", mailer.to)
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []notify.Detail{{Key: "Entry", Value: "$98.00"}}, mailer.sent[0].Details)
}

func TestSendEmailAlertNotConfigured(t *testing.T) {
	out := setup(t, nil).call(t, "send_email_alert", map[string]any{"symbol": "GLD"})
	assert.False(t, out.Bool("success", true))
	assert.Equal(t, "Email alerts are disabled", out.String("reason", ""))
	assert.False(t, out.Has("error"))

	out = setup(t, &fakeMailer{ready: notify.ErrNoCredentials}).call(t, "send_email_alert", map[string]any{"symbol": "GLD"})
	assert.Equal(t, "SMTP credentials not configured", out.String("reason", ""))
}

func TestCheckThresholdsSendsCombinedEmail(t *testing.T) {
	mailer := &fakeMailer{}
	f := setup(t, mailer)
	out := f.call(t, "check_thresholds", map[string]any{
		"email": true,
		"signals": []any{
			map[string]any{"symbol": "GLD", "action": "STRONG_BUY", "confidence": 90},
			map[string]any{"symbol": "SLV", "action": "STRONG_SELL", "confidence": 10},
		},
	})
	assert.True(t, out.Bool("email_sent", false))
	require.Len(t, mailer.combined, 1)
	assert.Len(t, mailer.combined[0], 2)
}

func TestSendCombinedEmailAlert(t *testing.T) {
	mailer := &fakeMailer{}
	f := setup(t, mailer)
	out := f.call(t, "send_combined_email_alert", map[string]any{"signals": []any{}})
	assert.Equal(t, "No signals provided", out.String("reason", ""))

	out = f.call(t, "send_combined_email_alert", map[string]any{"signals": []any{
		map[string]any{"symbol": "GLD", "action": "BUY", "confidence": 65},
	}})
	assert.Equal(t, 1, out.Int("signal_count", 0))
}

func TestTriggered(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, Triggered(cfg, "BUY", 75))
	assert.False(t, Triggered(cfg, "BUY", 74))
	assert.True(t, Triggered(cfg, "STRONG_SELL", 25))
	assert.False(t, Triggered(cfg, "SELL", 26))
	assert.False(t, Triggered(cfg, "HOLD", 100))
}

func TestCheckThresholdsReadsWorkflowSteps(t *testing.T) {
	f := setup(t, nil)
	out := f.call(t, "check_thresholds", map[string]any{
		"step_slv_signal": map[string]any{"symbol": "SLV", "action": "STRONG_SELL", "confidence": 12},
		"step_gld_signal": map[string]any{"symbol": "GLD", "action": "STRONG_BUY", "confidence": 88},
		"step_history":    map[string]any{"success": true},
		"symbol":          "ignored",
	})
	assert.Equal(t, 2, out.Int("alerts_triggered", 0))
	got := f.notes.all()
	require.Len(t, got, 2)
	assert.Equal(t, "GLD", got[0].Symbol)
	assert.Equal(t, "SLV", got[1].Symbol)
}
