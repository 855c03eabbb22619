// Package alerts implements the alert_manager agent. It renders trading
// signals for people and keeps a short in-memory alert history.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/MarketClaw/internal/agent"
	"github.com/KafClaw/MarketClaw/internal/bus"
	"github.com/KafClaw/MarketClaw/internal/notify"
)

const (
	ID = "alert_manager"

	TopicAlerts = "trading_alerts"

	historyLimit = 1000
)

// Config holds the alert thresholds. BUY signals alert at or above
// BuyThreshold, SELL signals at or below SellThreshold.
type Config struct {
	BuyThreshold  int
	SellThreshold int
	Enabled       bool
}

// DefaultConfig alerts on STRONG_BUY and STRONG_SELL territory.
func DefaultConfig() Config {
	return Config{BuyThreshold: 75, SellThreshold: 25, Enabled: true}
}

// Mailer sends alert emails.
type Mailer interface {
	Ready() error
	Send(ctx context.Context, to string, a notify.Alert) error
	SendCombined(ctx context.Context, to string, alerts []notify.Alert) error
}

type manager struct {
	rt       *agent.Runtime
	notifier notify.Notifier
	mailer   Mailer
	now      func() time.Time

	mu      sync.Mutex
	cfg     Config
	history []notify.Alert
}

func Metadata() agent.Metadata {
	return agent.Metadata{
		ID:          ID,
		Name:        "Alert Manager",
		Description: "Send terminal, Slack and email alerts for trading signals",
		Version:     "1.0.0",
		Category:    "alerts",
		Capabilities: []agent.Capability{
			{Name: "send_alert", Description: "Display formatted alert in terminal", Parameters: map[string]string{
				"alert_type": "str (SIGNAL, WARNING, INFO)",
				"symbol":     "str",
				"action":     "str (BUY, SELL, HOLD)",
				"confidence": "int (0-100)",
				"message":    "str",
				"details":    "dict (optional)",
			}},
			{Name: "check_thresholds", Description: "Check if signal meets alert thresholds", Parameters: map[string]string{
				"signals": "List[dict] (optional): defaults to signal results of earlier workflow steps",
				"email":   "bool (optional): also send one combined email for triggered alerts",
			}},
			{Name: "get_alert_history", Description: "Get recent alerts", Parameters: map[string]string{
				"hours":      "int (default: 24)",
				"alert_type": "str (optional)",
			}},
			{Name: "configure_alerts", Description: "Configure alert preferences", Parameters: map[string]string{
				"buy_threshold":  "int (0-100)",
				"sell_threshold": "int (0-100)",
				"enabled":        "bool",
			}},
			{Name: "send_email_alert", Description: "Send trading signal alert via email", Parameters: map[string]string{
				"symbol":     "str",
				"action":     "str (BUY, SELL, HOLD)",
				"confidence": "int (0-100)",
				"details":    "dict",
				"to_email":   "str (optional, uses default from config)",
			}},
			{Name: "send_combined_email_alert", Description: "Send one email covering several signals", Parameters: map[string]string{
				"signals":  "List[dict]",
				"to_email": "str (optional)",
			}},
		},
		PublishesTo: []string{TopicAlerts},
	}
}

// New builds the alert manager. notifier renders alerts; mailer may be nil
// when email is not configured.
func New(b *bus.Bus, cfg Config, notifier notify.Notifier, mailer Mailer, opts ...agent.Option) (*agent.Runtime, error) {
	m := &manager{cfg: cfg, notifier: notifier, mailer: mailer, now: time.Now}
	rt, err := agent.New(b, Metadata(), agent.Handlers{
		"send_alert":                m.handleSend,
		"check_thresholds":          m.handleThresholds,
		"get_alert_history":         m.handleHistory,
		"configure_alerts":          m.handleConfigure,
		"send_email_alert":          m.handleEmail,
		"send_combined_email_alert": m.handleCombinedEmail,
	}, opts...)
	if err != nil {
		return nil, err
	}
	m.rt = rt
	if mailer != nil {
		if err := mailer.Ready(); err != nil {
			rt.Logger().Info("Email alerts unavailable", "reason", err)
		}
	}
	return rt, nil
}

// detailsFrom reads details given as a mapping (sorted by key) or as a
// list of {key, value} entries (kept in order).
func detailsFrom(v any) []notify.Detail {
	if list := (agent.Params{"d": v}).MapList("d"); len(list) > 0 {
		out := make([]notify.Detail, 0, len(list))
		for _, d := range list {
			out = append(out, notify.Detail{Key: d.String("key", ""), Value: d.String("value", "")})
		}
		return out
	}
	m := agent.AsParams(v)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]notify.Detail, 0, len(keys))
	for _, k := range keys {
		out = append(out, notify.Detail{Key: k, Value: m.String(k, "")})
	}
	return out
}

func detailsPayload(details []notify.Detail) []any {
	out := make([]any, len(details))
	for i, d := range details {
		out[i] = map[string]any{"key": d.Key, "value": d.Value}
	}
	return out
}

func (m *manager) handleSend(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	a := notify.Alert{
		Kind:       p.String("alert_type", notify.KindInfo),
		Symbol:     p.String("symbol", ""),
		Action:     p.String("action", ""),
		Confidence: p.Int("confidence", 0),
		Message:    p.String("message", ""),
		Details:    detailsFrom(p["details"]),
	}
	return m.send(ctx, a), nil
}

// send delivers and records an alert. Delivery failures are reported, not
// returned as errors.
func (m *manager) send(ctx context.Context, a notify.Alert) map[string]any {
	a.Time = m.now().UTC()
	m.record(a)

	out := map[string]any{
		"success":    true,
		"alert_sent": true,
		"timestamp":  a.Time.Format(time.RFC3339),
	}
	if m.notifier != nil {
		if err := m.notifier.Notify(ctx, a); err != nil {
			m.rt.Logger().Warn("Alert delivery failed", "symbol", a.Symbol, "error", err)
			out["alert_sent"] = false
			out["delivery_error"] = err.Error()
		}
	}
	if err := m.rt.PublishEvent(ctx, TopicAlerts, map[string]any{
		"alert_type": a.Kind, "symbol": a.Symbol, "action": a.Action, "confidence": a.Confidence,
	}); err != nil {
		m.rt.Logger().Warn("Alert event not published", "error", err)
	}
	return out
}

func (m *manager) record(a notify.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, a)
	if n := len(m.history) - historyLimit; n > 0 {
		m.history = append([]notify.Alert(nil), m.history[n:]...)
	}
}

func (m *manager) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// signalDetails summarises a generated signal for display.
func signalDetails(s agent.Params) []notify.Detail {
	details := []notify.Detail{
		{Key: "Technical Score", Value: fmt.Sprintf("%d/50", s.Int("technical_score", 0))},
		{Key: "Macro Score", Value: fmt.Sprintf("%d/50", s.Int("macro_score", 0))},
		{Key: "Position Size", Value: fmt.Sprintf("%d%%", s.Int("position_size_pct", 0))},
	}
	plan := s.Map("trade_plan")
	money := func(key string) string { return fmt.Sprintf("$%.2f", plan.Float(key, 0)) }
	switch {
	case plan.Has("exit_optimal"):
		details = append(details,
			notify.Detail{Key: "Exit Price", Value: money("exit_optimal")},
			notify.Detail{Key: "Re-entry", Value: money("reentry_target")},
		)
	case plan.Has("entry_optimal"):
		details = append(details,
			notify.Detail{Key: "Entry Price", Value: money("entry_optimal")},
			notify.Detail{Key: "Stop Loss", Value: money("stop_loss")},
			notify.Detail{Key: "Target", Value: money("take_profit_1")},
			notify.Detail{Key: "Risk/Reward", Value: fmt.Sprintf("1:%.1f", plan.Float("risk_reward_ratio", 0))},
		)
	}
	return details
}

// Triggered reports whether a signal crosses the thresholds. HOLD never
// does.
func Triggered(cfg Config, action string, confidence int) bool {
	switch notify.Direction(action) {
	case "buy":
		return confidence >= cfg.BuyThreshold
	case "sell":
		return confidence <= cfg.SellThreshold
	}
	return false
}

func (m *manager) handleThresholds(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	cfg := m.config()
	if !cfg.Enabled {
		return map[string]any{"success": true, "alerts_triggered": 0, "message": "Alerts are disabled"}, nil
	}

	signals := p.MapList("signals")
	if !p.Has("signals") {
		signals = stepSignals(p)
	}

	var fired []notify.Alert
	triggered := []any{}
	for _, s := range signals {
		symbol := s.String("symbol", "")
		action := s.String("action", "")
		confidence := s.Int("confidence", 0)
		if !Triggered(cfg, action, confidence) {
			continue
		}
		text := fmt.Sprintf("Strong buy signal detected! Consider buying %s.", symbol)
		if notify.Direction(action) == "sell" {
			text = fmt.Sprintf("Strong sell signal detected! Consider selling %s.", symbol)
		}
		a := notify.Alert{
			Kind:       notify.KindSignal,
			Symbol:     symbol,
			Action:     action,
			Confidence: confidence,
			Message:    text,
			Details:    signalDetails(s),
		}
		m.send(ctx, a)
		fired = append(fired, a)
		triggered = append(triggered, map[string]any{"symbol": symbol, "action": action, "confidence": confidence})
	}

	out := map[string]any{"success": true, "alerts_triggered": len(triggered), "alerts": triggered}
	if p.Bool("email", false) && len(fired) > 0 {
		if err := m.mail(func(ml Mailer) error { return ml.SendCombined(ctx, p.String("to_email", ""), fired) }); err != nil {
			out["email_sent"] = false
			out["email_error"] = emailReason(err)
		} else {
			out["email_sent"] = true
		}
	}
	return out, nil
}

// stepSignals collects signal results threaded through a workflow context
// as step_<id> entries, in step id order.
func stepSignals(p agent.Params) []agent.Params {
	keys := make([]string, 0, len(p))
	for k := range p {
		if strings.HasPrefix(k, "step_") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var out []agent.Params
	for _, k := range keys {
		s := p.Map(k)
		if s.Has("action") && s.Has("confidence") && s.Has("symbol") {
			out = append(out, s)
		}
	}
	return out
}

func (m *manager) handleHistory(_ context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	hours := p.Int("hours", 24)
	kind := p.String("alert_type", "")
	cutoff := m.now().UTC().Add(-time.Duration(hours) * time.Hour)

	m.mu.Lock()
	alerts := []any{}
	for _, a := range m.history {
		if a.Time.Before(cutoff) || (kind != "" && a.Kind != kind) {
			continue
		}
		alerts = append(alerts, map[string]any{
			"timestamp":  a.Time.Format(time.RFC3339),
			"alert_type": a.Kind,
			"symbol":     a.Symbol,
			"action":     a.Action,
			"confidence": a.Confidence,
			"message":    a.Message,
			"details":    detailsPayload(a.Details),
		})
	}
	m.mu.Unlock()

	return map[string]any{"success": true, "count": len(alerts), "alerts": alerts, "timeframe_hours": hours}, nil
}

func (m *manager) handleConfigure(_ context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	m.mu.Lock()
	if p.Has("buy_threshold") {
		m.cfg.BuyThreshold = p.Int("buy_threshold", m.cfg.BuyThreshold)
	}
	if p.Has("sell_threshold") {
		m.cfg.SellThreshold = p.Int("sell_threshold", m.cfg.SellThreshold)
	}
	if p.Has("enabled") {
		m.cfg.Enabled = p.Bool("enabled", m.cfg.Enabled)
	}
	cfg := m.cfg
	m.mu.Unlock()

	m.rt.Logger().Info("Alert configuration updated", "buy_threshold", cfg.BuyThreshold, "sell_threshold", cfg.SellThreshold, "enabled", cfg.Enabled)
	return map[string]any{
		"success": true,
		"config": map[string]any{
			"buy_threshold":  cfg.BuyThreshold,
			"sell_threshold": cfg.SellThreshold,
			"enabled":        cfg.Enabled,
		},
	}, nil
}

var errNoMailer = errors.New("email is not configured")

func (m *manager) mail(fn func(Mailer) error) error {
	if m.mailer == nil {
		return errNoMailer
	}
	return fn(m.mailer)
}

func emailReason(err error) string {
	switch {
	case errors.Is(err, notify.ErrEmailDisabled), errors.Is(err, errNoMailer):
		return "Email alerts are disabled"
	case errors.Is(err, notify.ErrNoCredentials):
		return "SMTP credentials not configured"
	case errors.Is(err, notify.ErrNoSignals):
		return "No signals provided"
	}
	return err.Error()
}

func (m *manager) handleEmail(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	a := notify.Alert{
		Kind:       notify.KindSignal,
		Symbol:     p.String("symbol", ""),
		Action:     p.String("action", ""),
		Confidence: p.Int("confidence", 0),
		Details:    detailsFrom(p["details"]),
		Time:       m.now().UTC(),
	}
	to := p.String("to_email", "")
	if err := m.mail(func(ml Mailer) error { return ml.Send(ctx, to, a) }); err != nil {
		m.rt.Logger().Warn("Email alert failed", "symbol", a.Symbol, "error", err)
		return map[string]any{"success": false, "reason": emailReason(err)}, nil
	}
	m.rt.Logger().Info("Email alert sent", "symbol", a.Symbol, "action", a.Action, "confidence", a.Confidence)
	return map[string]any{"success": true, "to_email": to, "symbol": a.Symbol, "action": a.Action}, nil
}

func (m *manager) handleCombinedEmail(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	signals := p.MapList("signals")
	alerts := make([]notify.Alert, 0, len(signals))
	for _, s := range signals {
		alerts = append(alerts, notify.Alert{
			Kind:       notify.KindSignal,
			Symbol:     s.String("symbol", ""),
			Action:     s.String("action", ""),
			Confidence: s.Int("confidence", 0),
			Details:    signalDetails(s),
			Time:       m.now().UTC(),
		})
	}
	to := p.String("to_email", "")
	if err := m.mail(func(ml Mailer) error { return ml.SendCombined(ctx, to, alerts) }); err != nil {
		m.rt.Logger().Warn("Combined email alert failed", "signals", len(alerts), "error", err)
		return map[string]any{"success": false, "reason": emailReason(err)}, nil
	}
	return map[string]any{"success": true, "to_email": to, "signal_count": len(alerts)}, nil
}
