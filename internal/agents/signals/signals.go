// Package signals implements the entry_exit_signal_generator agent, which
// combines technical and macro analysis into a scored trading signal.
package signals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/KafClaw/MarketClaw/internal/agent"
	"github.com/KafClaw/MarketClaw/internal/agents"
	"github.com/KafClaw/MarketClaw/internal/agents/macro"
	"github.com/KafClaw/MarketClaw/internal/agents/technical"
	"github.com/KafClaw/MarketClaw/internal/bus"
)

const (
	ID = "entry_exit_signal_generator"

	TopicSignals = "trading_signals"

	DefaultRequestTimeout = 30 * time.Second
)

const narratorSystem = "You are a precious metals trading analyst. " +
	"Explain the given signal to an investor in three or four plain sentences. " +
	"Do not invent numbers that are not in the input."

// Narrator turns a scored signal into prose.
type Narrator interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

type generator struct {
	rt       *agent.Runtime
	narrator Narrator
	timeout  time.Duration
}

func Metadata() agent.Metadata {
	return agent.Metadata{
		ID:          ID,
		Name:        "Entry/Exit Signal Generator",
		Description: "Generates BUY/SELL signals by combining technical + macro analysis",
		Version:     "1.0.0",
		Category:    "signals",
		Capabilities: []agent.Capability{
			{Name: "generate_signal", Description: "Generate comprehensive trading signal with confidence score", Parameters: map[string]string{
				"symbol":         "str",
				"technical_data": "Dict[str, Any] (optional): gathered from the analyzers when absent",
				"macro_data":     "Dict[str, Any] (optional): gathered from the analyzers when absent",
			}, Returns: "Dict[str, Any]"},
			{Name: "calculate_position_size", Description: "Calculate position size based on confidence and risk profile", Parameters: map[string]string{
				"confidence": "int", "risk_profile": "str",
			}, Returns: "Dict[str, Any]"},
			{Name: "generate_trade_plan", Description: "Generate complete trade plan with entry/exit/stops", Parameters: map[string]string{
				"symbol": "str", "signal": "str", "current_price": "float", "support": "float", "resistance": "float",
			}, Returns: "Dict[str, Any]"},
		},
		PublishesTo: []string{TopicSignals},
		Dependencies: []string{
			technical.MovingAverageID,
			technical.RSIID,
			technical.LevelsID,
			macro.DollarID,
			macro.YieldsID,
		},
	}
}

// New builds the generator. narrator may be nil. A non-positive timeout
// bounds each analyzer request by DefaultRequestTimeout.
func New(b *bus.Bus, narrator Narrator, timeout time.Duration, opts ...agent.Option) (*agent.Runtime, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	g := &generator{narrator: narrator, timeout: timeout}
	rt, err := agent.New(b, Metadata(), agent.Handlers{
		"generate_signal":         g.handleSignal,
		"calculate_position_size": g.handlePositionSize,
		"generate_trade_plan":     g.handleTradePlan,
	}, opts...)
	if err != nil {
		return nil, err
	}
	g.rt = rt
	return rt, nil
}

func (g *generator) handleSignal(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	symbol := p.String("symbol", "")
	if symbol == "" {
		return agent.ErrorPayload("Symbol required"), nil
	}

	tech := p.Map("technical_data")
	if len(tech) == 0 {
		tech = g.gatherTechnical(ctx, symbol)
	}
	mac := p.Map("macro_data")
	if len(mac) == 0 {
		mac = g.gatherMacro(ctx)
	}

	tb := ScoreTechnical(tech)
	mb := ScoreMacro(mac)
	confidence := tb.Score + mb.Score
	action := Action(confidence)
	sizing := PositionSize(confidence, "aggressive")

	var plan any
	if action != "HOLD" {
		price := tech.Map("ma_data").Float("current_price", 0)
		if price > 0 {
			support, resistance := nearestLevels(tech.Map("sr_data"))
			plan = TradePlan(action, price, support, resistance)
		}
	}

	reasoning := make([]any, 0, len(tb.Reasons)+len(mb.Reasons))
	for _, r := range append(tb.Reasons, mb.Reasons...) {
		reasoning = append(reasoning, r)
	}
	out := map[string]any{
		"symbol":            symbol,
		"action":            action,
		"confidence":        confidence,
		"technical_score":   tb.Score,
		"macro_score":       mb.Score,
		"position_size_pct": sizing.Pct,
		"breakdown": map[string]any{
			"technical": tb.payload(),
			"macro":     mb.payload(),
		},
		"trade_plan": plan,
		"reasoning":  reasoning,
		"timestamp":  agents.Timestamp(),
	}
	if text := g.narrate(ctx, symbol, action, confidence, tb, mb); text != "" {
		out["narrative"] = text
	}

	g.rt.Logger().Info("Signal generated", "symbol", symbol, "action", action, "confidence", confidence)
	if err := g.rt.PublishEvent(ctx, TopicSignals, map[string]any{
		"type": "trading_signal", "symbol": symbol, "action": action, "confidence": confidence,
	}); err != nil {
		g.rt.Logger().Warn("Signal not published", "symbol", symbol, "error", err)
	}
	return out, nil
}

// gatherTechnical asks the technical analyzers directly. A failed analyzer
// leaves its section empty, which scores as neutral.
func (g *generator) gatherTechnical(ctx context.Context, symbol string) agent.Params {
	req := map[string]any{"symbol": symbol}
	return agent.Params{
		"ma_data":  g.ask(ctx, technical.MovingAverageID, "calculate_all_mas", req),
		"rsi_data": g.ask(ctx, technical.RSIID, "identify_oversold_overbought", req),
		"sr_data":  g.ask(ctx, technical.LevelsID, "identify_all_levels", req),
	}
}

func (g *generator) gatherMacro(ctx context.Context) agent.Params {
	return agent.Params{
		"dollar_data": g.ask(ctx, macro.DollarID, "assess_dollar_impact", nil),
		"yield_data":  g.ask(ctx, macro.YieldsID, "assess_yield_impact", nil),
	}
}

func (g *generator) ask(ctx context.Context, to, topic string, data map[string]any) map[string]any {
	resp, err := g.rt.RequestFrom(ctx, to, topic, data, g.timeout)
	if err != nil {
		g.rt.Logger().Warn("Analyzer request failed", "agent", to, "action", topic, "error", err)
		return map[string]any{}
	}
	if msg, failed := agent.PayloadError(resp); failed {
		g.rt.Logger().Warn("Analyzer returned error", "agent", to, "action", topic, "error", msg)
		return map[string]any{}
	}
	return resp
}

func (g *generator) narrate(ctx context.Context, symbol, action string, confidence int, tb, mb Breakdown) string {
	if g.narrator == nil {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Symbol: %s\nAction: %s\nConfidence: %d/100\n", symbol, action, confidence)
	fmt.Fprintf(&sb, "Technical score: %d/%d\nMacro score: %d/%d\nReasons:\n", tb.Score, MaxScore, mb.Score, MaxScore)
	for _, r := range append(tb.Reasons, mb.Reasons...) {
		fmt.Fprintf(&sb, "- %s\n", r)
	}
	text, err := g.narrator.Complete(ctx, narratorSystem, sb.String())
	if err != nil {
		g.rt.Logger().Warn("Narrative skipped", "symbol", symbol, "error", err)
		return ""
	}
	return strings.TrimSpace(text)
}

func (g *generator) handlePositionSize(_ context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	confidence := p.Int("confidence", 50)
	profile := p.String("risk_profile", "moderate")
	s := PositionSize(confidence, profile)
	return map[string]any{
		"confidence":        confidence,
		"risk_profile":      profile,
		"position_size_pct": s.Pct,
		"sizing":            s.Label,
		"explanation":       s.Explanation,
	}, nil
}

func (g *generator) handleTradePlan(_ context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	symbol := p.String("symbol", "")
	signal := p.String("signal", "")
	price := p.Float("current_price", 0)
	if symbol == "" || signal == "" || price == 0 {
		return agent.ErrorPayload("Missing required parameters"), nil
	}
	return TradePlan(signal, price, levelPrice(p["support"]), levelPrice(p["resistance"])), nil
}
