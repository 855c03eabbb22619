package technical

import (
	"context"

	"github.com/KafClaw/MarketClaw/internal/agent"
	"github.com/KafClaw/MarketClaw/internal/agents"
	"github.com/KafClaw/MarketClaw/internal/bus"
	"github.com/KafClaw/MarketClaw/internal/indicators"
)

const (
	LevelsID = "support_resistance_identifier"

	levelMethod   = "pivot_points + local_extrema + psychological"
	levelsShown   = 5
	levelsMinBars = 20
)

type levelFinder struct {
	rt   *agent.Runtime
	bars agents.BarReader
}

func LevelsMetadata() agent.Metadata {
	find := map[string]string{
		"symbol":        "str (required): ETF symbol",
		"lookback_days": "int (optional): Days to analyze, default 90",
		"min_touches":   "int (optional): Minimum touches to confirm level, default 2",
	}
	return agent.Metadata{
		ID:          LevelsID,
		Name:        "Support/Resistance Identifier",
		Description: "Identifies major support and resistance levels for long-term trading",
		Version:     "1.0.0",
		Category:    "technical",
		Capabilities: []agent.Capability{
			{Name: "identify_support_levels", Description: "Find major support levels", Parameters: find},
			{Name: "identify_resistance_levels", Description: "Find major resistance levels", Parameters: find},
			{Name: "calculate_proximity", Description: "Calculate distance to nearest S/R levels", Parameters: map[string]string{"symbol": "str (required): ETF symbol"}},
			{Name: "identify_all_levels", Description: "Comprehensive S/R analysis", Parameters: map[string]string{"symbol": "str (required): ETF symbol", "lookback_days": "int (optional)"}},
		},
		PublishesTo: []string{TopicUpdates},
	}
}

// NewLevels builds the support_resistance_identifier agent.
func NewLevels(b *bus.Bus, bars agents.BarReader, opts ...agent.Option) (*agent.Runtime, error) {
	l := &levelFinder{bars: bars}
	rt, err := agent.New(b, LevelsMetadata(), agent.Handlers{
		"identify_support_levels":    l.handleSupport,
		"identify_resistance_levels": l.handleResistance,
		"calculate_proximity":        l.handleProximity,
		"identify_all_levels":        l.handleAll,
	}, opts...)
	if err != nil {
		return nil, err
	}
	l.rt = rt
	return rt, nil
}

func levelMap(l *indicators.Level) any {
	if l == nil {
		return nil
	}
	return map[string]any{
		"price":    l.Price,
		"strength": l.Strength,
		"type":     l.Type,
		"sources":  l.Sources,
	}
}

func levelMaps(levels []indicators.Level) []any {
	out := make([]any, len(levels))
	for i := range levels {
		out[i] = levelMap(&levels[i])
	}
	return out
}

// levelResult carries the typed outcome alongside its payload.
type levelResult struct {
	payload map[string]any
	price   float64
	nearest *indicators.Level
	failed  bool
}

func (l *levelFinder) find(ctx context.Context, symbol string, kind indicators.LevelKind, lookback, minTouches int) levelResult {
	bars, err := agents.RecentBars(ctx, l.bars, symbol, maWindow(lookback))
	if err != nil {
		l.rt.Logger().Error("Error identifying levels", "symbol", symbol, "error", err)
		return levelResult{payload: agent.ErrorPayload("%s", err), failed: true}
	}
	if len(bars) < levelsMinBars {
		return levelResult{payload: agent.ErrorPayload("Insufficient data: need 20+ days, got %d", len(bars)), failed: true}
	}

	levels := indicators.FindLevels(bars, kind, minTouches)
	price := bars[len(bars)-1].Close
	shown := levels[:min(levelsShown, len(levels))]

	res := levelResult{price: price}
	out := map[string]any{
		"symbol":        symbol,
		"current_price": agents.R2(price),
		"method":        levelMethod,
		"timestamp":     agents.Timestamp(),
	}
	if kind == indicators.Support {
		res.nearest = indicators.NearestBelow(levels, price)
		out["support_levels"] = levelMaps(shown)
		out["nearest_support"] = levelMap(res.nearest)
	} else {
		res.nearest = indicators.NearestAbove(levels, price)
		out["resistance_levels"] = levelMaps(shown)
		out["nearest_resistance"] = levelMap(res.nearest)
	}
	res.payload = out
	return res
}

func findParams(p agent.Params) (int, int) {
	return p.Int("lookback_days", 90), p.Int("min_touches", 2)
}

func (l *levelFinder) handleSupport(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	symbol, fail := symbolParam(p)
	if fail != nil {
		return fail, nil
	}
	lookback, touches := findParams(p)
	return l.find(ctx, symbol, indicators.Support, lookback, touches).payload, nil
}

func (l *levelFinder) handleResistance(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	symbol, fail := symbolParam(p)
	if fail != nil {
		return fail, nil
	}
	lookback, touches := findParams(p)
	return l.find(ctx, symbol, indicators.Resistance, lookback, touches).payload, nil
}

// Position places price within the nearest support-resistance range.
func Position(supportDistance, resistanceDistance float64) string {
	if supportDistance <= 0 || resistanceDistance <= 0 {
		return "NEUTRAL"
	}
	ratio := supportDistance / (supportDistance + resistanceDistance)
	switch {
	case ratio < 0.25:
		return "NEAR_SUPPORT"
	case ratio > 0.75:
		return "NEAR_RESISTANCE"
	}
	return "MID_RANGE"
}

func (l *levelFinder) handleProximity(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	symbol, fail := symbolParam(agent.Params(msg.Data))
	if fail != nil {
		return fail, nil
	}
	return l.proximity(ctx, symbol), nil
}

func (l *levelFinder) proximity(ctx context.Context, symbol string) map[string]any {
	sup := l.find(ctx, symbol, indicators.Support, 90, 2)
	res := l.find(ctx, symbol, indicators.Resistance, 90, 2)
	if sup.failed || res.failed {
		return agent.ErrorPayload("Failed to identify S/R levels")
	}

	price := sup.price
	var supDist, resDist float64
	support := map[string]any{"level": levelMap(sup.nearest), "distance": nil, "distance_pct": nil}
	if sup.nearest != nil {
		supDist = price - sup.nearest.Price
		support["distance"] = agents.R2(supDist)
		support["distance_pct"] = agents.R2(supDist / price * 100)
	}
	resistance := map[string]any{"level": levelMap(res.nearest), "distance": nil, "distance_pct": nil}
	if res.nearest != nil {
		resDist = res.nearest.Price - price
		resistance["distance"] = agents.R2(resDist)
		resistance["distance_pct"] = agents.R2(resDist / price * 100)
	}
	return map[string]any{
		"symbol":             symbol,
		"current_price":      agents.R2(price),
		"nearest_support":    support,
		"nearest_resistance": resistance,
		"position":           Position(supDist, resDist),
		"timestamp":          agents.Timestamp(),
	}
}

// ZoneSignal maps a range position to a trading zone.
func ZoneSignal(position string) string {
	switch position {
	case "NEAR_SUPPORT":
		return "BUY_ZONE"
	case "NEAR_RESISTANCE":
		return "SELL_ZONE"
	}
	return "HOLD"
}

func (l *levelFinder) handleAll(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	symbol, fail := symbolParam(p)
	if fail != nil {
		return fail, nil
	}
	lookback := p.Int("lookback_days", 90)

	sup := l.find(ctx, symbol, indicators.Support, lookback, 2)
	if sup.failed {
		return sup.payload, nil
	}
	res := l.find(ctx, symbol, indicators.Resistance, lookback, 2)
	if res.failed {
		return res.payload, nil
	}
	prox := l.proximity(ctx, symbol)
	position := agent.Params(prox).String("position", "NEUTRAL")

	out := map[string]any{
		"symbol":         symbol,
		"current_price":  sup.payload["current_price"],
		"support":        sup.payload,
		"resistance":     res.payload,
		"proximity":      prox,
		"trading_signal": ZoneSignal(position),
		"timestamp":      agents.Timestamp(),
	}
	if err := l.rt.PublishEvent(ctx, TopicUpdates, map[string]any{
		"type": "support_resistance", "symbol": symbol, "trading_signal": out["trading_signal"],
	}); err != nil {
		l.rt.Logger().Warn("Technical update not published", "symbol", symbol, "error", err)
	}
	return out, nil
}
