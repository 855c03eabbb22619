package technical

import (
	"context"
	"math"

	"github.com/KafClaw/MarketClaw/internal/agent"
	"github.com/KafClaw/MarketClaw/internal/agents"
	"github.com/KafClaw/MarketClaw/internal/bus"
	"github.com/KafClaw/MarketClaw/internal/indicators"
	"github.com/KafClaw/MarketClaw/internal/market"
)

const (
	RSIID = "rsi_analyzer"

	rsiPeriod        = 14
	divergenceWindow = 5
	extremesLookback = 50
)

type rsiAnalyzer struct {
	rt   *agent.Runtime
	bars agents.BarReader
}

func RSIMetadata() agent.Metadata {
	return agent.Metadata{
		ID:          RSIID,
		Name:        "RSI Analyzer",
		Description: "Calculates RSI and identifies divergences for long-term trading",
		Version:     "1.0.0",
		Category:    "technical",
		Capabilities: []agent.Capability{
			{Name: "calculate_rsi", Description: "Calculate RSI for specified period", Parameters: map[string]string{
				"symbol":    "str (required): ETF symbol",
				"period":    "int (optional): RSI period, default 14",
				"timeframe": "str (optional): 'daily', 'weekly', 'monthly', default 'daily'",
			}},
			{Name: "detect_divergence", Description: "Detect bullish/bearish RSI divergences", Parameters: map[string]string{
				"symbol":        "str (required): ETF symbol",
				"lookback_days": "int (optional): Days to analyze, default 60",
			}},
			{Name: "identify_oversold_overbought", Description: "Identify extreme RSI conditions", Parameters: map[string]string{
				"symbol":               "str (required): ETF symbol",
				"oversold_threshold":   "int (optional): Default 30",
				"overbought_threshold": "int (optional): Default 70",
			}},
			{Name: "calculate_all_rsi", Description: "Comprehensive RSI analysis with all timeframes", Parameters: map[string]string{
				"symbol": "str (required): ETF symbol",
			}},
		},
		PublishesTo: []string{TopicUpdates},
	}
}

// NewRSI builds the rsi_analyzer agent.
func NewRSI(b *bus.Bus, bars agents.BarReader, opts ...agent.Option) (*agent.Runtime, error) {
	r := &rsiAnalyzer{bars: bars}
	rt, err := agent.New(b, RSIMetadata(), agent.Handlers{
		"calculate_rsi":                r.handleRSI,
		"detect_divergence":            r.handleDivergence,
		"identify_oversold_overbought": r.handleExtremes,
		"calculate_all_rsi":            r.handleAll,
	}, opts...)
	if err != nil {
		return nil, err
	}
	r.rt = rt
	return rt, nil
}

// rsiWindow is the calendar span covering lookback periods of tf.
func rsiWindow(lookback int, tf indicators.Timeframe) int {
	switch tf {
	case indicators.Monthly:
		return lookback * 30 * 2
	case indicators.Weekly:
		return lookback * 7 * 2
	}
	return int(float64(lookback)*1.5) + 50
}

func (r *rsiAnalyzer) load(ctx context.Context, symbol string, lookback int, tf indicators.Timeframe) ([]market.Bar, error) {
	bars, err := agents.RecentBars(ctx, r.bars, symbol, rsiWindow(lookback, tf))
	if err != nil {
		return nil, err
	}
	if tf == indicators.Daily {
		return bars, nil
	}
	return indicators.Resample(bars, tf), nil
}

func symbolParam(p agent.Params) (string, map[string]any) {
	symbol := market.SanitizeSymbol(p.String("symbol", ""))
	if symbol == "" {
		return "", agent.ErrorPayload("symbol parameter required")
	}
	return symbol, nil
}

func (r *rsiAnalyzer) handleRSI(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	symbol, fail := symbolParam(p)
	if fail != nil {
		return fail, nil
	}
	return r.rsi(ctx, symbol, p.Int("period", rsiPeriod), p.String("timeframe", string(indicators.Daily))), nil
}

func (r *rsiAnalyzer) rsi(ctx context.Context, symbol string, period int, timeframe string) map[string]any {
	tf, ok := indicators.ParseTimeframe(timeframe)
	if !ok {
		return agent.ErrorPayload("Invalid timeframe: %s", timeframe)
	}
	if period < 1 {
		return agent.ErrorPayload("period must be positive")
	}
	bars, err := r.load(ctx, symbol, period*3, tf)
	if err != nil {
		r.rt.Logger().Error("Error calculating RSI", "symbol", symbol, "error", err)
		return agent.ErrorPayload("%s", err)
	}
	if len(bars) < period+1 {
		return agent.ErrorPayload("Insufficient data: need %d periods, got %d", period+1, len(bars))
	}

	closes := market.Closes(bars)
	series := indicators.RSI(closes, period)
	current := indicators.Last(series)
	previous := series[len(series)-2]
	out := map[string]any{
		"symbol":        symbol,
		"timeframe":     string(tf),
		"period":        period,
		"current_rsi":   agents.R2(current),
		"previous_rsi":  nil,
		"rsi_change":    nil,
		"current_price": agents.R2(indicators.Last(closes)),
		"timestamp":     agents.Timestamp(),
	}
	if !math.IsNaN(previous) {
		out["previous_rsi"] = agents.R2(previous)
		out["rsi_change"] = agents.R2(current - previous)
	}
	return out
}

func (r *rsiAnalyzer) handleDivergence(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	symbol, fail := symbolParam(p)
	if fail != nil {
		return fail, nil
	}
	return r.divergence(ctx, symbol, p.Int("lookback_days", 60)), nil
}

// lastTwo returns the final two indices, or false.
func lastTwo(idx []int) (int, int, bool) {
	if len(idx) < 2 {
		return 0, 0, false
	}
	return idx[len(idx)-2], idx[len(idx)-1], true
}

// Divergence reports bullish (price lower low, RSI higher low) and bearish
// (price higher high, RSI lower high) divergence.
func Divergence(closes, rsi []float64) (bullish, bearish bool) {
	pa, pb, ok1 := lastTwo(indicators.Troughs(closes, divergenceWindow))
	ra, rb, ok2 := lastTwo(indicators.Troughs(rsi, divergenceWindow))
	bullish = ok1 && ok2 && closes[pb] < closes[pa] && rsi[rb] > rsi[ra]

	pa, pb, ok1 = lastTwo(indicators.Peaks(closes, divergenceWindow))
	ra, rb, ok2 = lastTwo(indicators.Peaks(rsi, divergenceWindow))
	bearish = ok1 && ok2 && closes[pb] > closes[pa] && rsi[rb] < rsi[ra]
	return bullish, bearish
}

func (r *rsiAnalyzer) divergence(ctx context.Context, symbol string, lookback int) map[string]any {
	bars, err := r.load(ctx, symbol, lookback, indicators.Daily)
	if err != nil {
		r.rt.Logger().Error("Error detecting divergence", "symbol", symbol, "error", err)
		return agent.ErrorPayload("%s", err)
	}
	if len(bars) < 30 {
		return agent.ErrorPayload("Insufficient data: need 30+ days, got %d", len(bars))
	}
	closes := market.Closes(bars)
	series := indicators.RSI(closes, rsiPeriod)
	bullish, bearish := Divergence(closes, series)

	signal := "NEUTRAL"
	switch {
	case bullish:
		signal = "BULLISH"
	case bearish:
		signal = "BEARISH"
	}
	return map[string]any{
		"symbol":             symbol,
		"lookback_days":      lookback,
		"bullish_divergence": bullish,
		"bearish_divergence": bearish,
		"current_rsi":        agents.R2(indicators.Last(series)),
		"current_price":      agents.R2(indicators.Last(closes)),
		"signal":             signal,
		"timestamp":          agents.Timestamp(),
	}
}

func (r *rsiAnalyzer) handleExtremes(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	symbol, fail := symbolParam(p)
	if fail != nil {
		return fail, nil
	}
	return r.extremes(ctx, symbol, p.Float("oversold_threshold", 30), p.Float("overbought_threshold", 70)), nil
}

// OverallSignal combines per-timeframe RSI conditions.
func OverallSignal(conditions []string) string {
	var oversold, overbought int
	for _, c := range conditions {
		switch c {
		case "OVERSOLD":
			oversold++
		case "OVERBOUGHT":
			overbought++
		}
	}
	switch {
	case oversold >= 2:
		return "STRONG_BUY"
	case oversold > 0:
		return "BUY"
	case overbought >= 2:
		return "STRONG_SELL"
	case overbought > 0:
		return "SELL"
	}
	return "HOLD"
}

func (r *rsiAnalyzer) extremes(ctx context.Context, symbol string, oversold, overbought float64) map[string]any {
	results := map[string]any{}
	var conditions []string
	for _, tf := range []indicators.Timeframe{indicators.Daily, indicators.Weekly, indicators.Monthly} {
		bars, err := r.load(ctx, symbol, extremesLookback, tf)
		if err != nil {
			r.rt.Logger().Error("Error identifying oversold/overbought", "symbol", symbol, "error", err)
			return agent.ErrorPayload("%s", err)
		}
		if len(bars) < rsiPeriod+1 {
			continue
		}
		current := indicators.Last(indicators.RSI(market.Closes(bars), rsiPeriod))
		condition := "NEUTRAL"
		switch {
		case current < oversold:
			condition = "OVERSOLD"
		case current > overbought:
			condition = "OVERBOUGHT"
		}
		conditions = append(conditions, condition)
		results[string(tf)] = map[string]any{"rsi": agents.R2(current), "condition": condition}
	}
	return map[string]any{
		"symbol":         symbol,
		"thresholds":     map[string]any{"oversold": oversold, "overbought": overbought},
		"timeframes":     results,
		"overall_signal": OverallSignal(conditions),
		"timestamp":      agents.Timestamp(),
	}
}

func (r *rsiAnalyzer) handleAll(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	symbol, fail := symbolParam(agent.Params(msg.Data))
	if fail != nil {
		return fail, nil
	}
	out := map[string]any{
		"symbol":     symbol,
		"daily":      r.rsi(ctx, symbol, rsiPeriod, string(indicators.Daily)),
		"weekly":     r.rsi(ctx, symbol, rsiPeriod, string(indicators.Weekly)),
		"monthly":    r.rsi(ctx, symbol, rsiPeriod, string(indicators.Monthly)),
		"divergence": r.divergence(ctx, symbol, 60),
		"extremes":   r.extremes(ctx, symbol, 30, 70),
		"timestamp":  agents.Timestamp(),
	}
	if err := r.rt.PublishEvent(ctx, TopicUpdates, map[string]any{
		"type":   "rsi",
		"symbol": symbol,
		"signal": agent.AsParams(out["extremes"]).String("overall_signal", ""),
	}); err != nil {
		r.rt.Logger().Warn("Technical update not published", "symbol", symbol, "error", err)
	}
	return out, nil
}
