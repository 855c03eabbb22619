// Package technical implements the moving average, RSI and support and
// resistance agents over stored daily bars.
package technical

import (
	"context"
	"math"
	"time"

	"github.com/KafClaw/MarketClaw/internal/agent"
	"github.com/KafClaw/MarketClaw/internal/agents"
	"github.com/KafClaw/MarketClaw/internal/bus"
	"github.com/KafClaw/MarketClaw/internal/indicators"
	"github.com/KafClaw/MarketClaw/internal/market"
)

const (
	MovingAverageID = "moving_average_calculator"

	TopicUpdates = "technical_analysis_updates"

	crossoverRecencyDays = 10
)

type movingAverages struct {
	rt   *agent.Runtime
	bars agents.BarReader
}

func MovingAverageMetadata() agent.Metadata {
	periodic := map[string]string{"symbol": "str", "period": "int", "lookback_days": "int"}
	return agent.Metadata{
		ID:          MovingAverageID,
		Name:        "Moving Average Calculator",
		Description: "Calculates moving averages and detects crossovers",
		Version:     "1.0.0",
		Category:    "technical",
		Capabilities: []agent.Capability{
			{Name: "calculate_sma", Description: "Calculate Simple Moving Average", Parameters: periodic},
			{Name: "calculate_ema", Description: "Calculate Exponential Moving Average", Parameters: periodic},
			{Name: "detect_crossover", Description: "Detect MA crossovers", Parameters: map[string]string{"symbol": "str", "fast_period": "int", "slow_period": "int", "ma_type": "str"}},
			{Name: "calculate_all_mas", Description: "Calculate all MAs at once", Parameters: map[string]string{"symbol": "str"}},
		},
		PublishesTo: []string{TopicUpdates},
	}
}

// NewMovingAverage builds the moving_average_calculator agent.
func NewMovingAverage(b *bus.Bus, bars agents.BarReader, opts ...agent.Option) (*agent.Runtime, error) {
	m := &movingAverages{bars: bars}
	rt, err := agent.New(b, MovingAverageMetadata(), agent.Handlers{
		"calculate_sma":     m.sma,
		"calculate_ema":     m.ema,
		"detect_crossover":  m.crossover,
		"calculate_all_mas": m.all,
	}, opts...)
	if err != nil {
		return nil, err
	}
	m.rt = rt
	return rt, nil
}

// maWindow converts trading-day lookback into a calendar-day window.
func maWindow(lookback int) int {
	return int(float64(lookback)*1.5) + 100
}

func (m *movingAverages) load(ctx context.Context, p agent.Params, lookback int) (string, []market.Bar, map[string]any) {
	symbol := market.SanitizeSymbol(p.String("symbol", ""))
	if symbol == "" {
		return "", nil, agent.ErrorPayload("Symbol is required")
	}
	bars, err := agents.RecentBars(ctx, m.bars, symbol, maWindow(lookback))
	if err != nil {
		m.rt.Logger().Error("Error fetching historical data", "symbol", symbol, "error", err)
		return symbol, nil, agent.ErrorPayload("%s", err)
	}
	return symbol, bars, nil
}

func (m *movingAverages) sma(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	return m.single(ctx, agent.Params(msg.Data), "sma", 200, 300, indicators.SMA), nil
}

func (m *movingAverages) ema(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	return m.single(ctx, agent.Params(msg.Data), "ema", 12, 200, indicators.EMA), nil
}

func (m *movingAverages) single(ctx context.Context, p agent.Params, kind string, defPeriod, defLookback int, calc func([]float64, int) []float64) map[string]any {
	period := p.Int("period", defPeriod)
	if period < 1 {
		return agent.ErrorPayload("period must be positive")
	}
	symbol, bars, fail := m.load(ctx, p, p.Int("lookback_days", defLookback))
	if fail != nil {
		return fail
	}
	if len(bars) < period {
		return agent.ErrorPayload("Insufficient data: need %d days, got %d", period, len(bars))
	}
	closes := market.Closes(bars)
	price := indicators.Last(closes)
	value := indicators.Last(calc(closes, period))
	return map[string]any{
		"symbol":              symbol,
		"period":              period,
		"current_price":       agents.R2(price),
		"current_" + kind:     agents.R2(value),
		"price_above_" + kind: price > value,
		"distance_pct":        agents.R2(indicators.PctDistance(price, value)),
		"timestamp":           agents.Timestamp(),
	}
}

func daysBetween(a, b time.Time) int {
	return int(math.Round(b.Sub(a).Hours() / 24))
}

func (m *movingAverages) crossover(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	fast := p.Int("fast_period", 50)
	slow := p.Int("slow_period", 200)
	if fast < 1 || slow < 1 {
		return agent.ErrorPayload("periods must be positive"), nil
	}
	maType := p.String("ma_type", "sma")
	symbol, bars, fail := m.load(ctx, p, p.Int("lookback_days", 400))
	if fail != nil {
		return fail, nil
	}
	if len(bars) < slow {
		return agent.ErrorPayload("Insufficient data: need %d days, got %d", slow, len(bars)), nil
	}

	calc := indicators.SMA
	if maType != "sma" {
		calc = indicators.EMA
	}
	closes := market.Closes(bars)
	fastMA, slowMA := calc(closes, fast), calc(closes, slow)

	detected := false
	kind := "none"
	var date any
	if c, ok := indicators.LastCrossover(fastMA, slowMA); ok {
		at := bars[c.Index].Date
		date = at.Format(time.DateOnly)
		if daysBetween(at, bars[len(bars)-1].Date) <= crossoverRecencyDays {
			detected = true
			kind = "bearish"
			if c.Bullish {
				kind = "bullish"
			}
		}
	}
	classic := fast == 50 && slow == 200
	f, s := indicators.Last(fastMA), indicators.Last(slowMA)
	return map[string]any{
		"symbol":             symbol,
		"current_price":      agents.R2(indicators.Last(closes)),
		"fast_ma":            agents.R2(f),
		"slow_ma":            agents.R2(s),
		"fast_above_slow":    f > s,
		"crossover_detected": detected,
		"crossover_type":     kind,
		"crossover_date":     date,
		"golden_cross":       detected && kind == "bullish" && classic,
		"death_cross":        detected && kind == "bearish" && classic,
		"timestamp":          agents.Timestamp(),
	}, nil
}

// Trend classifies price against the 20, 50 and 200 day averages.
func Trend(above20, above50, above200 bool) string {
	switch {
	case above20 && above50 && above200:
		return "STRONG_BULLISH"
	case above50 && above200:
		return "BULLISH"
	case !above50 && !above200:
		return "BEARISH"
	case !above20 && !above50:
		return "STRONG_BEARISH"
	}
	return "NEUTRAL"
}

func (m *movingAverages) all(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	symbol, bars, fail := m.load(ctx, p, p.Int("lookback_days", 400))
	if fail != nil {
		return fail, nil
	}
	if len(bars) < 200 {
		return agent.ErrorPayload("Insufficient data: need 200 days, got %d", len(bars)), nil
	}

	closes := market.Closes(bars)
	price := indicators.Last(closes)
	sma20 := indicators.SMA(closes, 20)
	sma50 := indicators.SMA(closes, 50)
	sma200 := indicators.SMA(closes, 200)
	s20, s50, s200 := indicators.Last(sma20), indicators.Last(sma50), indicators.Last(sma200)

	golden, death := false, false
	if c, ok := indicators.LastCrossover(sma50, sma200); ok &&
		daysBetween(bars[c.Index].Date, bars[len(bars)-1].Date) <= crossoverRecencyDays {
		golden, death = c.Bullish, !c.Bullish
	}

	above20, above50, above200 := price > s20, price > s50, price > s200
	out := map[string]any{
		"symbol":        symbol,
		"current_price": agents.R2(price),
		"ma_values": map[string]any{
			"sma_20":  agents.R2(s20),
			"sma_50":  agents.R2(s50),
			"sma_100": agents.R2(indicators.Last(indicators.SMA(closes, 100))),
			"sma_200": agents.R2(s200),
			"ema_12":  agents.R2(indicators.Last(indicators.EMA(closes, 12))),
			"ema_26":  agents.R2(indicators.Last(indicators.EMA(closes, 26))),
		},
		"price_position": map[string]any{
			"above_20":  above20,
			"above_50":  above50,
			"above_200": above200,
		},
		"crossovers": map[string]any{
			"golden_cross": golden,
			"death_cross":  death,
		},
		"trend_signal":          Trend(above20, above50, above200),
		"distance_from_200_pct": agents.R2(indicators.PctDistance(price, s200)),
		"timestamp":             agents.Timestamp(),
	}
	if err := m.rt.PublishEvent(ctx, TopicUpdates, map[string]any{
		"type": "moving_averages", "symbol": symbol, "trend_signal": out["trend_signal"],
	}); err != nil {
		m.rt.Logger().Warn("Technical update not published", "symbol", symbol, "error", err)
	}
	return out, nil
}
