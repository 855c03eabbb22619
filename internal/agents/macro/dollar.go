package macro

import (
	"context"
	"fmt"
	"time"

	"github.com/KafClaw/MarketClaw/internal/agent"
	"github.com/KafClaw/MarketClaw/internal/agents"
	"github.com/KafClaw/MarketClaw/internal/bus"
	"github.com/KafClaw/MarketClaw/internal/indicators"
	"github.com/KafClaw/MarketClaw/internal/market"
)

const (
	DollarID     = "dollar_strength_analyzer"
	DollarSymbol = "DX-Y.NYB"
)

var dollarTrendText = map[string]string{
	"STRONG_BULLISH": "Dollar in strong uptrend - significant headwind for gold/silver",
	"BULLISH":        "Dollar trending higher - moderate headwind for precious metals",
	"NEUTRAL":        "Dollar range-bound - not a major factor for metals",
	"BEARISH":        "Dollar trending lower - moderate tailwind for gold/silver",
	"STRONG_BEARISH": "Dollar in strong downtrend - significant tailwind for precious metals",
}

var dollarMomentumText = map[string]string{
	"STRONG_STRENGTHENING": "Dollar gaining strength rapidly - bearish for metals",
	"STRENGTHENING":        "Dollar showing upward momentum - mild bearish for metals",
	"STABLE":               "Dollar momentum neutral",
	"WEAKENING":            "Dollar losing momentum - mild bullish for metals",
	"STRONG_WEAKENING":     "Dollar weakening rapidly - bullish for metals",
}

type dollar struct {
	rt   *agent.Runtime
	bars agents.BarReader
	now  func() time.Time
}

func DollarMetadata() agent.Metadata {
	lookback := map[string]string{"lookback_days": "int"}
	metals := map[string]string{"gold_symbol": "str", "silver_symbol": "str"}
	return agent.Metadata{
		ID:          DollarID,
		Name:        "Dollar Strength Analyzer",
		Description: "Analyzes US Dollar Index strength and impact on precious metals",
		Version:     "1.0.0",
		Category:    "macro",
		Capabilities: []agent.Capability{
			{Name: "analyze_dollar_index", Description: "Get current DXY level and trend analysis", Parameters: lookback, Returns: "Dict[str, Any]"},
			{Name: "calculate_dollar_momentum", Description: "Calculate dollar rate of change over multiple timeframes", Parameters: lookback, Returns: "Dict[str, Any]"},
			{Name: "assess_dollar_impact", Description: "Assess dollar's impact on gold/silver given current levels", Parameters: metals, Returns: "Dict[str, Any]"},
			{Name: "analyze_all_dollar", Description: "Comprehensive dollar strength analysis", Parameters: metals, Returns: "Dict[str, Any]"},
		},
		PublishesTo: []string{TopicUpdates},
	}
}

// NewDollar builds the dollar_strength_analyzer agent.
func NewDollar(b *bus.Bus, bars agents.BarReader, opts ...agent.Option) (*agent.Runtime, error) {
	d := &dollar{bars: bars, now: time.Now}
	rt, err := agent.New(b, DollarMetadata(), agent.Handlers{
		"analyze_dollar_index":      d.handleIndex,
		"calculate_dollar_momentum": d.handleMomentum,
		"assess_dollar_impact":      d.handleImpact,
		"analyze_all_dollar":        d.handleAll,
	}, opts...)
	if err != nil {
		return nil, err
	}
	d.rt = rt
	return rt, nil
}

func (d *dollar) closes(ctx context.Context, lookback, need int) ([]float64, map[string]any) {
	bars, err := recent(ctx, d.bars, DollarSymbol, d.now().UTC(), lookback)
	if err != nil {
		d.rt.Logger().Error("Error fetching dollar data", "error", err)
		return nil, agent.ErrorPayload("%s", err)
	}
	if len(bars) < need {
		return nil, agent.ErrorPayload("Insufficient dollar index data")
	}
	return market.Closes(bars), nil
}

// DollarTrend orders price against its 20, 50 and 200 day averages.
func DollarTrend(price, s20, s50, s200 float64) string {
	switch {
	case price > s20 && s20 > s50 && s50 > s200:
		return "STRONG_BULLISH"
	case price > s200:
		return "BULLISH"
	case price < s20 && s20 < s50 && s50 < s200:
		return "STRONG_BEARISH"
	case price < s200:
		return "BEARISH"
	}
	return "NEUTRAL"
}

func (d *dollar) handleIndex(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	return d.index(ctx, agent.Params(msg.Data).Int("lookback_days", defaultLookbackDays)), nil
}

func (d *dollar) index(ctx context.Context, lookback int) map[string]any {
	closes, fail := d.closes(ctx, lookback, 200)
	if fail != nil {
		return fail
	}
	price := indicators.Last(closes)
	s20 := indicators.Last(indicators.SMA(closes, 20))
	s50 := indicators.Last(indicators.SMA(closes, 50))
	s200 := indicators.Last(indicators.SMA(closes, 200))
	trend := DollarTrend(price, s20, s50, s200)
	return map[string]any{
		"symbol":        DollarSymbol,
		"current_level": agents.R2(price),
		"moving_averages": map[string]any{
			"sma_20":  agents.R2(s20),
			"sma_50":  agents.R2(s50),
			"sma_200": agents.R2(s200),
		},
		"trend":          trend,
		"pct_from_200ma": agents.R2(indicators.PctDistance(price, s200)),
		"interpretation": dollarTrendText[trend],
		"timestamp":      agents.Timestamp(),
	}
}

func score(v, threshold float64) int {
	switch {
	case v > threshold:
		return 1
	case v < -threshold:
		return -1
	}
	return 0
}

// MomentumSignal scores weekly, monthly and quarterly rates of change.
func MomentumSignal(roc1w, roc1m, roc3m float64) string {
	avg := float64(score(roc1w, 0.5)+score(roc1m, 2)+score(roc3m, 5)) / 3
	switch {
	case avg > 0.5:
		return "STRONG_STRENGTHENING"
	case avg > 0:
		return "STRENGTHENING"
	case avg < -0.5:
		return "STRONG_WEAKENING"
	case avg < 0:
		return "WEAKENING"
	}
	return "STABLE"
}

func (d *dollar) handleMomentum(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	return d.momentum(ctx, agent.Params(msg.Data).Int("lookback_days", defaultLookbackDays)), nil
}

func (d *dollar) momentum(ctx context.Context, lookback int) map[string]any {
	closes, fail := d.closes(ctx, lookback, 63)
	if fail != nil {
		return fail
	}
	roc1w := indicators.RateOfChange(closes, 5)
	roc1m := indicators.RateOfChange(closes, 21)
	roc3m := indicators.RateOfChange(closes, 63)
	signal := MomentumSignal(roc1w, roc1m, roc3m)
	return map[string]any{
		"current_level": agents.R2(indicators.Last(closes)),
		"rate_of_change": map[string]any{
			"1_week":   agents.R2(roc1w),
			"1_month":  agents.R2(roc1m),
			"3_months": agents.R2(roc3m),
		},
		"momentum_signal": signal,
		"interpretation":  dollarMomentumText[signal],
		"timestamp":       agents.Timestamp(),
	}
}

// DollarImpact maps dollar trend and momentum to an effect on metals.
func DollarImpact(trend, momentum string) (impact, guidance string) {
	switch trend {
	case "STRONG_BULLISH", "BULLISH":
		if momentum == "STRONG_STRENGTHENING" || momentum == "STRENGTHENING" {
			return "STRONG_BEARISH_FOR_METALS", "Strong dollar headwind - Consider taking profits on gold/silver longs"
		}
		return "BEARISH_FOR_METALS", "Dollar strength may limit upside in precious metals"
	case "STRONG_BEARISH", "BEARISH":
		if momentum == "STRONG_WEAKENING" || momentum == "WEAKENING" {
			return "STRONG_BULLISH_FOR_METALS", "Weak dollar tailwind - Favorable for gold/silver positions"
		}
		return "BULLISH_FOR_METALS", "Dollar weakness supports precious metals"
	}
	return "NEUTRAL_FOR_METALS", "Dollar neutral - Focus on other factors for gold/silver"
}

func (d *dollar) handleImpact(ctx context.Context, _ *bus.Message) (map[string]any, error) {
	return d.impact(ctx), nil
}

func (d *dollar) impact(ctx context.Context) map[string]any {
	index := d.index(ctx, defaultLookbackDays)
	if _, failed := agent.PayloadError(index); failed {
		return index
	}
	mom := d.momentum(ctx, defaultLookbackDays)
	if _, failed := agent.PayloadError(mom); failed {
		return mom
	}
	trend, _ := index["trend"].(string)
	signal, _ := mom["momentum_signal"].(string)
	impact, guidance := DollarImpact(trend, signal)
	return map[string]any{
		"dollar_level":     index["current_level"],
		"dollar_trend":     trend,
		"dollar_momentum":  signal,
		"impact_on_metals": impact,
		"guidance":         guidance,
		"correlation_note": "Dollar and precious metals typically have inverse correlation",
		"timestamp":        agents.Timestamp(),
	}
}

func (d *dollar) handleAll(ctx context.Context, _ *bus.Message) (map[string]any, error) {
	index := d.index(ctx, defaultLookbackDays)
	mom := d.momentum(ctx, defaultLookbackDays)
	impact := d.impact(ctx)
	for _, part := range []map[string]any{index, mom, impact} {
		if _, failed := agent.PayloadError(part); failed {
			return part, nil
		}
	}
	summary := fmt.Sprintf("US Dollar Index at %v, %s trend. Momentum is %s. Overall impact: %s. %s",
		index["current_level"],
		humanize(index["trend"].(string)),
		humanize(mom["momentum_signal"].(string)),
		humanize(impact["impact_on_metals"].(string)),
		impact["guidance"])
	if err := d.rt.PublishEvent(ctx, TopicUpdates, map[string]any{
		"type": "dollar", "impact_on_metals": impact["impact_on_metals"],
	}); err != nil {
		d.rt.Logger().Warn("Macro update not published", "error", err)
	}
	return map[string]any{
		"dollar_index":    index,
		"dollar_momentum": mom,
		"metal_impact":    impact,
		"summary":         summary,
		"timestamp":       agents.Timestamp(),
	}, nil
}
