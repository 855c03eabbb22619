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
	YieldsID = "real_yield_analyzer"

	// TreasurySymbol closes are the 10-year yield in percent.
	TreasurySymbol = "^TNX"
	TIPSSymbol     = "TIP"

	baselineInflation = 2.5
	quarterBars       = 63
)

type yields struct {
	rt   *agent.Runtime
	bars agents.BarReader
	now  func() time.Time
}

func YieldsMetadata() agent.Metadata {
	lookback := map[string]string{"lookback_days": "int"}
	metals := map[string]string{"gold_symbol": "str", "silver_symbol": "str"}
	return agent.Metadata{
		ID:          YieldsID,
		Name:        "Real Yield Analyzer",
		Description: "Analyzes real yields and their impact on precious metals",
		Version:     "1.0.0",
		Category:    "macro",
		Capabilities: []agent.Capability{
			{Name: "analyze_nominal_yields", Description: "Get current 10-year treasury yield levels and trends", Parameters: lookback, Returns: "Dict[str, Any]"},
			{Name: "calculate_real_yields", Description: "Calculate real yields (nominal - inflation proxy)", Parameters: lookback, Returns: "Dict[str, Any]"},
			{Name: "assess_yield_impact", Description: "Assess real yields' impact on gold/silver", Parameters: metals, Returns: "Dict[str, Any]"},
			{Name: "analyze_all_yields", Description: "Comprehensive real yield analysis", Parameters: metals, Returns: "Dict[str, Any]"},
		},
		PublishesTo: []string{TopicUpdates},
	}
}

// NewYields builds the real_yield_analyzer agent.
func NewYields(b *bus.Bus, bars agents.BarReader, opts ...agent.Option) (*agent.Runtime, error) {
	y := &yields{bars: bars, now: time.Now}
	rt, err := agent.New(b, YieldsMetadata(), agent.Handlers{
		"analyze_nominal_yields": y.handleNominal,
		"calculate_real_yields":  y.handleReal,
		"assess_yield_impact":    y.handleImpact,
		"analyze_all_yields":     y.handleAll,
	}, opts...)
	if err != nil {
		return nil, err
	}
	y.rt = rt
	return rt, nil
}

func (y *yields) load(ctx context.Context, symbol string, lookback int) ([]market.Bar, error) {
	bars, err := recent(ctx, y.bars, symbol, y.now().UTC(), lookback)
	if err != nil {
		y.rt.Logger().Error("Error fetching yield data", "symbol", symbol, "error", err)
	}
	return bars, err
}

// YieldTrend compares the yield with its 20 and 50 day averages.
func YieldTrend(current, ma20, ma50 float64) string {
	switch {
	case current > ma20 && ma20 > ma50:
		return "RISING"
	case current < ma20 && ma20 < ma50:
		return "FALLING"
	}
	return "STABLE"
}

func nominalText(current float64, trend string) string {
	base := "Very low nominal yields"
	switch {
	case current > 5:
		base = "Very high nominal yields"
	case current > 4:
		base = "Elevated nominal yields"
	case current > 3:
		base = "Moderate nominal yields"
	case current > 2:
		base = "Low nominal yields"
	}
	suffix := map[string]string{"RISING": "and rising", "FALLING": "and falling", "STABLE": "and stable"}[trend]
	return base + " " + suffix
}

func (y *yields) handleNominal(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	return y.nominal(ctx, agent.Params(msg.Data).Int("lookback_days", defaultLookbackDays)), nil
}

func (y *yields) nominal(ctx context.Context, lookback int) map[string]any {
	bars, err := y.load(ctx, TreasurySymbol, lookback)
	if err != nil {
		return agent.ErrorPayload("%s", err)
	}
	if len(bars) < 200 {
		return agent.ErrorPayload("Insufficient treasury yield data")
	}
	closes := market.Closes(bars)
	current := indicators.Last(closes)
	ma20 := indicators.Last(indicators.SMA(closes, 20))
	ma50 := indicators.Last(indicators.SMA(closes, 50))
	ma200 := indicators.Last(indicators.SMA(closes, 200))
	trend := YieldTrend(current, ma20, ma50)

	changeAt := func(n int) any { return agents.R2(current - closes[len(closes)-n]) }
	return map[string]any{
		"symbol":        TreasurySymbol,
		"current_yield": agents.R2(current),
		"moving_averages": map[string]any{
			"ma_20":  agents.R2(ma20),
			"ma_50":  agents.R2(ma50),
			"ma_200": agents.R2(ma200),
		},
		"trend": trend,
		"yield_changes": map[string]any{
			"1_week":   changeAt(5),
			"1_month":  changeAt(21),
			"3_months": changeAt(quarterBars),
		},
		"interpretation": nominalText(current, trend),
		"timestamp":      agents.Timestamp(),
	}
}

// RealYieldLevel buckets a real yield in percent.
func RealYieldLevel(v float64) string {
	switch {
	case v > 2:
		return "VERY_HIGH"
	case v > 1:
		return "HIGH"
	case v > 0:
		return "POSITIVE"
	case v > -1:
		return "SLIGHTLY_NEGATIVE"
	}
	return "VERY_NEGATIVE"
}

var realYieldText = map[string]string{
	"VERY_HIGH":         "Very high real yields - strong bearish for gold/silver (bonds attractive)",
	"HIGH":              "High real yields - bearish for gold/silver (opportunity cost significant)",
	"POSITIVE":          "Positive real yields - mild bearish for precious metals",
	"SLIGHTLY_NEGATIVE": "Slightly negative real yields - mild bullish for gold/silver",
	"VERY_NEGATIVE":     "Very negative real yields - strong bullish for gold/silver (no opportunity cost)",
}

// align keeps the closes of both series on their common dates.
func align(a, b []market.Bar) (xs, ys []float64) {
	byDate := make(map[time.Time]float64, len(b))
	for _, bar := range b {
		byDate[bar.Date] = bar.Close
	}
	for _, bar := range a {
		if v, ok := byDate[bar.Date]; ok {
			xs = append(xs, bar.Close)
			ys = append(ys, v)
		}
	}
	return xs, ys
}

func (y *yields) handleReal(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	return y.real(ctx, agent.Params(msg.Data).Int("lookback_days", defaultLookbackDays)), nil
}

// real estimates inflation as the annualised quarterly TIP return, floored
// at the baseline, and subtracts it from the nominal yield.
func (y *yields) real(ctx context.Context, lookback int) map[string]any {
	tnx, err := y.load(ctx, TreasurySymbol, lookback)
	if err != nil {
		return agent.ErrorPayload("%s", err)
	}
	if len(tnx) < quarterBars {
		return agent.ErrorPayload("Insufficient treasury yield data")
	}
	tip, err := y.load(ctx, TIPSSymbol, lookback)
	if err != nil {
		return agent.ErrorPayload("%s", err)
	}
	if len(tip) < quarterBars {
		return agent.ErrorPayload("Insufficient TIPS data")
	}
	nominals, tips := align(tnx, tip)
	if len(nominals) < quarterBars {
		return agent.ErrorPayload("Insufficient overlapping data")
	}

	nominal := indicators.Last(nominals)
	implied := indicators.RateOfChange(tips, quarterBars) * 4
	inflation := max(implied, baselineInflation)
	realYield := nominal - inflation
	level := RealYieldLevel(realYield)
	return map[string]any{
		"nominal_yield":       agents.R2(nominal),
		"estimated_inflation": agents.R2(inflation),
		"real_yield":          agents.R2(realYield),
		"real_yield_level":    level,
		"interpretation":      realYieldText[level],
		"note":                "Inflation estimated from TIPS ETF performance + baseline",
		"timestamp":           agents.Timestamp(),
	}
}

// YieldImpact maps the real yield level and nominal trend to an effect on
// metals.
func YieldImpact(level, trend string) (impact, guidance string) {
	switch level {
	case "VERY_HIGH", "HIGH":
		if trend == "RISING" {
			return "STRONG_BEARISH_FOR_METALS", "High and rising real yields - strong headwind for gold/silver. Consider reducing positions."
		}
		return "BEARISH_FOR_METALS", "High real yields create opportunity cost for holding non-yielding metals."
	case "POSITIVE":
		return "NEUTRAL_TO_BEARISH_FOR_METALS", "Positive real yields provide moderate alternative to gold/silver."
	case "SLIGHTLY_NEGATIVE":
		return "NEUTRAL_TO_BULLISH_FOR_METALS", "Low real yields reduce opportunity cost of holding precious metals."
	}
	if trend == "FALLING" {
		return "STRONG_BULLISH_FOR_METALS", "Negative and falling real yields - strong tailwind for gold/silver. Favorable environment."
	}
	return "BULLISH_FOR_METALS", "Negative real yields make gold/silver attractive vs bonds."
}

func (y *yields) handleImpact(ctx context.Context, _ *bus.Message) (map[string]any, error) {
	return y.impact(ctx), nil
}

func (y *yields) impact(ctx context.Context) map[string]any {
	nom := y.nominal(ctx, defaultLookbackDays)
	if _, failed := agent.PayloadError(nom); failed {
		return nom
	}
	ry := y.real(ctx, defaultLookbackDays)
	if _, failed := agent.PayloadError(ry); failed {
		return ry
	}
	level, _ := ry["real_yield_level"].(string)
	trend, _ := nom["trend"].(string)
	impact, guidance := YieldImpact(level, trend)
	return map[string]any{
		"nominal_yield":    nom["current_yield"],
		"real_yield":       ry["real_yield"],
		"real_yield_level": level,
		"yield_trend":      trend,
		"impact_on_metals": impact,
		"guidance":         guidance,
		"context":          "Real yields represent opportunity cost of holding gold/silver vs bonds",
		"timestamp":        agents.Timestamp(),
	}
}

func (y *yields) handleAll(ctx context.Context, _ *bus.Message) (map[string]any, error) {
	nom := y.nominal(ctx, defaultLookbackDays)
	ry := y.real(ctx, defaultLookbackDays)
	impact := y.impact(ctx)
	for _, part := range []map[string]any{nom, ry, impact} {
		if _, failed := agent.PayloadError(part); failed {
			return part, nil
		}
	}
	summary := fmt.Sprintf("10-Year Treasury yield at %v%%, estimated inflation %v%%, resulting in real yield of %v%%. Overall impact: %s. %s",
		nom["current_yield"], ry["estimated_inflation"], ry["real_yield"],
		humanize(impact["impact_on_metals"].(string)), impact["guidance"])
	if err := y.rt.PublishEvent(ctx, TopicUpdates, map[string]any{
		"type": "yields", "impact_on_metals": impact["impact_on_metals"],
	}); err != nil {
		y.rt.Logger().Warn("Macro update not published", "error", err)
	}
	return map[string]any{
		"nominal_yields": nom,
		"real_yields":    ry,
		"metal_impact":   impact,
		"summary":        summary,
		"timestamp":      agents.Timestamp(),
	}, nil
}
