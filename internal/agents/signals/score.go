package signals

import (
	"fmt"

	"github.com/KafClaw/MarketClaw/internal/agent"
	"github.com/KafClaw/MarketClaw/internal/indicators"
)

// MaxScore caps each half of the confidence score.
const MaxScore = 50

// Breakdown is one half of a scored signal.
type Breakdown struct {
	Score   int
	Details map[string]int
	Reasons []string
}

func (b Breakdown) payload() map[string]any {
	details := make(map[string]any, len(b.Details))
	for k, v := range b.Details {
		details[k] = v
	}
	reasons := make([]any, len(b.Reasons))
	for i, r := range b.Reasons {
		reasons[i] = r
	}
	return map[string]any{
		"score":     b.Score,
		"max_score": MaxScore,
		"details":   details,
		"reasons":   reasons,
	}
}

var trendPoints = map[string]int{
	"STRONG_BULLISH": 15,
	"BULLISH":        10,
	"NEUTRAL":        7,
	"BEARISH":        3,
	"STRONG_BEARISH": 0,
}

var trendReasons = map[string]string{
	"STRONG_BULLISH": "Strong bullish trend (price >> 200-MA)",
	"BULLISH":        "Bullish trend (price > 200-MA)",
	"BEARISH":        "Bearish trend (price < 200-MA)",
	"STRONG_BEARISH": "Strong bearish trend (price << 200-MA)",
}

// HOLD is what OverallSignal reports for mixed readings; it scores as NEUTRAL.
var rsiPoints = map[string]int{
	"STRONG_BUY":  15,
	"BUY":         12,
	"NEUTRAL":     7,
	"HOLD":        7,
	"SELL":        3,
	"STRONG_SELL": 0,
}

var rsiReasons = map[string]string{
	"STRONG_BUY":  "Extremely oversold",
	"BUY":         "Oversold conditions",
	"SELL":        "Overbought conditions",
	"STRONG_SELL": "Extremely overbought",
}

var impactPoints = map[string]int{
	"STRONG_BULLISH_FOR_METALS": 25,
	"BULLISH_FOR_METALS":        20,
	"NEUTRAL_FOR_METALS":        12,
	"BEARISH_FOR_METALS":        5,
	"STRONG_BEARISH_FOR_METALS": 0,
}

// ScoreTechnical scores moving averages (15), RSI (15) and the
// support/resistance position (20). The total is capped at MaxScore.
func ScoreTechnical(technical agent.Params) Breakdown {
	b := Breakdown{Details: map[string]int{}}

	ma := technical.Map("ma_data")
	trend := ma.String("trend_signal", "UNKNOWN")
	if pts, ok := trendPoints[trend]; ok {
		b.Score += pts
		b.Details["ma_score"] = pts
		if r, ok := trendReasons[trend]; ok {
			b.Reasons = append(b.Reasons, r)
		}
	}
	cross := ma.Map("crossovers")
	switch {
	case cross.Bool("golden_cross", false):
		b.Score += 5
		b.Reasons = append(b.Reasons, "Golden cross detected (50/200 MA)")
	case cross.Bool("death_cross", false):
		b.Score = max(0, b.Score-5)
		b.Reasons = append(b.Reasons, "Death cross detected (50/200 MA)")
	}

	rsi := technical.Map("rsi_data")
	signal := rsi.String("overall_signal", "NEUTRAL")
	monthly := rsi.Map("timeframes").Map("monthly").Float("rsi", 50)
	if pts, ok := rsiPoints[signal]; ok {
		b.Score += pts
		b.Details["rsi_score"] = pts
		if r, ok := rsiReasons[signal]; ok {
			b.Reasons = append(b.Reasons, fmt.Sprintf("%s (Monthly RSI: %.1f)", r, monthly))
		}
	}

	sr := technical.Map("sr_data")
	switch Position(sr) {
	case "NEAR_SUPPORT":
		b.Score += 20
		b.Details["sr_score"] = 20
		b.Reasons = append(b.Reasons, "Near strong support - high probability bounce")
	case "NEAR_RESISTANCE":
		b.Details["sr_score"] = 0
		b.Reasons = append(b.Reasons, "Near resistance - potential pullback zone")
	default:
		b.Score += 10
		b.Details["sr_score"] = 10
	}

	b.Score = min(MaxScore, b.Score)
	return b
}

// ScoreMacro scores the dollar (25) and real-yield (25) impacts on metals.
func ScoreMacro(macro agent.Params) Breakdown {
	b := Breakdown{Details: map[string]int{}}

	dollar := impactScore(macro.Map("dollar_data"))
	b.Score += dollar
	b.Details["dollar_score"] = dollar
	switch {
	case dollar >= 20:
		b.Reasons = append(b.Reasons, "Weak dollar supporting metals")
	case dollar <= 5:
		b.Reasons = append(b.Reasons, "Strong dollar headwind")
	}

	yield := impactScore(macro.Map("yield_data"))
	b.Score += yield
	b.Details["yield_score"] = yield
	switch {
	case yield >= 20:
		b.Reasons = append(b.Reasons, "Negative/low real yields favorable")
	case yield <= 5:
		b.Reasons = append(b.Reasons, "High real yields headwind")
	}

	b.Score = min(MaxScore, b.Score)
	return b
}

func impactScore(p agent.Params) int {
	if pts, ok := impactPoints[p.String("impact_on_metals", "")]; ok {
		return pts
	}
	return 12
}

// Position reads the range position from either a flat sr_data
// (current_position) or an identify_all_levels result (proximity.position).
func Position(sr agent.Params) string {
	if pos := sr.String("current_position", ""); pos != "" {
		return pos
	}
	return sr.Map("proximity").String("position", "UNKNOWN")
}

// Action maps a confidence score to a trading action.
func Action(confidence int) string {
	switch {
	case confidence >= 75:
		return "STRONG_BUY"
	case confidence >= 60:
		return "BUY"
	case confidence >= 40:
		return "HOLD"
	case confidence >= 25:
		return "SELL"
	}
	return "STRONG_SELL"
}

// Sizing is a position-size recommendation.
type Sizing struct {
	Pct         int
	Label       string
	Explanation string
}

var sizingText = map[string]string{
	"MAX_POSITION":   "High confidence (%d%%) - Aggressive entry with 25-30%% of capital",
	"LARGE_POSITION": "Good confidence (%d%%) - Enter with 15-20%% of capital",
	"MAINTAIN":       "Neutral zone (%d%%) - Hold existing positions, no new action",
	"REDUCE_HALF":    "Weak signal (%d%%) - Reduce exposure by 50%%",
	"EXIT_ALL":       "Strong sell signal (%d%%) - Exit all positions",
}

// PositionSize recommends a position change for a confidence score. Any
// profile other than "aggressive" sizes moderately and never sells.
func PositionSize(confidence int, profile string) Sizing {
	var s Sizing
	if profile == "aggressive" {
		switch {
		case confidence >= 75:
			s = Sizing{Pct: 25, Label: "MAX_POSITION"}
		case confidence >= 60:
			s = Sizing{Pct: 18, Label: "LARGE_POSITION"}
		case confidence >= 40:
			s = Sizing{Pct: 0, Label: "MAINTAIN"}
		case confidence >= 25:
			s = Sizing{Pct: -50, Label: "REDUCE_HALF"}
		default:
			s = Sizing{Pct: -100, Label: "EXIT_ALL"}
		}
	} else {
		switch {
		case confidence >= 75:
			s = Sizing{Pct: 15, Label: "MODERATE_POSITION"}
		case confidence >= 60:
			s = Sizing{Pct: 10, Label: "SMALL_POSITION"}
		default:
			s = Sizing{Pct: 0, Label: "HOLD"}
		}
	}
	if text, ok := sizingText[s.Label]; ok {
		s.Explanation = fmt.Sprintf(text, confidence)
	} else {
		s.Explanation = "Unknown sizing"
	}
	return s
}

// TradePlan builds entry, stop and targets for buys, or exit and re-entry
// for sells. HOLD yields an empty plan. Non-positive support or resistance
// fall back to fixed percentages of price.
func TradePlan(signal string, price, support, resistance float64) map[string]any {
	r := func(v float64) float64 { return indicators.Round(v, 2) }
	plan := map[string]any{}
	switch signal {
	case "STRONG_BUY", "BUY":
		plan["entry_optimal"] = r(price * 0.98)
		plan["entry_range_low"] = r(price * 0.95)
		plan["entry_range_high"] = r(price * 1.01)

		stop := r(price * 0.90)
		if support > 0 {
			stop = r(support * 0.97)
		}
		tp1, tp2 := r(price*1.10), r(price*1.20)
		if resistance > 0 {
			tp1, tp2 = r(resistance*0.98), r(resistance*1.05)
		}
		plan["stop_loss"] = stop
		plan["take_profit_1"] = tp1
		plan["take_profit_2"] = tp2

		ratio := 0.0
		if risk := price - stop; risk > 0 {
			ratio = (tp1 - price) / risk
		}
		plan["risk_reward_ratio"] = r(ratio)
		plan["strategy"] = "Enter on dips, scale out at targets"
	case "STRONG_SELL", "SELL":
		plan["exit_optimal"] = r(price * 0.99)
		plan["exit_range_low"] = r(price * 0.95)
		plan["exit_range_high"] = r(price * 1.02)
		reentry := r(price * 0.85)
		if support > 0 {
			reentry = r(support * 1.02)
		}
		plan["reentry_target"] = reentry
		plan["strategy"] = "Take profits, wait for pullback to re-enter"
	}
	return plan
}

// levelPrice reads a nearest level that may be a bare number, a level
// mapping with "price", or a proximity entry with "level".
func levelPrice(v any) float64 {
	p := agent.Params{"v": v}
	if f := p.Float("v", 0); f != 0 {
		return f
	}
	m := agent.AsParams(v)
	if m.Has("price") {
		return m.Float("price", 0)
	}
	return m.Map("level").Float("price", 0)
}

// nearestLevels finds support and resistance prices in sr_data.
func nearestLevels(sr agent.Params) (support, resistance float64) {
	support = levelPrice(sr["nearest_support"])
	resistance = levelPrice(sr["nearest_resistance"])
	prox := sr.Map("proximity")
	if support == 0 {
		support = levelPrice(prox["nearest_support"])
	}
	if resistance == 0 {
		resistance = levelPrice(prox["nearest_resistance"])
	}
	return support, resistance
}
