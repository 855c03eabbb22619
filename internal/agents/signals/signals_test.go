package signals

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/MarketClaw/internal/agent"
	"github.com/KafClaw/MarketClaw/internal/agents/macro"
	"github.com/KafClaw/MarketClaw/internal/agents/technical"
	"github.com/KafClaw/MarketClaw/internal/bus"
	"github.com/KafClaw/MarketClaw/internal/logging"
)

type fakeNarrator struct {
	text   string
	err    error
	prompt string
}

func (f *fakeNarrator) Complete(_ context.Context, _, prompt string) (string, error) {
	f.prompt = prompt
	return f.text, f.err
}

func start(t *testing.T, n Narrator) *bus.Bus {
	t.Helper()
	b := bus.New(bus.DefaultConfig(), logging.Discard())
	rt, err := New(b, n, 100*time.Millisecond, agent.WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })
	return b
}

// stub registers an agent answering one action with a canned payload.
func stub(t *testing.T, b *bus.Bus, id, action string, payload map[string]any) {
	t.Helper()
	rt, err := agent.New(b, agent.Metadata{ID: id, Capabilities: []agent.Capability{{Name: action}}}, agent.Handlers{
		action: func(context.Context, *bus.Message) (map[string]any, error) { return payload, nil },
	}, agent.WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })
}

func call(t *testing.T, b *bus.Bus, topic string, data map[string]any) agent.Params {
	t.Helper()
	resp, err := b.Request(context.Background(), "tester", ID, topic, data, 2*time.Second)
	require.NoError(t, err)
	return agent.Params(resp.Data)
}

func TestGenerateSignalStrongBuy(t *testing.T) {
	b := start(t, nil)
	out := call(t, b, "generate_signal", map[string]any{
		"symbol": "GLD",
		"technical_data": map[string]any{
			"ma_data": map[string]any{
				"current_price": 100.0,
				"trend_signal":  "STRONG_BULLISH",
				"crossovers":    map[string]any{"golden_cross": true},
			},
			"rsi_data": map[string]any{"overall_signal": "BUY"},
			"sr_data": map[string]any{
				"current_position":   "NEAR_SUPPORT",
				"nearest_support":    90.0,
				"nearest_resistance": map[string]any{"price": 120.0},
			},
		},
		"macro_data": map[string]any{
			"dollar_data": map[string]any{"impact_on_metals": "STRONG_BULLISH_FOR_METALS"},
			"yield_data":  map[string]any{"impact_on_metals": "BULLISH_FOR_METALS"},
		},
	})

	assert.Equal(t, 50, out.Int("technical_score", -1), "capped")
	assert.Equal(t, 45, out.Int("macro_score", -1))
	assert.Equal(t, 95, out.Int("confidence", -1))
	assert.Equal(t, "STRONG_BUY", out.String("action", ""))
	assert.Equal(t, 25, out.Int("position_size_pct", 0))
	assert.False(t, out.Has("narrative"))

	plan := out.Map("trade_plan")
	assert.Equal(t, 98.0, plan.Float("entry_optimal", 0))
	assert.Equal(t, 87.3, plan.Float("stop_loss", 0))
	assert.Equal(t, 117.6, plan.Float("take_profit_1", 0))
	assert.Equal(t, 126.0, plan.Float("take_profit_2", 0))
	assert.Equal(t, 1.39, plan.Float("risk_reward_ratio", 0))

	tech := out.Map("breakdown").Map("technical")
	assert.Equal(t, 50, tech.Int("max_score", 0))
	assert.Equal(t, 20, tech.Map("details").Int("sr_score", 0))
	assert.Contains(t, out.Strings("reasoning"), "Golden cross detected (50/200 MA)")

	published := b.History(TopicSignals, ID, 1)
	require.Len(t, published, 1)
	assert.Equal(t, "STRONG_BUY", published[0].Data["action"])
}

func TestGenerateSignalSell(t *testing.T) {
	b := start(t, nil)
	out := call(t, b, "generate_signal", map[string]any{
		"symbol": "GLD",
		"technical_data": map[string]any{
			"ma_data": map[string]any{"current_price": 423.33, "trend_signal": "STRONG_BULLISH"},
			"rsi_data": map[string]any{
				"overall_signal": "STRONG_SELL",
				"timeframes":     map[string]any{"monthly": map[string]any{"rsi": 96.39}},
			},
			"sr_data": map[string]any{},
		},
		"macro_data": map[string]any{
			"dollar_data": map[string]any{"impact_on_metals": "STRONG_BEARISH_FOR_METALS"},
			"yield_data":  map[string]any{"impact_on_metals": "BEARISH_FOR_METALS"},
		},
	})

	assert.Equal(t, 25, out.Int("technical_score", -1))
	assert.Equal(t, 5, out.Int("macro_score", -1))
	assert.Equal(t, "SELL", out.String("action", ""))
	assert.Equal(t, -50, out.Int("position_size_pct", 0))

	reasons := out.Strings("reasoning")
	assert.Contains(t, reasons, "Extremely overbought (Monthly RSI: 96.4)")
	assert.Contains(t, reasons, "Strong dollar headwind")
	assert.Contains(t, reasons, "High real yields headwind")

	plan := out.Map("trade_plan")
	assert.Equal(t, 419.1, plan.Float("exit_optimal", 0))
	assert.Equal(t, 359.83, plan.Float("reentry_target", 0))
	assert.Equal(t, "Take profits, wait for pullback to re-enter", plan.String("strategy", ""))
}

func TestGenerateSignalGathersFromAnalyzers(t *testing.T) {
	b := start(t, nil)
	stub(t, b, technical.MovingAverageID, "calculate_all_mas", map[string]any{
		"current_price": 100.0, "trend_signal": "BULLISH",
	})
	stub(t, b, technical.LevelsID, "identify_all_levels", map[string]any{
		"proximity": map[string]any{
			"position":        "NEAR_SUPPORT",
			"nearest_support": map[string]any{"level": map[string]any{"price": 95.0}},
		},
	})
	stub(t, b, macro.DollarID, "assess_dollar_impact", map[string]any{"error": "Insufficient data"})
	stub(t, b, macro.YieldsID, "assess_yield_impact", map[string]any{"impact_on_metals": "NEUTRAL_FOR_METALS"})
	// rsi_analyzer is absent; its request times out and scores neutral.

	out := call(t, b, "generate_signal", map[string]any{"symbol": "GLD"})
	assert.Equal(t, 37, out.Int("technical_score", -1))
	assert.Equal(t, 24, out.Int("macro_score", -1))
	assert.Equal(t, "BUY", out.String("action", ""))

	plan := out.Map("trade_plan")
	assert.Equal(t, 92.15, plan.Float("stop_loss", 0))
	assert.Equal(t, 110.0, plan.Float("take_profit_1", 0))
}

func TestGenerateSignalHoldHasNoPlan(t *testing.T) {
	b := start(t, nil)
	out := call(t, b, "generate_signal", map[string]any{
		"symbol":         "SLV",
		"technical_data": map[string]any{"ma_data": map[string]any{"current_price": 30.0, "trend_signal": "NEUTRAL"}, "rsi_data": map[string]any{"overall_signal": "HOLD"}},
		"macro_data":     map[string]any{"dollar_data": map[string]any{}, "yield_data": map[string]any{}},
	})
	assert.Equal(t, 48, out.Int("confidence", -1))
	assert.Equal(t, "HOLD", out.String("action", ""))
	assert.Nil(t, out["trade_plan"])
}

func TestGenerateSignalRequiresSymbol(t *testing.T) {
	b := start(t, nil)
	out := call(t, b, "generate_signal", map[string]any{})
	assert.Equal(t, "Symbol required", out.String("error", ""))
}

func TestNarrative(t *testing.T) {
	data := map[string]any{
		"symbol":         "GLD",
		"technical_data": map[string]any{"ma_data": map[string]any{"trend_signal": "BULLISH"}},
		"macro_data":     map[string]any{"dollar_data": map[string]any{}},
	}

	n := &fakeNarrator{text: "  Gold looks constructive.  "}
	out := call(t, start(t, n), "generate_signal", data)
	assert.Equal(t, "Gold looks constructive.", out.String("narrative", ""))
	assert.Contains(t, n.prompt, "Symbol: GLD")
	assert.Contains(t, n.prompt, "Bullish trend (price > 200-MA)")

	failing := &fakeNarrator{err: errors.New("rate limited")}
	out = call(t, start(t, failing), "generate_signal", data)
	assert.False(t, out.Has("narrative"))
	assert.False(t, out.Has("error"))
}

func TestCalculatePositionSize(t *testing.T) {
	b := start(t, nil)
	out := call(t, b, "calculate_position_size", map[string]any{"confidence": 80, "risk_profile": "aggressive"})
	assert.Equal(t, "MAX_POSITION", out.String("sizing", ""))
	assert.Equal(t, "High confidence (80%) - Aggressive entry with 25-30% of capital", out.String("explanation", ""))

	out = call(t, b, "calculate_position_size", map[string]any{"confidence": 65})
	assert.Equal(t, "moderate", out.String("risk_profile", ""))
	assert.Equal(t, 10, out.Int("position_size_pct", 0))
	assert.Equal(t, "SMALL_POSITION", out.String("sizing", ""))
}

func TestPositionSizeBands(t *testing.T) {
	cases := []struct {
		confidence int
		pct        int
		label      string
	}{
		{75, 25, "MAX_POSITION"},
		{60, 18, "LARGE_POSITION"},
		{40, 0, "MAINTAIN"},
		{25, -50, "REDUCE_HALF"},
		{24, -100, "EXIT_ALL"},
	}
	for _, tc := range cases {
		s := PositionSize(tc.confidence, "aggressive")
		assert.Equal(t, tc.pct, s.Pct, tc.label)
		assert.Equal(t, tc.label, s.Label)
	}
	assert.Equal(t, "HOLD", PositionSize(10, "moderate").Label)
	assert.Equal(t, "Unknown sizing", PositionSize(10, "moderate").Explanation)
}

func TestAction(t *testing.T) {
	assert.Equal(t, "STRONG_BUY", Action(75))
	assert.Equal(t, "BUY", Action(74))
	assert.Equal(t, "HOLD", Action(40))
	assert.Equal(t, "SELL", Action(39))
	assert.Equal(t, "STRONG_SELL", Action(0))
}

func TestDeathCrossFloorsAtZero(t *testing.T) {
	b := ScoreTechnical(agent.Params{
		"ma_data": map[string]any{"trend_signal": "STRONG_BEARISH", "crossovers": map[string]any{"death_cross": true}},
		"sr_data": map[string]any{"current_position": "NEAR_RESISTANCE"},
		"rsi_data": map[string]any{"overall_signal": "STRONG_SELL"},
	})
	assert.Zero(t, b.Score)
	assert.Len(t, b.Reasons, 4)
}

func TestGenerateTradePlan(t *testing.T) {
	b := start(t, nil)
	out := call(t, b, "generate_trade_plan", map[string]any{"symbol": "GLD", "signal": "BUY"})
	assert.Equal(t, "Missing required parameters", out.String("error", ""))

	out = call(t, b, "generate_trade_plan", map[string]any{
		"symbol": "GLD", "signal": "BUY", "current_price": 200.0,
	})
	assert.Equal(t, 180.0, out.Float("stop_loss", 0))
	assert.Equal(t, 220.0, out.Float("take_profit_1", 0))
	assert.Equal(t, 240.0, out.Float("take_profit_2", 0))
	assert.Equal(t, 1.0, out.Float("risk_reward_ratio", 0))

	assert.Empty(t, TradePlan("HOLD", 200, 0, 0))
}
