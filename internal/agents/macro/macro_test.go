package macro

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/MarketClaw/internal/agent"
	"github.com/KafClaw/MarketClaw/internal/bus"
	"github.com/KafClaw/MarketClaw/internal/logging"
	"github.com/KafClaw/MarketClaw/internal/market/markettest"
	"github.com/KafClaw/MarketClaw/internal/store"
	"github.com/KafClaw/MarketClaw/internal/store/storetest"
)

type fixture struct {
	bus   *bus.Bus
	store *store.Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{bus: bus.New(bus.DefaultConfig(), logging.Discard()), store: storetest.New(t)}
	d, err := NewDollar(f.bus, f.store, agent.WithLogger(logging.Discard()))
	require.NoError(t, err)
	y, err := NewYields(f.bus, f.store, agent.WithLogger(logging.Discard()))
	require.NoError(t, err)
	for _, rt := range []*agent.Runtime{d, y} {
		require.NoError(t, rt.Start(context.Background()))
		t.Cleanup(func() { _ = rt.Stop(context.Background()) })
	}
	return f
}

func (f *fixture) seed(t *testing.T, symbol string, closes []float64) {
	t.Helper()
	_, err := f.store.UpsertBars(context.Background(), symbol, "1d", "test", markettest.Series(time.Now().UTC(), closes))
	require.NoError(t, err)
}

func (f *fixture) call(t *testing.T, to, topic string) agent.Params {
	t.Helper()
	resp, err := f.bus.Request(context.Background(), "tester", to, topic, nil, 2*time.Second)
	require.NoError(t, err)
	return agent.Params(resp.Data)
}

func TestDollarAnalysis(t *testing.T) {
	f := setup(t)
	out := f.call(t, DollarID, "analyze_dollar_index")
	assert.Equal(t, "Insufficient dollar index data", out.String("error", ""))

	f.seed(t, DollarSymbol, markettest.Linear(250, 90, 0.2))

	out = f.call(t, DollarID, "analyze_dollar_index")
	require.False(t, out.Has("error"), out)
	assert.Equal(t, "STRONG_BULLISH", out.String("trend", ""))
	assert.Equal(t, dollarTrendText["STRONG_BULLISH"], out.String("interpretation", ""))

	out = f.call(t, DollarID, "calculate_dollar_momentum")
	assert.Equal(t, "STRONG_STRENGTHENING", out.String("momentum_signal", ""))
	assert.Greater(t, out.Map("rate_of_change").Float("3_months", 0), 5.0)

	out = f.call(t, DollarID, "assess_dollar_impact")
	assert.Equal(t, "STRONG_BEARISH_FOR_METALS", out.String("impact_on_metals", ""))

	out = f.call(t, DollarID, "analyze_all_dollar")
	require.False(t, out.Has("error"), out)
	assert.Contains(t, out.String("summary", ""), "strong bullish trend. Momentum is strong strengthening.")
	assert.Len(t, f.bus.History(TopicUpdates, DollarID, 10), 1)
}

func TestDollarRules(t *testing.T) {
	assert.Equal(t, "STRONG_BULLISH", DollarTrend(4, 3, 2, 1))
	assert.Equal(t, "BULLISH", DollarTrend(4, 5, 2, 1))
	assert.Equal(t, "STRONG_BEARISH", DollarTrend(1, 2, 3, 4))
	assert.Equal(t, "BEARISH", DollarTrend(1, 0.5, 3, 4))
	assert.Equal(t, "NEUTRAL", DollarTrend(4, 4, 4, 4))

	assert.Equal(t, "STABLE", MomentumSignal(0.1, 0.1, 0.1))
	assert.Equal(t, "STRENGTHENING", MomentumSignal(1, 0, 0))
	assert.Equal(t, "STRONG_STRENGTHENING", MomentumSignal(1, 3, 0))
	assert.Equal(t, "WEAKENING", MomentumSignal(-1, 0, 0))
	assert.Equal(t, "STRONG_WEAKENING", MomentumSignal(-1, -3, -6))

	impact, _ := DollarImpact("BULLISH", "STABLE")
	assert.Equal(t, "BEARISH_FOR_METALS", impact)
	impact, _ = DollarImpact("STRONG_BEARISH", "WEAKENING")
	assert.Equal(t, "STRONG_BULLISH_FOR_METALS", impact)
	impact, _ = DollarImpact("BEARISH", "STRENGTHENING")
	assert.Equal(t, "BULLISH_FOR_METALS", impact)
	impact, guidance := DollarImpact("NEUTRAL", "STABLE")
	assert.Equal(t, "NEUTRAL_FOR_METALS", impact)
	assert.NotEmpty(t, guidance)
}

func TestYieldAnalysis(t *testing.T) {
	f := setup(t)
	f.seed(t, TreasurySymbol, markettest.Linear(250, 3.0, 0.005))

	out := f.call(t, YieldsID, "analyze_nominal_yields")
	require.False(t, out.Has("error"), out)
	assert.Equal(t, "RISING", out.String("trend", ""))
	assert.Equal(t, "Elevated nominal yields and rising", out.String("interpretation", ""))

	out = f.call(t, YieldsID, "calculate_real_yields")
	assert.Equal(t, "Insufficient TIPS data", out.String("error", ""))

	f.seed(t, TIPSSymbol, markettest.Linear(250, 100, 0))
	out = f.call(t, YieldsID, "calculate_real_yields")
	require.False(t, out.Has("error"), out)
	assert.Equal(t, 2.5, out.Float("estimated_inflation", 0))
	assert.Equal(t, "HIGH", out.String("real_yield_level", ""))

	out = f.call(t, YieldsID, "assess_yield_impact")
	assert.Equal(t, "STRONG_BEARISH_FOR_METALS", out.String("impact_on_metals", ""))

	out = f.call(t, YieldsID, "analyze_all_yields")
	require.False(t, out.Has("error"), out)
	assert.Contains(t, out.String("summary", ""), "estimated inflation 2.5%")
	assert.Contains(t, out.String("summary", ""), "Overall impact: strong bearish for metals.")
}

func TestYieldRules(t *testing.T) {
	assert.Equal(t, "VERY_HIGH", RealYieldLevel(2.5))
	assert.Equal(t, "HIGH", RealYieldLevel(1.5))
	assert.Equal(t, "POSITIVE", RealYieldLevel(0.5))
	assert.Equal(t, "SLIGHTLY_NEGATIVE", RealYieldLevel(-0.5))
	assert.Equal(t, "VERY_NEGATIVE", RealYieldLevel(-1))

	assert.Equal(t, "STABLE", YieldTrend(4, 4, 4))
	assert.Equal(t, "FALLING", YieldTrend(3, 3.5, 4))

	impact, _ := YieldImpact("HIGH", "STABLE")
	assert.Equal(t, "BEARISH_FOR_METALS", impact)
	impact, _ = YieldImpact("POSITIVE", "RISING")
	assert.Equal(t, "NEUTRAL_TO_BEARISH_FOR_METALS", impact)
	impact, _ = YieldImpact("SLIGHTLY_NEGATIVE", "RISING")
	assert.Equal(t, "NEUTRAL_TO_BULLISH_FOR_METALS", impact)
	impact, _ = YieldImpact("VERY_NEGATIVE", "FALLING")
	assert.Equal(t, "STRONG_BULLISH_FOR_METALS", impact)
	impact, _ = YieldImpact("VERY_NEGATIVE", "STABLE")
	assert.Equal(t, "BULLISH_FOR_METALS", impact)
}
