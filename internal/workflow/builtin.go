package workflow

import (
	"github.com/KafClaw/MarketClaw/internal/agents/alerts"
	"github.com/KafClaw/MarketClaw/internal/agents/history"
	"github.com/KafClaw/MarketClaw/internal/agents/macro"
	"github.com/KafClaw/MarketClaw/internal/agents/marketdata"
	"github.com/KafClaw/MarketClaw/internal/agents/signals"
	"github.com/KafClaw/MarketClaw/internal/agents/technical"
	"github.com/KafClaw/MarketClaw/internal/orchestrator"
)

// Two years of daily bars cover the 200-day average and monthly RSI.
const historyLookbackDays = 730

var builtins = []Definition{
	{
		Name:        "market_snapshot",
		Description: "Current quotes for the metals ETFs and the macro backdrop",
		Steps: []orchestrator.StepSpec{
			{StepID: "quotes", AgentID: marketdata.ID, Action: "fetch_batch", Parameters: map[string]any{"symbols": []any{"GLD", "SLV", "GDX", "SIL"}}},
			{StepID: "dollar", AgentID: macro.DollarID, Action: "assess_dollar_impact", OnError: orchestrator.PolicyContinue},
			{StepID: "yields", AgentID: macro.YieldsID, Action: "assess_yield_impact", OnError: orchestrator.PolicyContinue},
		},
	},
	{
		Name:        "technical_analysis",
		Description: "Refresh history and run every technical analyzer for the symbol in the run context",
		Steps: []orchestrator.StepSpec{
			{StepID: "history", AgentID: history.ID, Action: "load_history", Parameters: map[string]any{"lookback_days": historyLookbackDays}, TimeoutSeconds: 120, RetryCount: 2, OnError: orchestrator.PolicyRetry},
			{StepID: "moving_averages", AgentID: technical.MovingAverageID, Action: "calculate_all_mas", OnError: orchestrator.PolicyContinue},
			{StepID: "rsi", AgentID: technical.RSIID, Action: "calculate_all_rsi", OnError: orchestrator.PolicyContinue},
			{StepID: "levels", AgentID: technical.LevelsID, Action: "identify_all_levels", OnError: orchestrator.PolicyContinue},
		},
	},
	{
		Name:        "gold_silver_signal",
		Description: "Load metals and macro history, score gold and silver, and alert on strong signals",
		Steps: []orchestrator.StepSpec{
			{StepID: "history", AgentID: history.ID, Action: "load_batch_history", Parameters: map[string]any{
				"symbols":       []any{"GLD", "SLV", macro.DollarSymbol, macro.TreasurySymbol, macro.TIPSSymbol},
				"lookback_days": historyLookbackDays,
			}, TimeoutSeconds: 180, RetryCount: 2, OnError: orchestrator.PolicyRetry},
			{StepID: "gld_signal", AgentID: signals.ID, Action: "generate_signal", Parameters: map[string]any{"symbol": "GLD"}, TimeoutSeconds: 120},
			{StepID: "slv_signal", AgentID: signals.ID, Action: "generate_signal", Parameters: map[string]any{"symbol": "SLV"}, TimeoutSeconds: 120},
			{StepID: "alerts", AgentID: alerts.ID, Action: "check_thresholds", OnError: orchestrator.PolicyContinue},
		},
	},
}

// Builtin returns the default workflow definitions.
func Builtin() []Definition {
	out := make([]Definition, len(builtins))
	copy(out, builtins)
	return out
}

func builtinByName(name string) (Definition, bool) {
	for _, d := range builtins {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}
