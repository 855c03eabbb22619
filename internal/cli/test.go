package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/MarketClaw/internal/agent"
	"github.com/KafClaw/MarketClaw/internal/agents/history"
	"github.com/KafClaw/MarketClaw/internal/agents/marketdata"
	"github.com/KafClaw/MarketClaw/internal/agents/testagent"
	"github.com/KafClaw/MarketClaw/internal/orchestrator"
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Smoke test agents, data loading and workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var testAgentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Call the test agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *App) error {
			return runProbes(ctx, cmd.OutOrStdout(), app, []probe{
				{name: "Echo", agentID: testagent.ID, action: "echo", params: map[string]any{"message": "Test message"}},
				{name: "Add 5 + 7", agentID: testagent.ID, action: "add", params: map[string]any{"a": 5, "b": 7}, check: expectSum(12)},
			})
		})
	},
}

var testDataCmd = &cobra.Command{
	Use:   "data",
	Short: "Fetch quotes and a week of history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *App) error {
			return runProbes(ctx, cmd.OutOrStdout(), app, dataProbes(7))
		})
	},
}

var testAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Run every smoke test including the quick workflows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *App) error {
			out := cmd.OutOrStdout()
			probes := []probe{
				{name: "Echo", agentID: testagent.ID, action: "echo", params: map[string]any{"message": "Hello, MarketClaw!"}},
				{name: "Add 10 + 32", agentID: testagent.ID, action: "add", params: map[string]any{"a": 10, "b": 32}, check: expectSum(42)},
				{name: "Fetch AAPL price", agentID: marketdata.ID, action: "fetch_price", params: map[string]any{"symbol": "AAPL"}},
			}
			probes = append(probes, dataProbes(30)...)
			probeErr := runProbes(ctx, out, app, probes)

			fmt.Fprintln(out, color.New(color.Bold).Sprint("\nWorkflows"))
			var failed int
			for _, wf := range smokeWorkflows() {
				if err := runWorkflow(ctx, out, app, wf, nil); err != nil {
					failed++
				}
			}
			if probeErr != nil {
				return probeErr
			}
			if failed > 0 {
				return fmt.Errorf("%d smoke workflows failed", failed)
			}
			return nil
		})
	},
}

func init() {
	testCmd.AddCommand(testAllCmd, testAgentsCmd, testDataCmd)
	rootCmd.AddCommand(testCmd)
}

type probe struct {
	name    string
	agentID string
	action  string
	params  map[string]any
	check   func(map[string]any) error
}

func dataProbes(days int) []probe {
	start := time.Now().AddDate(0, 0, -days).Format(time.DateOnly)
	return []probe{
		{
			name: "Fetch batch AAPL, MSFT, GOOGL", agentID: marketdata.ID, action: "fetch_batch",
			params: map[string]any{"symbols": []any{"AAPL", "MSFT", "GOOGL"}},
		},
		{
			name: fmt.Sprintf("Load %d days of AAPL history", days), agentID: history.ID, action: "load_history",
			params: map[string]any{"symbol": "AAPL", "start_date": start, "interval": "1d"},
			check:  expectCount,
		},
	}
}

// runProbes runs every probe and reports the number that failed.
func runProbes(ctx context.Context, out io.Writer, app *App, probes []probe) error {
	var failed int
	for _, p := range probes {
		resp, err := app.Orch.ExecuteSimpleRequest(ctx, p.agentID, p.action, p.params, app.Config.Agents.RequestTimeout())
		if err == nil && p.check != nil {
			err = p.check(resp)
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s: %v\n", markFail(p.name), err)
			continue
		}
		fmt.Fprintf(out, "%s %s\n", markOK(p.name), compactJSON(resp, 120))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(probes))
	}
	return nil
}

func expectSum(want float64) func(map[string]any) error {
	return func(resp map[string]any) error {
		got := agent.Params(resp).Float("result", 0)
		if got != want {
			return fmt.Errorf("expected %v, got %v", want, got)
		}
		return nil
	}
}

func expectCount(resp map[string]any) error {
	if agent.Params(resp).Int("count", 0) == 0 {
		return fmt.Errorf("no bars returned")
	}
	return nil
}

// smokeWorkflows are small workflows built in code, independent of the
// workflow file.
func smokeWorkflows() []*orchestrator.Workflow {
	return []*orchestrator.Workflow{
		orchestrator.NewWorkflow("simple_test", "Echo then add", []orchestrator.StepSpec{
			{StepID: "echo", AgentID: testagent.ID, Action: "echo", Parameters: map[string]any{"message": "workflow"}},
			{StepID: "add", AgentID: testagent.ID, Action: "add", Parameters: map[string]any{"a": 1, "b": 2}},
		}),
		orchestrator.NewWorkflow("market_data_pipeline", "Quote then recent history", []orchestrator.StepSpec{
			{StepID: "quote", AgentID: marketdata.ID, Action: "fetch_price", Parameters: map[string]any{"symbol": "GLD"}},
			{StepID: "history", AgentID: history.ID, Action: "load_history", Parameters: map[string]any{"symbol": "GLD", "lookback_days": 30}, TimeoutSeconds: 60},
		}),
	}
}
