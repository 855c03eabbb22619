package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/MarketClaw/internal/agent"
)

var systemCmd = &cobra.Command{
	Use:   "system",
	Short: "System status and health checks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "MarketClaw %s\n", version)
		return nil
	},
}

var systemStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent health and bus activity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(_ context.Context, app *App) error {
			out := cmd.OutOrStdout()
			if jsonFlag {
				return printJSON(out, statusReport(app))
			}
			printHeader(out, "📊 MarketClaw Status")

			tw := newTable(out)
			fmt.Fprintln(tw, "AGENT\tSTATUS\tMESSAGES\tERRORS")
			for _, m := range sortedMetadata(app) {
				a, _ := app.Registry.Get(m.ID)
				h := a.Health()
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", m.Name, colorAgentStatus(h.Status), h.MessagesProcessed, h.ErrorsCount)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			fmt.Fprintf(out, "\nMessage bus: %d messages in history, %d pending requests\n", app.Bus.HistorySize(), app.Bus.PendingCount())
			printTopics(out, app.Bus.Topics())
			fmt.Fprintf(out, "Cache backend: %s\n", app.Config.Store.CacheBackend)
			if app.Bridge != nil {
				fmt.Fprintf(out, "Kafka bridge: %s\n", app.Config.Kafka.Topic)
			}
			return nil
		})
	},
}

var systemHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run system health checks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *App) error {
			out := cmd.OutOrStdout()
			checks := healthChecks(ctx, app)
			healthy := true
			for _, c := range checks {
				if c.err != nil {
					healthy = false
					fmt.Fprintf(out, "%s: %v\n", markFail(c.name), c.err)
					continue
				}
				fmt.Fprintln(out, markOK(c.name))
			}
			fmt.Fprintln(out)
			if !healthy {
				fmt.Fprintln(out, color.RedString("Some systems have issues"))
				return fmt.Errorf("health check failed")
			}
			fmt.Fprintln(out, color.GreenString("All systems operational"))
			return nil
		})
	},
}

func init() {
	systemCmd.AddCommand(systemStatusCmd, systemHealthCmd)
	rootCmd.AddCommand(systemCmd, versionCmd)
}

func statusReport(app *App) map[string]any {
	health := make([]agent.Health, 0, app.Registry.Count())
	for _, a := range app.Registry.All() {
		health = append(health, a.Health())
	}
	sort.Slice(health, func(i, j int) bool { return health[i].AgentID < health[j].AgentID })
	return map[string]any{
		"version":          version,
		"agents":           health,
		"bus_history_size": app.Bus.HistorySize(),
		"pending_requests": app.Bus.PendingCount(),
		"topics":           app.Bus.Topics(),
		"cache_backend":    app.Config.Store.CacheBackend,
		"kafka_bridge":     app.Bridge != nil,
	}
}

type healthCheck struct {
	name string
	err  error
}

func healthChecks(ctx context.Context, app *App) []healthCheck {
	checks := []healthCheck{{name: "System Initialization"}}

	var one int
	dbErr := app.Store.DB().QueryRowContext(ctx, "SELECT 1").Scan(&one)
	checks = append(checks, healthCheck{name: "Database Connection", err: dbErr})

	var busErr error
	if _, err := app.Orch.ExecuteSimpleRequest(ctx, "test_agent", "echo", map[string]any{"message": "health"}, app.Config.Agents.RequestTimeout()); err != nil {
		busErr = err
	}
	checks = append(checks, healthCheck{name: "Message Bus", err: busErr})

	var regErr error
	if app.Registry.Count() == 0 {
		regErr = fmt.Errorf("no agents registered")
	}
	checks = append(checks, healthCheck{name: fmt.Sprintf("Agents Registered (%d)", app.Registry.Count()), err: regErr})

	for _, a := range app.Registry.All() {
		if ok, missing := app.Registry.CheckDependencies(a.ID()); !ok {
			checks = append(checks, healthCheck{
				name: "Dependencies of " + a.ID(),
				err:  fmt.Errorf("missing %v", missing),
			})
		}
	}
	return checks
}

func colorAgentStatus(s agent.Status) string {
	switch s {
	case agent.StatusIdle, agent.StatusProcessing:
		return color.GreenString(string(s))
	case agent.StatusError:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func printTopics(out io.Writer, topics map[string]int) {
	if len(topics) == 0 {
		return
	}
	names := make([]string, 0, len(topics))
	for t := range topics {
		names = append(names, t)
	}
	sort.Strings(names)
	tw := newTable(out)
	fmt.Fprintln(tw, "TOPIC\tSUBSCRIBERS")
	for _, t := range names {
		fmt.Fprintf(tw, "%s\t%d\n", t, topics[t])
	}
	_ = tw.Flush()
}
