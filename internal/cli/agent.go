package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/MarketClaw/internal/agent"
	"github.com/KafClaw/MarketClaw/internal/orchestrator"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Inspect and call agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(_ context.Context, app *App) error {
			out := cmd.OutOrStdout()
			if jsonFlag {
				return printJSON(out, sortedMetadata(app))
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "ID\tNAME\tCATEGORY\tCAPABILITIES\tSTATUS")
			for _, m := range sortedMetadata(app) {
				status := markOK("enabled")
				if m.Disabled {
					status = markFail("disabled")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.Name, m.Category, strings.Join(m.CapabilityNames(), ", "), status)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nTotal: %d agents\n", app.Registry.Count())
			return nil
		})
	},
}

var agentInfoCmd = &cobra.Command{
	Use:   "info <agent-id>",
	Short: "Show agent metadata, capabilities and health",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(_ context.Context, app *App) error {
			a, found := app.Registry.Get(args[0])
			if !found {
				return fmt.Errorf("agent %q not found (available: %s)", args[0], strings.Join(app.Registry.IDs(), ", "))
			}
			out := cmd.OutOrStdout()
			m := a.Metadata()
			fmt.Fprintln(out, color.New(color.Bold).Sprint(m.Name))
			fmt.Fprintf(out, "ID:          %s\n", m.ID)
			fmt.Fprintf(out, "Category:    %s\n", m.Category)
			fmt.Fprintf(out, "Version:     %s\n", m.Version)
			fmt.Fprintf(out, "Description: %s\n", m.Description)
			if len(m.Dependencies) > 0 {
				fmt.Fprintf(out, "Depends on:  %s\n", strings.Join(m.Dependencies, ", "))
			}
			if len(m.SubscribesTo) > 0 {
				fmt.Fprintf(out, "Subscribes:  %s\n", strings.Join(m.SubscribesTo, ", "))
			}

			fmt.Fprintln(out, "\nCapabilities")
			tw := newTable(out)
			fmt.Fprintln(tw, "ACTION\tDESCRIPTION\tPARAMETERS")
			for _, c := range m.Capabilities {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, c.Description, formatCapabilityParams(c))
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			h := a.Health()
			fmt.Fprintln(out, "\nHealth")
			fmt.Fprintf(out, "Status:           %s\n", h.Status)
			fmt.Fprintf(out, "Messages:         %d\n", h.MessagesProcessed)
			fmt.Fprintf(out, "Errors:           %d\n", h.ErrorsCount)
			fmt.Fprintf(out, "Avg response:     %.2fms\n", float64(h.AverageResponseTime)/float64(time.Millisecond))
			return nil
		})
	},
}

var agentCallCmd = &cobra.Command{
	Use:   "call <agent-id> <action>",
	Short: "Send one request to an agent and print the response",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("params")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		params, err := parseParams(raw)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, app *App) error {
			if timeout <= 0 {
				timeout = app.Config.Agents.RequestTimeout()
			}
			resp, err := app.Orch.ExecuteSimpleRequest(ctx, args[0], args[1], params, timeout)
			var reqErr *orchestrator.RequestError
			if errors.As(err, &reqErr) {
				fmt.Fprintln(cmd.OutOrStdout(), markFail(reqErr.Message))
				if perr := printJSON(cmd.OutOrStdout(), reqErr.Payload); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		})
	},
}

func init() {
	agentCallCmd.Flags().String("params", "", "Request parameters as a JSON object")
	agentCallCmd.Flags().Duration("timeout", 0, "Request timeout (default agents.requestTimeoutSeconds)")
	agentCmd.AddCommand(agentListCmd, agentInfoCmd, agentCallCmd)
	rootCmd.AddCommand(agentCmd)
}

func sortedMetadata(app *App) []agent.Metadata {
	metas := app.Registry.AllMetadata()
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Category != metas[j].Category {
			return metas[i].Category < metas[j].Category
		}
		return metas[i].ID < metas[j].ID
	})
	return metas
}

func formatCapabilityParams(c agent.Capability) string {
	if len(c.Parameters) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(c.Parameters))
	for k := range c.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+c.Parameters[k])
	}
	return strings.Join(parts, "; ")
}
