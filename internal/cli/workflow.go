package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/MarketClaw/internal/orchestrator"
	"github.com/KafClaw/MarketClaw/internal/store"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "List, run and inspect workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows from the workflow file and built-ins",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(_ context.Context, app *App) error {
			summaries, err := app.Loader.ListWorkflows()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonFlag {
				return printJSON(out, summaries)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "NAME\tDESCRIPTION\tSTEPS\tSOURCE")
			for _, s := range summaries {
				source := "file"
				if s.Builtin {
					source = "builtin"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.Name, s.Description, s.Steps, source)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nWorkflow file: %s\n", app.Loader.Path())
			return nil
		})
	},
}

var workflowRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run a workflow by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("params")
		input, err := parseParams(raw)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, app *App) error {
			wf, err := app.Loader.LoadWorkflowByName(args[0])
			if err != nil {
				return err
			}
			return runWorkflow(ctx, cmd.OutOrStdout(), app, wf, input)
		})
	},
}

var workflowHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent workflow executions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		workflowID, _ := cmd.Flags().GetString("workflow")
		return withApp(cmd, func(ctx context.Context, app *App) error {
			execs, err := app.Store.ExecutionHistory(ctx, workflowID, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(execs) == 0 {
				fmt.Fprintln(out, "No workflow executions recorded")
				return nil
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "EXECUTION\tWORKFLOW\tSTATUS\tSTARTED\tDURATION")
			for _, e := range execs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					e.ExecutionID, e.WorkflowName, colorStatus(e.Status),
					e.StartedAt.Local().Format(time.DateTime), formatDuration(e.DurationSeconds))
			}
			return tw.Flush()
		})
	},
}

var workflowStatsCmd = &cobra.Command{
	Use:   "stats [workflow-id]",
	Short: "Show execution statistics, for one workflow id or all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var workflowID string
		if len(args) == 1 {
			workflowID = args[0]
		}
		return withApp(cmd, func(ctx context.Context, app *App) error {
			st, err := app.Store.Statistics(ctx, workflowID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			title := "Workflow Statistics"
			if workflowID != "" {
				title += " (" + workflowID + ")"
			}
			fmt.Fprintln(out, color.New(color.Bold).Sprint(title))
			fmt.Fprintf(out, "Total executions: %d\n", st.TotalExecutions)
			fmt.Fprintf(out, "Completed:        %d\n", st.Completed)
			fmt.Fprintf(out, "Failed:           %d\n", st.Failed)
			fmt.Fprintf(out, "Running:          %d\n", st.Running)
			fmt.Fprintf(out, "Success rate:     %.1f%%\n", st.SuccessRate)
			fmt.Fprintf(out, "Avg duration:     %.2fs\n", st.AverageDurationSeconds)
			return nil
		})
	},
}

var workflowShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show one execution and its steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *App) error {
			e, err := app.Store.GetExecution(ctx, args[0])
			if err != nil {
				return err
			}
			steps, err := app.Store.StepExecutions(ctx, e.ExecutionID)
			if err != nil {
				return err
			}
			printExecution(cmd.OutOrStdout(), e, steps)
			return nil
		})
	},
}

func init() {
	workflowRunCmd.Flags().String("params", "", "Initial workflow context as a JSON object")
	workflowHistoryCmd.Flags().Int("limit", 10, "Number of executions to show")
	workflowHistoryCmd.Flags().String("workflow", "", "Only show executions of this workflow id")
	workflowCmd.AddCommand(workflowListCmd, workflowRunCmd, workflowHistoryCmd, workflowStatsCmd, workflowShowCmd)
	rootCmd.AddCommand(workflowCmd)
}

// runWorkflow executes wf and prints each step result in step order.
func runWorkflow(ctx context.Context, out io.Writer, app *App, wf *orchestrator.Workflow, input map[string]any) error {
	if jsonFlag {
		results, err := app.Orch.ExecuteWorkflow(ctx, wf, input)
		if err != nil {
			return err
		}
		return printJSON(out, map[string]any{"workflow_id": wf.ID, "name": wf.Name, "results": results})
	}
	fmt.Fprintf(out, "Running workflow: %s (%d steps)\n", wf.Name, len(wf.Steps))
	started := time.Now()
	results, err := app.Orch.ExecuteWorkflow(ctx, wf, input)
	if err != nil {
		fmt.Fprintln(out, markFail("Workflow failed: "+err.Error()))
		return err
	}
	fmt.Fprintln(out, markOK(fmt.Sprintf("Workflow completed successfully in %.2fs", time.Since(started).Seconds())))
	for _, step := range wf.Steps {
		res, found := results[step.ID]
		if !found {
			continue
		}
		fmt.Fprintf(out, "  %s: %s\n", color.CyanString(step.ID), compactJSON(res, 200))
	}
	return nil
}

func printExecution(out io.Writer, e *store.Execution, steps []store.StepExecution) {
	fmt.Fprintln(out, color.New(color.Bold).Sprint(e.WorkflowName))
	fmt.Fprintf(out, "Execution: %s\n", e.ExecutionID)
	fmt.Fprintf(out, "Workflow:  %s\n", e.WorkflowID)
	fmt.Fprintf(out, "Status:    %s\n", colorStatus(e.Status))
	fmt.Fprintf(out, "Started:   %s\n", e.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(out, "Duration:  %s\n", formatDuration(e.DurationSeconds))
	if e.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:     %s\n", e.ErrorMessage)
	}

	fmt.Fprintln(out, "\nSteps")
	tw := newTable(out)
	fmt.Fprintln(tw, "STEP\tAGENT\tACTION\tSTATUS\tRETRIES\tDURATION\tERROR")
	for _, s := range steps {
		dur := "-"
		if s.DurationMs != nil {
			dur = fmt.Sprintf("%.0fms", *s.DurationMs)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", s.StepID, s.AgentID, s.Action, colorStatus(s.Status), s.RetryCount, dur, s.ErrorMessage)
	}
	_ = tw.Flush()
}

func colorStatus(status string) string {
	switch status {
	case store.StatusCompleted:
		return color.GreenString(status)
	case store.StatusFailed, store.StatusCancelled:
		return color.RedString(status)
	case store.StatusRunning:
		return color.YellowString(status)
	default:
		return status
	}
}

// formatDuration renders nil, as stored for running executions, as "-".
func formatDuration(secs *float64) string {
	if secs == nil {
		return "-"
	}
	return fmt.Sprintf("%.2fs", *secs)
}

func compactJSON(v any, limit int) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	s := string(raw)
	if limit > 0 && len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
