package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/MarketClaw/internal/config"
	"github.com/KafClaw/MarketClaw/internal/scheduler"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run configured workflow schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules from the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(cfg.Schedules) == 0 {
			fmt.Fprintln(out, "No schedules configured")
			return nil
		}
		tw := newTable(out)
		fmt.Fprintln(tw, "WORKFLOW\tTYPE\tTRIGGER\tENABLED")
		for _, e := range cfg.Schedules {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", e.Workflow, e.Type, describeTrigger(e), !e.Disabled)
		}
		return tw.Flush()
	},
}

var scheduleRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler and block until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		parent := cmd.Context()
		if parent == nil {
			parent = context.Background()
		}
		ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		cmd.SetContext(ctx)

		return withApp(cmd, func(ctx context.Context, app *App) error {
			out := cmd.OutOrStdout()
			if err := registerSchedules(app); err != nil {
				return err
			}
			if err := app.Scheduler.Start(ctx); err != nil {
				return err
			}
			printSchedules(out, app.Scheduler.GetScheduledWorkflows())
			fmt.Fprintln(out, "Scheduler running. Press Ctrl+C to stop.")
			<-ctx.Done()
			fmt.Fprintln(out, "Stopping scheduler")
			return nil
		})
	},
}

func init() {
	scheduleCmd.AddCommand(scheduleListCmd, scheduleRunCmd)
	rootCmd.AddCommand(scheduleCmd)
}

// registerSchedules resolves each configured workflow by name and hands it
// to the scheduler.
func registerSchedules(app *App) error {
	for i, e := range app.Config.Schedules {
		wf, err := app.Loader.LoadWorkflowByName(e.Workflow)
		if err != nil {
			return fmt.Errorf("schedule %d: %w", i, err)
		}
		if _, err := app.Scheduler.ScheduleWorkflow(wf, scheduler.ScheduleOptions{
			Type:       scheduler.ScheduleType(e.Type),
			Interval:   e.Interval(),
			CronExpr:   e.Cron,
			EventTopic: e.EventTopic,
			Context:    e.Context,
			Disabled:   e.Disabled,
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", e.Workflow, err)
		}
	}
	return nil
}

func describeTrigger(e config.ScheduleEntry) string {
	switch scheduler.ScheduleType(e.Type) {
	case scheduler.ScheduleInterval:
		return "every " + e.Interval().String()
	case scheduler.ScheduleCron:
		return e.Cron
	case scheduler.ScheduleEvent:
		return "on " + e.EventTopic
	default:
		return "-"
	}
}

func printSchedules(out io.Writer, schedules []scheduler.ScheduledWorkflow) {
	tw := newTable(out)
	fmt.Fprintln(tw, "WORKFLOW\tTYPE\tNEXT RUN")
	for _, s := range schedules {
		next := "-"
		if !s.NextRun.IsZero() {
			next = s.NextRun.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Workflow.Name, s.Type, next)
	}
	_ = tw.Flush()
}
