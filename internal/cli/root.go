package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/MarketClaw/internal/config"
	"github.com/KafClaw/MarketClaw/internal/logging"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/MarketClaw/internal/cli.version=1.2.3"
	version = "0.1.0"
	logo    = "\n" +
		"  __  __            _        _    ____ _\n" +
		" |  \\/  | __ _ _ __| | _____| |_ / ___| | __ ___      __\n" +
		" | |\\/| |/ _` | '__| |/ / _ \\ __| |   | |/ _` \\ \\ /\\ / /\n" +
		" | |  | | (_| | |  |   <  __/ |_| |___| | (_| |\\ V  V /\n" +
		" |_|  |_|\\__,_|_|  |_|\\_\\___|\\__|\\____|_|\\__,_| \\_/\\_/\n"
)

var (
	configFlag  string
	verboseFlag bool
	jsonFlag    bool

	// extraAppOptions is appended to every NewApp call. Tests use it to swap the
	// market provider and narrator.
	extraAppOptions []AppOption
)

var rootCmd = &cobra.Command{
	Use:   "marketclaw",
	Short: "MarketClaw - multi-agent precious metals analysis",
	Long:  color.CyanString(logo) + "\nAgents, workflows and schedules for gold and silver market signals.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ~/.marketclaw/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Show agent and workflow logs")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print machine-readable JSON")
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

// loadConfig honours --config and --verbose. Logs stay at warn unless
// verbose or debug is set so tables are not interleaved with agent chatter.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFlag != "" {
		config.LoadEnvFileCandidates()
		path, perr := config.ExpandHome(configFlag)
		if perr != nil {
			return nil, perr
		}
		cfg, err = config.LoadFrom(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.Log.Level
	if !verboseFlag && !cfg.Debug {
		level = "warn"
	}
	logging.Setup(level, cfg.Log.Format)
	return cfg, nil
}

// withApp builds and starts the application, runs fn and shuts down.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	opts := append([]AppOption{WithAlertOutput(cmd.OutOrStdout())}, extraAppOptions...)
	app, err := NewApp(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if serr := app.Shutdown(shutdownCtx); serr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "shutdown: %v\n", serr)
		}
	}()

	if err := app.Start(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", color.YellowString("warning:"), err)
	}
	return fn(ctx, app)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// parseParams decodes a --params JSON object. Empty means no parameters.
func parseParams(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid --params JSON: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func markOK(s string) string { return color.GreenString("✓ " + s) }
func markFail(s string) string { return color.RedString("✗ " + s) }
