package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/KafClaw/MarketClaw/internal/config"
	"github.com/KafClaw/MarketClaw/internal/market"
	"github.com/KafClaw/MarketClaw/internal/market/markettest"
)

func runRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configFlag, verboseFlag, jsonFlag = "", false, false
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	rootCmd.SetArgs(nil)
	return strings.TrimSpace(buf.String()), err
}

// setupHome isolates config, database and lock files under a temp home and
// serves market data from an in-memory provider.
func setupHome(t *testing.T) (string, *markettest.Provider) {
	t.Helper()
	color.NoColor = true
	home := t.TempDir()
	t.Setenv("MARKETCLAW_HOME", home)
	t.Setenv("MARKETCLAW_CONFIG", "")
	t.Setenv("MARKETCLAW_ENV_FILE", filepath.Join(home, "missing.env"))
	t.Setenv("MARKETCLAW_CLAUDE_ENABLED", "false")
	t.Setenv("MARKETCLAW_KAFKA_ENABLED", "false")
	t.Setenv("MARKETCLAW_TRACING_ENABLED", "false")
	t.Setenv("MARKETCLAW_SMTP_ENABLED", "false")

	p := markettest.New()
	for sym, price := range map[string]float64{"AAPL": 190, "MSFT": 410, "GOOGL": 170, "GLD": 230} {
		p.SetQuote(market.Quote{Symbol: sym, Price: price, PreviousClose: price - 1})
	}
	p.SetBars("AAPL", markettest.Series(time.Now(), markettest.Linear(60, 150, 0.5)))
	p.SetBars("GLD", markettest.Series(time.Now(), markettest.Linear(60, 200, 0.2)))

	prev := extraAppOptions
	extraAppOptions = []AppOption{WithMarketProvider(p)}
	t.Cleanup(func() { extraAppOptions = prev })
	return home, p
}

func writeHomeFile(t *testing.T, home, name, body string) {
	t.Helper()
	path := filepath.Join(home, config.ConfigDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

const testWorkflows = `workflows:
  - name: echo_add
    description: Echo then add
    steps:
      - step_id: echo
        agent_id: test_agent
        action: echo
        parameters:
          message: hi
      - step_id: add
        agent_id: test_agent
        action: add
        parameters:
          a: 1
          b: 2
  - name: broken
    steps:
      - step_id: missing
        agent_id: no_such_agent
        action: echo
`

func TestVersionCommand(t *testing.T) {
	out, err := runRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, version) {
		t.Fatalf("expected version %s in %q", version, out)
	}
}

func TestAgentListShowsEveryAgent(t *testing.T) {
	setupHome(t)

	out, err := runRootCommand(t, "agent", "list")
	if err != nil {
		t.Fatalf("agent list failed: %v", err)
	}
	for _, id := range []string{"test_agent", "market_data_fetcher", "historical_data_loader", "rsi_analyzer", "entry_exit_signal_generator", "alert_manager"} {
		if !strings.Contains(out, id) {
			t.Errorf("expected %s in agent list", id)
		}
	}
	if !strings.Contains(out, "Total: 10 agents") {
		t.Fatalf("expected agent total, got %q", out)
	}
}

func TestAgentInfo(t *testing.T) {
	setupHome(t)

	out, err := runRootCommand(t, "agent", "info", "test_agent")
	if err != nil {
		t.Fatalf("agent info failed: %v", err)
	}
	for _, want := range []string{"Test Agent", "echo", "add", "Status:"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}

	if _, err := runRootCommand(t, "agent", "info", "nope"); err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func TestAgentCall(t *testing.T) {
	setupHome(t)

	out, err := runRootCommand(t, "agent", "call", "test_agent", "add", "--params", `{"a": 2, "b": 3}`)
	if err != nil {
		t.Fatalf("agent call failed: %v", err)
	}
	if !strings.Contains(out, `"result": 5`) {
		t.Fatalf("expected sum in output, got %q", out)
	}

	if _, err := runRootCommand(t, "agent", "call", "test_agent", "divide", "--params", "{}"); err == nil {
		t.Fatal("expected unknown action error")
	}
	if _, err := runRootCommand(t, "agent", "call", "test_agent", "add", "--params", "{bad"); err == nil {
		t.Fatal("expected params parse error")
	}

	out, err = runRootCommand(t, "agent", "call", "test_agent", "add", "--params", `{"a": "two", "b": 3}`)
	if err == nil {
		t.Fatalf("expected schema rejection to fail the call, got %q", out)
	}
	if !strings.Contains(out, "invalid parameters") {
		t.Fatalf("expected error payload in output, got %q", out)
	}
}

func TestWorkflowRunHistoryAndStats(t *testing.T) {
	home, _ := setupHome(t)
	writeHomeFile(t, home, "workflows.yaml", testWorkflows)

	out, err := runRootCommand(t, "workflow", "list")
	if err != nil {
		t.Fatalf("workflow list failed: %v", err)
	}
	for _, want := range []string{"echo_add", "gold_silver_signal", "builtin"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in workflow list", want)
		}
	}

	out, err = runRootCommand(t, "workflow", "run", "echo_add", "--params", "{}")
	if err != nil {
		t.Fatalf("workflow run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Workflow completed successfully") || !strings.Contains(out, `"result":3`) {
		t.Fatalf("unexpected run output %q", out)
	}

	if _, err := runRootCommand(t, "workflow", "run", "broken", "--params", "{}"); err == nil {
		t.Fatal("expected broken workflow to fail")
	}
	if _, err := runRootCommand(t, "workflow", "run", "does_not_exist", "--params", "{}"); err == nil {
		t.Fatal("expected unknown workflow error")
	}

	out, err = runRootCommand(t, "workflow", "history")
	if err != nil {
		t.Fatalf("workflow history failed: %v", err)
	}
	if !strings.Contains(out, "echo_add") || !strings.Contains(out, "completed") || !strings.Contains(out, "failed") {
		t.Fatalf("unexpected history %q", out)
	}

	out, err = runRootCommand(t, "workflow", "stats")
	if err != nil {
		t.Fatalf("workflow stats failed: %v", err)
	}
	for _, want := range []string{"Total executions: 2", "Completed:        1", "Failed:           1", "Success rate:     50.0%"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}

func TestSystemHealthAndStatus(t *testing.T) {
	setupHome(t)

	out, err := runRootCommand(t, "system", "health")
	if err != nil {
		t.Fatalf("system health failed: %v\n%s", err, out)
	}
	for _, want := range []string{"Database Connection", "Message Bus", "Agents Registered (10)", "All systems operational"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}

	out, err = runRootCommand(t, "system", "status")
	if err != nil {
		t.Fatalf("system status failed: %v", err)
	}
	if !strings.Contains(out, "Message bus:") || !strings.Contains(out, "Test Agent") {
		t.Fatalf("unexpected status %q", out)
	}
}

func TestSmokeCommands(t *testing.T) {
	setupHome(t)

	out, err := runRootCommand(t, "test", "agents")
	if err != nil {
		t.Fatalf("test agents failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "✓ Add 5 + 7") {
		t.Fatalf("unexpected output %q", out)
	}

	out, err = runRootCommand(t, "test", "data")
	if err != nil {
		t.Fatalf("test data failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "✓ Load 7 days of AAPL history") {
		t.Fatalf("unexpected output %q", out)
	}

	out, err = runRootCommand(t, "test", "all")
	if err != nil {
		t.Fatalf("test all failed: %v\n%s", err, out)
	}
	if strings.Count(out, "Workflow completed successfully") != 2 {
		t.Fatalf("expected both smoke workflows to pass, got %q", out)
	}
}

func TestSmokeDataReportsFailures(t *testing.T) {
	_, p := setupHome(t)
	p.Fail("AAPL", market.ErrNoData)

	out, err := runRootCommand(t, "test", "data")
	if err == nil {
		t.Fatalf("expected failure, got %q", out)
	}
	if !strings.Contains(out, "✗ Load 7 days of AAPL history") {
		t.Fatalf("expected failed history probe, got %q", out)
	}
}

func TestScheduleList(t *testing.T) {
	home, _ := setupHome(t)
	writeHomeFile(t, home, config.ConfigFile, `{"schedules": [
		{"workflow": "gold_silver_signal", "type": "cron", "cron": "0 9 * * 1-5"},
		{"workflow": "market_snapshot", "type": "interval", "intervalSeconds": 300, "disabled": true}
	]}`)

	out, err := runRootCommand(t, "schedule", "list")
	if err != nil {
		t.Fatalf("schedule list failed: %v", err)
	}
	for _, want := range []string{"gold_silver_signal", "0 9 * * 1-5", "every 5m0s", "false"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}

func TestRegisterSchedules(t *testing.T) {
	setupHome(t)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Schedules = []config.ScheduleEntry{
		{Workflow: "market_snapshot", Type: "interval", IntervalSeconds: 60},
		{Workflow: "gold_silver_signal", Type: "event", EventTopic: "price_updates"},
	}
	app, err := NewApp(context.Background(), cfg, extraAppOptions...)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer app.Shutdown(context.Background())

	if err := registerSchedules(app); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := len(app.Scheduler.GetScheduledWorkflows()); got != 2 {
		t.Fatalf("expected 2 schedules, got %d", got)
	}

	app.Config.Schedules = []config.ScheduleEntry{{Workflow: "nope", Type: "manual"}}
	if err := registerSchedules(app); err == nil {
		t.Fatal("expected unknown workflow error")
	}
}

func TestJSONOutput(t *testing.T) {
	setupHome(t)

	out, err := runRootCommand(t, "agent", "list", "--json")
	if err != nil {
		t.Fatalf("agent list --json failed: %v", err)
	}
	var agents []map[string]any
	if err := json.Unmarshal([]byte(out), &agents); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(agents) != 10 {
		t.Fatalf("expected 10 agents, got %d", len(agents))
	}

	out, err = runRootCommand(t, "system", "status", "--json")
	if err != nil {
		t.Fatalf("system status --json failed: %v", err)
	}
	var status map[string]any
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if status["cache_backend"] != "sqlite" || status["kafka_bridge"] != false {
		t.Fatalf("unexpected status %v", status)
	}
}
