package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is advanced explicitly by tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Service, *fakeClock) {
	t.Helper()
	svc, err := Open(filepath.Join(t.TempDir(), "nested", "marketclaw.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	clock := &fakeClock{t: time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)}
	svc.now = clock.now
	return svc, clock
}

// newMemoryStore runs the same schema on mattn's in-memory driver.
func newMemoryStore(t *testing.T) *Service {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	svc, err := NewFromDB(db)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return svc
}

func TestExecutionLifecycle(t *testing.T) {
	svc, clock := newTestStore(t)
	ctx := context.Background()

	id, err := svc.CreateExecution(ctx, "wf-1", "market_snapshot", map[string]any{"symbol": "GLD"})
	require.NoError(t, err)

	e, err := svc.GetExecution(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, StatusRunning, e.Status)
	assert.Nil(t, e.CompletedAt)
	assert.Equal(t, "GLD", e.Context["symbol"])

	clock.advance(2500 * time.Millisecond)
	require.NoError(t, svc.UpdateExecution(ctx, id, StatusCompleted, map[string]any{"ok": true}, ""))

	e, err = svc.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, e.Status)
	require.NotNil(t, e.CompletedAt)
	require.NotNil(t, e.DurationSeconds)
	assert.InDelta(t, 2.5, *e.DurationSeconds, 1e-6)
	assert.Equal(t, true, e.Result["ok"])

	// Empty fields leave stored values alone.
	require.NoError(t, svc.UpdateExecution(ctx, id, "", nil, ""))
	e, _ = svc.GetExecution(ctx, id)
	assert.Equal(t, StatusCompleted, e.Status)
	assert.Equal(t, true, e.Result["ok"])

	missing, err := svc.GetExecution(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.ErrorIs(t, svc.UpdateExecution(ctx, "nope", StatusFailed, nil, "x"), ErrNotFound)
}

func TestStepExecutions(t *testing.T) {
	svc, clock := newTestStore(t)
	ctx := context.Background()

	execID, err := svc.CreateExecution(ctx, "wf-1", "technical_analysis", nil)
	require.NoError(t, err)

	first, err := svc.CreateStepExecution(ctx, execID, "fetch", "market_data_fetcher", "fetch_quote", map[string]any{"symbol": "GLD"})
	require.NoError(t, err)
	clock.advance(40 * time.Millisecond)
	require.NoError(t, svc.UpdateStepExecution(ctx, first, StatusCompleted, map[string]any{"price": 187.5}, "", 0))

	second, err := svc.CreateStepExecution(ctx, execID, "rsi", "rsi_analyzer", "calculate_rsi", nil)
	require.NoError(t, err)
	clock.advance(10 * time.Millisecond)
	require.NoError(t, svc.UpdateStepExecution(ctx, second, StatusFailed, nil, "timeout", 2))

	steps, err := svc.StepExecutions(ctx, execID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "fetch", steps[0].StepID)
	require.NotNil(t, steps[0].DurationMs)
	assert.InDelta(t, 40, *steps[0].DurationMs, 1e-6)
	assert.Equal(t, 187.5, steps[0].Result["price"])
	assert.Equal(t, "GLD", steps[0].Parameters["symbol"])

	assert.Equal(t, StatusFailed, steps[1].Status)
	assert.Equal(t, "timeout", steps[1].ErrorMessage)
	assert.Equal(t, 2, steps[1].RetryCount)

	assert.ErrorIs(t, svc.UpdateStepExecution(ctx, "nope", StatusFailed, nil, "", 0), ErrNotFound)
}

func TestHistoryAndStatistics(t *testing.T) {
	svc, clock := newTestStore(t)
	ctx := context.Background()

	finish := func(wf, status string, d time.Duration) string {
		id, err := svc.CreateExecution(ctx, wf, wf, nil)
		require.NoError(t, err)
		clock.advance(d)
		if status != StatusRunning {
			require.NoError(t, svc.UpdateExecution(ctx, id, status, nil, ""))
		}
		return id
	}
	finish("a", StatusCompleted, 2*time.Second)
	finish("a", StatusCompleted, 4*time.Second)
	finish("a", StatusFailed, time.Second)
	last := finish("b", StatusRunning, time.Second)

	all, err := svc.ExecutionHistory(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, last, all[0].ExecutionID, "newest first")

	onlyA, err := svc.ExecutionHistory(ctx, "a", 2)
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)

	st, err := svc.Statistics(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 4, st.TotalExecutions)
	assert.Equal(t, 2, st.Completed)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.Running)
	assert.InDelta(t, 50.0, st.SuccessRate, 1e-9)
	assert.InDelta(t, 3.0, st.AverageDurationSeconds, 1e-6)

	st, err = svc.Statistics(ctx, "zzz")
	require.NoError(t, err)
	assert.Zero(t, st.TotalExecutions)
	assert.Zero(t, st.SuccessRate)
}

func TestRecorderStatuses(t *testing.T) {
	svc, _ := newTestStore(t)
	ctx := context.Background()
	rec := NewRecorder(svc)

	id, err := rec.StartExecution(ctx, "wf", "wf", nil)
	require.NoError(t, err)
	stepID, err := rec.StartStep(ctx, id, "s1", "a", "act", nil)
	require.NoError(t, err)
	require.NoError(t, rec.FinishStep(ctx, stepID, map[string]any{"error": "timeout"}, assert.AnError, 1))
	require.NoError(t, rec.FinishExecution(ctx, id, nil, context.Canceled))

	e, err := svc.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, e.Status)

	steps, err := svc.StepExecutions(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, steps[0].Status)
	assert.Equal(t, assert.AnError.Error(), steps[0].ErrorMessage)
	assert.Equal(t, 1, steps[0].RetryCount)
}

func TestSchemaOnMemoryDriver(t *testing.T) {
	svc := newMemoryStore(t)
	ctx := context.Background()

	id, err := svc.CreateExecution(ctx, "wf", "wf", map[string]any{"n": 1})
	require.NoError(t, err)
	require.NoError(t, svc.UpdateExecution(ctx, id, StatusFailed, nil, "boom"))

	e, err := svc.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "boom", e.ErrorMessage)

	// Schema application is idempotent.
	_, err = NewFromDB(svc.DB())
	require.NoError(t, err)
}
