package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

func terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// Execution is one workflow run.
type Execution struct {
	ExecutionID     string         `json:"execution_id"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowName    string         `json:"workflow_name"`
	Status          string         `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at"`
	DurationSeconds *float64       `json:"duration_seconds"`
	Context         map[string]any `json:"context,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
}

// StepExecution is one step attempt group within a run.
type StepExecution struct {
	StepExecutionID string         `json:"step_execution_id"`
	ExecutionID     string         `json:"execution_id"`
	StepID          string         `json:"step_id"`
	AgentID         string         `json:"agent_id"`
	Action          string         `json:"action"`
	Status          string         `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at"`
	DurationMs      *float64       `json:"duration_ms"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	RetryCount      int            `json:"retry_count"`
}

// Statistics summarises runs, optionally for one workflow.
type Statistics struct {
	TotalExecutions        int     `json:"total_executions"`
	Completed              int     `json:"completed"`
	Failed                 int     `json:"failed"`
	Running                int     `json:"running"`
	SuccessRate            float64 `json:"success_rate"`
	AverageDurationSeconds float64 `json:"average_duration_seconds"`
}

// CreateExecution inserts a running execution and returns its id.
func (s *Service) CreateExecution(ctx context.Context, workflowID, name string, input map[string]any) (string, error) {
	ctxJSON, err := encodeJSON(input)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	now := formatTime(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (execution_id, workflow_id, workflow_name, status, started_at, context_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, workflowID, name, StatusRunning, now, ctxJSON, now)
	if err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}
	s.logger.Info("Created workflow execution", "execution_id", id, "workflow", name)
	return id, nil
}

// UpdateExecution changes status, result and error. Empty values leave the
// stored column untouched. Terminal statuses stamp completion and duration.
func (s *Service) UpdateExecution(ctx context.Context, id, status string, result map[string]any, errMsg string) error {
	resJSON, err := encodeJSON(result)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	defer tx.Rollback()

	var started string
	err = tx.QueryRowContext(ctx, `SELECT started_at FROM workflow_executions WHERE execution_id = ?`, id).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	var completed sql.NullString
	var duration sql.NullFloat64
	if terminal(status) {
		now := s.now()
		completed = sql.NullString{String: formatTime(now), Valid: true}
		duration = sql.NullFloat64{Float64: now.Sub(parseTime(started)).Seconds(), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE workflow_executions SET
			status = COALESCE(NULLIF(?, ''), status),
			result_json = COALESCE(?, result_json),
			error_message = COALESCE(NULLIF(?, ''), error_message),
			completed_at = COALESCE(?, completed_at),
			duration_seconds = COALESCE(?, duration_seconds)
		WHERE execution_id = ?`,
		status, resJSON, errMsg, completed, duration, id)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return tx.Commit()
}

// CreateStepExecution inserts a running step and returns its id.
func (s *Service) CreateStepExecution(ctx context.Context, executionID, stepID, agentID, action string, params map[string]any) (string, error) {
	paramJSON, err := encodeJSON(params)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_step_executions (step_execution_id, execution_id, step_id, agent_id, action, status, started_at, parameters_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, executionID, stepID, agentID, action, StatusRunning, formatTime(s.now()), paramJSON)
	if err != nil {
		return "", fmt.Errorf("create step execution: %w", err)
	}
	return id, nil
}

// UpdateStepExecution mirrors UpdateExecution for steps. A negative
// retryCount leaves the stored count unchanged.
func (s *Service) UpdateStepExecution(ctx context.Context, id, status string, result map[string]any, errMsg string, retryCount int) error {
	resJSON, err := encodeJSON(result)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update step execution: %w", err)
	}
	defer tx.Rollback()

	var started string
	err = tx.QueryRowContext(ctx, `SELECT started_at FROM workflow_step_executions WHERE step_execution_id = ?`, id).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("step execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update step execution: %w", err)
	}

	var completed sql.NullString
	var duration sql.NullFloat64
	if terminal(status) {
		now := s.now()
		completed = sql.NullString{String: formatTime(now), Valid: true}
		duration = sql.NullFloat64{Float64: float64(now.Sub(parseTime(started)).Microseconds()) / 1000, Valid: true}
	}
	retries := sql.NullInt64{Int64: int64(retryCount), Valid: retryCount >= 0}
	_, err = tx.ExecContext(ctx, `
		UPDATE workflow_step_executions SET
			status = COALESCE(NULLIF(?, ''), status),
			result_json = COALESCE(?, result_json),
			error_message = COALESCE(NULLIF(?, ''), error_message),
			retry_count = COALESCE(?, retry_count),
			completed_at = COALESCE(?, completed_at),
			duration_ms = COALESCE(?, duration_ms)
		WHERE step_execution_id = ?`,
		status, resJSON, errMsg, retries, completed, duration, id)
	if err != nil {
		return fmt.Errorf("update step execution: %w", err)
	}
	return tx.Commit()
}

const executionColumns = `execution_id, workflow_id, workflow_name, status, started_at, completed_at,
	duration_seconds, context_json, result_json, error_message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		e                   Execution
		started             string
		completed, errMsg   sql.NullString
		ctxJSON, resultJSON sql.NullString
		duration            sql.NullFloat64
	)
	if err := row.Scan(&e.ExecutionID, &e.WorkflowID, &e.WorkflowName, &e.Status, &started, &completed,
		&duration, &ctxJSON, &resultJSON, &errMsg); err != nil {
		return nil, err
	}
	e.StartedAt = parseTime(started)
	e.CompletedAt = nullTime(completed)
	e.DurationSeconds = nullFloat(duration)
	e.Context = decodeJSON(ctxJSON)
	e.Result = decodeJSON(resultJSON)
	e.ErrorMessage = errMsg.String
	return &e, nil
}

// GetExecution returns nil, nil when id is unknown.
func (s *Service) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE execution_id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ExecutionHistory lists runs newest first. An empty workflowID lists all.
func (s *Service) ExecutionHistory(ctx context.Context, workflowID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	args := []any{}
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("execution history: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// StepExecutions lists a run's steps in start order.
func (s *Service) StepExecutions(ctx context.Context, executionID string) ([]StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_execution_id, execution_id, step_id, agent_id, action, status, started_at, completed_at,
			duration_ms, parameters_json, result_json, error_message, retry_count
		FROM workflow_step_executions WHERE execution_id = ? ORDER BY started_at, rowid`, executionID)
	if err != nil {
		return nil, fmt.Errorf("step executions: %w", err)
	}
	defer rows.Close()

	var out []StepExecution
	for rows.Next() {
		var (
			st                    StepExecution
			started               string
			completed, errMsg     sql.NullString
			paramJSON, resultJSON sql.NullString
			duration              sql.NullFloat64
		)
		if err := rows.Scan(&st.StepExecutionID, &st.ExecutionID, &st.StepID, &st.AgentID, &st.Action, &st.Status,
			&started, &completed, &duration, &paramJSON, &resultJSON, &errMsg, &st.RetryCount); err != nil {
			return nil, fmt.Errorf("scan step execution: %w", err)
		}
		st.StartedAt = parseTime(started)
		st.CompletedAt = nullTime(completed)
		st.DurationMs = nullFloat(duration)
		st.Parameters = decodeJSON(paramJSON)
		st.Result = decodeJSON(resultJSON)
		st.ErrorMessage = errMsg.String
		out = append(out, st)
	}
	return out, rows.Err()
}

// Statistics aggregates runs. An empty workflowID covers every workflow.
// The average duration counts completed runs only.
func (s *Service) Statistics(ctx context.Context, workflowID string) (*Statistics, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN status = 'completed' AND duration_seconds > 0 THEN duration_seconds END), 0)
		FROM workflow_executions`
	args := []any{}
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	var st Statistics
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&st.TotalExecutions, &st.Completed, &st.Failed, &st.Running, &st.AverageDurationSeconds); err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}
	if st.TotalExecutions > 0 {
		st.SuccessRate = float64(st.Completed) / float64(st.TotalExecutions) * 100
	}
	return &st, nil
}
