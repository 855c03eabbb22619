package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	SeverityLow     = "low"
	SeverityMedium  = "medium"
	SeverityHigh    = "high"
	SeverityWarning = "warning"
)

// QualityEntry is one logged data-quality issue.
type QualityEntry struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	AgentID     string    `json:"agent_id"`
	DataType    string    `json:"data_type"`
	Symbol      string    `json:"symbol,omitempty"`
	IssueType   string    `json:"issue_type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	RawData     string    `json:"raw_data,omitempty"`
}

func (s *Service) LogDataQuality(ctx context.Context, e *QualityEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO data_quality_logs (timestamp, agent_id, data_type, symbol, issue_type, severity, description, raw_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(ts), e.AgentID, e.DataType, nullString(e.Symbol), e.IssueType, e.Severity, e.Description, nullString(e.RawData))
	if err != nil {
		return fmt.Errorf("log data quality: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	e.Timestamp = ts
	return nil
}

// DataQualityLogs lists issues newest first. An empty agentID lists all.
func (s *Service) DataQualityLogs(ctx context.Context, agentID string, limit int) ([]QualityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, timestamp, agent_id, data_type, symbol, issue_type, severity, description, raw_data FROM data_quality_logs`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("data quality logs: %w", err)
	}
	defer rows.Close()

	var out []QualityEntry
	for rows.Next() {
		var (
			e           QualityEntry
			ts          string
			symbol, raw sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.AgentID, &e.DataType, &symbol, &e.IssueType, &e.Severity, &e.Description, &raw); err != nil {
			return nil, fmt.Errorf("scan data quality log: %w", err)
		}
		e.Timestamp = parseTime(ts)
		e.Symbol = symbol.String
		e.RawData = raw.String
		out = append(out, e)
	}
	return out, rows.Err()
}
