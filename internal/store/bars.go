package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/KafClaw/MarketClaw/internal/market"
)

// UpsertBars inserts or replaces bars keyed by symbol, date and interval.
func (s *Service) UpsertBars(ctx context.Context, symbol, interval, source string, bars []market.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("upsert bars: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO historical_prices (symbol, date, open, high, low, close, volume, adj_close, interval, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, date, interval) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			adj_close = excluded.adj_close,
			source = excluded.source`)
	if err != nil {
		return 0, fmt.Errorf("upsert bars: %w", err)
	}
	defer stmt.Close()

	now := formatTime(s.now())
	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, symbol, formatTime(b.Date), b.Open, b.High, b.Low, b.Close,
			b.Volume, b.AdjClose, interval, source, now); err != nil {
			return 0, fmt.Errorf("upsert bar %s %s: %w", symbol, b.Date.Format(time.DateOnly), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("upsert bars: %w", err)
	}
	return len(bars), nil
}

// Bars returns stored bars on or after since, oldest first.
func (s *Service) Bars(ctx context.Context, symbol, interval string, since time.Time) ([]market.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, open, high, low, close, volume, adj_close FROM historical_prices
		WHERE symbol = ? AND interval = ? AND date >= ? ORDER BY date`,
		symbol, interval, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("bars %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []market.Bar
	for rows.Next() {
		var (
			b    market.Bar
			date string
			adj  sql.NullFloat64
		)
		if err := rows.Scan(&date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &adj); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.Date = parseTime(date)
		b.AdjClose = b.Close
		if adj.Valid {
			b.AdjClose = adj.Float64
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BarDates lists stored bar dates, oldest first.
func (s *Service) BarDates(ctx context.Context, symbol, interval string) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date FROM historical_prices WHERE symbol = ? AND interval = ? ORDER BY date`, symbol, interval)
	if err != nil {
		return nil, fmt.Errorf("bar dates %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan bar date: %w", err)
		}
		out = append(out, parseTime(d))
	}
	return out, rows.Err()
}

// LatestBarDate returns the newest stored date, or the zero time.
func (s *Service) LatestBarDate(ctx context.Context, symbol, interval string) (time.Time, error) {
	var d sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(date) FROM historical_prices WHERE symbol = ? AND interval = ?`, symbol, interval).Scan(&d)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("latest bar date %s: %w", symbol, err)
	}
	if t := nullTime(d); t != nil {
		return *t, nil
	}
	return time.Time{}, nil
}
