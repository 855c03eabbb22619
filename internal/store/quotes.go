package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/KafClaw/MarketClaw/internal/market"
)

func optFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func optInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

// SaveQuote appends a quote snapshot.
func (s *Service) SaveQuote(ctx context.Context, q *market.Quote) error {
	source := q.Source
	if source == "" {
		source = "unknown"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_quotes (symbol, name, timestamp, price, previous_close, day_high, day_low,
			bid, ask, bid_size, ask_size, volume, currency, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.Symbol, nullString(q.Name), formatTime(q.Timestamp), q.Price, q.PreviousClose, q.DayHigh, q.DayLow,
		optFloat(q.Bid), optFloat(q.Ask), optInt(q.BidSize), optInt(q.AskSize), optInt(q.Volume),
		nullString(q.Currency), source, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("save quote %s: %w", q.Symbol, err)
	}
	return nil
}

// LatestQuote returns the newest stored quote for symbol saved within
// maxAge, or nil. A zero maxAge accepts any age.
func (s *Service) LatestQuote(ctx context.Context, symbol string, maxAge time.Duration) (*market.Quote, error) {
	query := `
		SELECT symbol, name, timestamp, price, previous_close, day_high, day_low,
			bid, ask, bid_size, ask_size, volume, currency, source
		FROM market_quotes WHERE symbol = ?`
	args := []any{symbol}
	if maxAge > 0 {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(s.now().Add(-maxAge)))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	var (
		q                     market.Quote
		name, currency        sql.NullString
		ts                    string
		prev, high, low       sql.NullFloat64
		bid, ask              sql.NullFloat64
		bidSize, askSize, vol sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&q.Symbol, &name, &ts, &q.Price, &prev, &high, &low,
		&bid, &ask, &bidSize, &askSize, &vol, &currency, &q.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest quote %s: %w", symbol, err)
	}
	q.Name = name.String
	q.Currency = currency.String
	q.Timestamp = parseTime(ts)
	q.PreviousClose, q.DayHigh, q.DayLow = prev.Float64, high.Float64, low.Float64
	q.Bid, q.Ask = nullFloat(bid), nullFloat(ask)
	q.BidSize, q.AskSize, q.Volume = nullInt(bidSize), nullInt(askSize), nullInt(vol)
	return &q, nil
}
