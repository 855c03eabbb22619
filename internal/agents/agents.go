// Package agents holds helpers shared by the concrete market agents.
package agents

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/KafClaw/MarketClaw/internal/indicators"
	"github.com/KafClaw/MarketClaw/internal/market"
)

const DefaultInterval = "1d"

// BarReader reads stored historical bars.
type BarReader interface {
	Bars(ctx context.Context, symbol, interval string, since time.Time) ([]market.Bar, error)
	LatestBarDate(ctx context.Context, symbol, interval string) (time.Time, error)
}

// RecentBars loads daily bars ending at the newest stored date and starting
// calendarDays before it. No stored data yields an empty slice.
func RecentBars(ctx context.Context, r BarReader, symbol string, calendarDays int) ([]market.Bar, error) {
	latest, err := r.LatestBarDate(ctx, symbol, DefaultInterval)
	if err != nil {
		return nil, err
	}
	if latest.IsZero() {
		return nil, nil
	}
	bars, err := r.Bars(ctx, symbol, DefaultInterval, latest.AddDate(0, 0, -calendarDays))
	if err != nil {
		return nil, fmt.Errorf("load %s bars: %w", symbol, err)
	}
	return bars, nil
}

// Timestamp formats now for response payloads.
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// R2 rounds to cents. NaN becomes nil so payloads stay JSON-encodable.
func R2(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return indicators.Round(v, 2)
}

func ptr[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// QuoteMap renders a quote as a response payload.
func QuoteMap(q *market.Quote) map[string]any {
	m := map[string]any{
		"symbol":    q.Symbol,
		"timestamp": q.Timestamp.UTC().Format(time.RFC3339),
		"price":     q.Price,
		"bid":       ptr(q.Bid),
		"ask":       ptr(q.Ask),
		"bid_size":  ptr(q.BidSize),
		"ask_size":  ptr(q.AskSize),
		"volume":    ptr(q.Volume),
		"source":    q.Source,
	}
	if q.Name != "" {
		m["name"] = q.Name
	}
	if q.PreviousClose > 0 {
		m["previous_close"] = q.PreviousClose
		m["change_pct"] = R2(indicators.PctDistance(q.Price, q.PreviousClose))
	}
	return m
}

// BarMap renders a bar as a response payload.
func BarMap(symbol, interval string, b market.Bar) map[string]any {
	return map[string]any{
		"symbol":    symbol,
		"date":      b.Date.Format(time.DateOnly),
		"open":      b.Open,
		"high":      b.High,
		"low":       b.Low,
		"close":     b.Close,
		"adj_close": b.AdjClose,
		"volume":    b.Volume,
		"interval":  interval,
	}
}
