// Package market defines market data types, the provider contract and the
// validation rules every fetched value must pass.
package market

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrNoData is returned when a provider has nothing for the request.
var ErrNoData = errors.New("no market data")

// Quote is a point-in-time price for one symbol.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Name          string    `json:"name,omitempty"`
	Price         float64   `json:"price"`
	PreviousClose float64   `json:"previous_close,omitempty"`
	DayHigh       float64   `json:"day_high,omitempty"`
	DayLow        float64   `json:"day_low,omitempty"`
	Bid           *float64  `json:"bid"`
	Ask           *float64  `json:"ask"`
	BidSize       *int64    `json:"bid_size"`
	AskSize       *int64    `json:"ask_size"`
	Volume        *int64    `json:"volume"`
	Currency      string    `json:"currency,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
}

// Bar is one OHLCV row.
type Bar struct {
	Date     time.Time `json:"date"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	AdjClose float64   `json:"adj_close,omitempty"`
	Volume   int64     `json:"volume"`
}

// Instrument describes what a symbol refers to.
type Instrument struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Exchange string `json:"exchange,omitempty"`
	Currency string `json:"currency,omitempty"`
	Type     string `json:"type,omitempty"`
	Tradable bool   `json:"tradable"`
}

// Provider fetches market data. Implementations must be safe for
// concurrent use.
type Provider interface {
	Quote(ctx context.Context, symbol string) (*Quote, error)
	History(ctx context.Context, symbol string, start, end time.Time, interval string) ([]Bar, error)
	Lookup(ctx context.Context, symbol string) (*Instrument, error)
}

// ValidIntervals lists the bar intervals providers accept.
var ValidIntervals = []string{"1m", "2m", "5m", "15m", "30m", "60m", "90m", "1h", "1d", "5d", "1wk", "1mo", "3mo"}

// ValidInterval reports whether interval is one of ValidIntervals.
func ValidInterval(interval string) bool {
	return slices.Contains(ValidIntervals, interval)
}

// Closes extracts close prices in bar order.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
