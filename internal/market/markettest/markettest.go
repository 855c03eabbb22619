// Package markettest provides an in-memory market.Provider for tests.
package markettest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/KafClaw/MarketClaw/internal/market"
)

// Provider serves canned quotes and bars.
type Provider struct {
	mu     sync.Mutex
	quotes map[string]*market.Quote
	bars   map[string][]market.Bar
	names  map[string]string
	errs   map[string]error
	calls  map[string]int
}

// New returns an empty provider.
func New() *Provider {
	return &Provider{
		quotes: map[string]*market.Quote{},
		bars:   map[string][]market.Bar{},
		names:  map[string]string{},
		errs:   map[string]error{},
		calls:  map[string]int{},
	}
}

// SetQuote registers a quote for its symbol.
func (p *Provider) SetQuote(q market.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q.Source == "" {
		q.Source = "test"
	}
	p.quotes[q.Symbol] = &q
}

// SetBars registers the full bar history for a symbol.
func (p *Provider) SetBars(symbol string, bars []market.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[symbol] = bars
}

// SetName registers an instrument name.
func (p *Provider) SetName(symbol, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names[symbol] = name
}

// Fail makes every call for symbol return err.
func (p *Provider) Fail(symbol string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[symbol] = err
}

// Calls returns how many provider calls were made for symbol.
func (p *Provider) Calls(symbol string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[symbol]
}

func (p *Provider) enter(symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[symbol]++
	return p.errs[symbol]
}

func (p *Provider) Quote(_ context.Context, symbol string) (*market.Quote, error) {
	if err := p.enter(symbol); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", symbol, market.ErrNoData)
	}
	cp := *q
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	return &cp, nil
}

func (p *Provider) History(_ context.Context, symbol string, start, end time.Time, _ string) ([]market.Bar, error) {
	if err := p.enter(symbol); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []market.Bar
	for _, b := range p.bars[symbol] {
		if b.Date.Before(start) || (!end.IsZero() && b.Date.After(end)) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (p *Provider) Lookup(_ context.Context, symbol string) (*market.Instrument, error) {
	if err := p.enter(symbol); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, hasQuote := p.quotes[symbol]
	return &market.Instrument{Symbol: symbol, Name: p.names[symbol], Tradable: hasQuote}, nil
}

// Series builds daily bars ending at end, one per close, oldest first.
// Each bar spans 1% around its close.
func Series(end time.Time, closes []float64) []market.Bar {
	end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, len(closes))
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		bars[i] = market.Bar{
			Date:     end.AddDate(0, 0, i-len(closes)+1),
			Open:     open,
			High:     math.Max(open, c) * 1.005,
			Low:      math.Min(open, c) * 0.995,
			Close:    c,
			AdjClose: c,
			Volume:   1_000_000,
		}
	}
	return bars
}

// Linear returns n closes from start moving by step each bar.
func Linear(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}
