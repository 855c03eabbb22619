// Package marketdata implements the market_data_fetcher agent.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KafClaw/MarketClaw/internal/agent"
	"github.com/KafClaw/MarketClaw/internal/agents"
	"github.com/KafClaw/MarketClaw/internal/bus"
	"github.com/KafClaw/MarketClaw/internal/market"
	"github.com/KafClaw/MarketClaw/internal/store"
)

const (
	ID = "market_data_fetcher"

	TopicUpdates = "market_data_updates"
	TopicQuality = "data_quality_alerts"
	TopicRequest = "market_data_request"

	DefaultQuoteTTL = 15 * time.Second
)

// QuoteStore persists quotes and data-quality issues.
type QuoteStore interface {
	SaveQuote(ctx context.Context, q *market.Quote) error
	LatestQuote(ctx context.Context, symbol string, maxAge time.Duration) (*market.Quote, error)
	LogDataQuality(ctx context.Context, e *store.QualityEntry) error
}

type fetcher struct {
	rt       *agent.Runtime
	provider market.Provider
	store    QuoteStore
	ttl      time.Duration
}

func Metadata() agent.Metadata {
	symbol := map[string]string{"symbol": "str"}
	return agent.Metadata{
		ID:          ID,
		Name:        "Market Data Fetcher",
		Description: "Fetches real-time stock prices, quotes, and trades",
		Version:     "1.0.0",
		Category:    "data",
		Capabilities: []agent.Capability{
			{Name: "fetch_price", Description: "Get current price for a symbol", Parameters: symbol, Returns: "Dict[str, Any]"},
			{Name: "fetch_quote", Description: "Get full quote with bid/ask spreads", Parameters: map[string]string{"symbol": "str", "use_cache": "bool"}, Returns: "Dict[str, Any]"},
			{Name: "fetch_batch", Description: "Fetch quotes for multiple symbols", Parameters: map[string]string{"symbols": "List[str]", "use_cache": "bool"}, Returns: "Dict[str, List[Dict]]"},
			{Name: "validate_symbol", Description: "Check if a symbol is valid", Parameters: symbol, Returns: "Dict[str, bool]"},
		},
		SubscribesTo: []string{TopicRequest},
		PublishesTo:  []string{TopicUpdates, TopicQuality},
	}
}

// New builds the fetcher. A non-positive ttl uses DefaultQuoteTTL.
func New(b *bus.Bus, provider market.Provider, st QuoteStore, ttl time.Duration, opts ...agent.Option) (*agent.Runtime, error) {
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	f := &fetcher{provider: provider, store: st, ttl: ttl}
	handlers := agent.Handlers{
		"fetch_price":     f.fetchPrice,
		"fetch_quote":     f.handleQuote,
		"fetch_batch":     f.fetchBatch,
		"validate_symbol": f.validateSymbol,
	}
	hooks := agent.Hooks{OnEvent: f.onRequestEvent}
	rt, err := agent.New(b, Metadata(), handlers, append(opts, agent.WithHooks(hooks))...)
	if err != nil {
		return nil, err
	}
	f.rt = rt
	return rt, nil
}

// An event on market_data_request refreshes the named symbol.
func (f *fetcher) onRequestEvent(ctx context.Context, msg *bus.Message) {
	if msg.Topic != TopicRequest {
		return
	}
	symbol := agent.Params(msg.Data).String("symbol", "")
	if symbol == "" {
		return
	}
	if out := f.fetchQuote(ctx, symbol, false); out["error"] != nil {
		f.rt.Logger().Warn("Requested refresh failed", "symbol", symbol, "error", out["error"])
	}
}

func (f *fetcher) fetchPrice(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	raw := agent.Params(msg.Data).String("symbol", "")
	if raw == "" {
		return agent.ErrorPayload("Missing required parameter: symbol"), nil
	}
	symbol := market.SanitizeSymbol(raw)
	if err := market.ValidateSymbol(symbol); err != nil {
		f.rt.Logger().Warn("Validation error", "symbol", symbol, "error", err)
		return map[string]any{"error": err.Error(), "symbol": symbol}, nil
	}

	q, err := f.provider.Quote(ctx, symbol)
	if err != nil {
		if errors.Is(err, market.ErrNoData) {
			return map[string]any{"error": "Could not fetch price for symbol: " + symbol, "symbol": symbol}, nil
		}
		f.rt.Logger().Error("Error fetching price", "symbol", symbol, "error", err)
		return map[string]any{"error": err.Error(), "symbol": symbol}, nil
	}
	if err := market.ValidatePrice("price", q.Price); err != nil {
		f.rt.Logger().Warn("Validation error", "symbol", symbol, "error", err)
		return map[string]any{"error": err.Error(), "symbol": symbol}, nil
	}

	if err := f.rt.PublishEvent(ctx, TopicUpdates, map[string]any{
		"type": "price_update", "symbol": symbol, "price": q.Price,
	}); err != nil {
		f.rt.Logger().Warn("Price update not published", "symbol", symbol, "error", err)
	}
	return map[string]any{
		"symbol":    symbol,
		"price":     q.Price,
		"timestamp": q.Timestamp.UTC().Format(time.RFC3339),
		"source":    q.Source,
	}, nil
}

func (f *fetcher) handleQuote(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	raw := p.String("symbol", "")
	if raw == "" {
		return agent.ErrorPayload("Missing required parameter: symbol"), nil
	}
	return f.fetchQuote(ctx, raw, p.Bool("use_cache", true)), nil
}

func (f *fetcher) fetchQuote(ctx context.Context, raw string, useCache bool) map[string]any {
	symbol := market.SanitizeSymbol(raw)
	if err := market.ValidateSymbol(symbol); err != nil {
		return f.qualityFailure(ctx, symbol, err)
	}

	if useCache && f.store != nil {
		cached, err := f.store.LatestQuote(ctx, symbol, f.ttl)
		if err != nil {
			f.rt.Logger().Error("Error fetching cached quote", "symbol", symbol, "error", err)
		} else if cached != nil {
			f.rt.Logger().Debug("Using cached quote", "symbol", symbol)
			out := agents.QuoteMap(cached)
			out["cached"] = true
			return out
		}
	}

	q, err := f.provider.Quote(ctx, symbol)
	if err != nil {
		f.rt.Logger().Error("Error fetching quote", "symbol", symbol, "error", err)
		return map[string]any{"error": err.Error(), "symbol": symbol}
	}
	if err := market.ValidateQuote(q); err != nil {
		return f.qualityFailure(ctx, symbol, err)
	}
	if f.store != nil {
		if err := f.store.SaveQuote(ctx, q); err != nil {
			f.rt.Logger().Error("Error storing quote", "symbol", symbol, "error", err)
		}
	}

	out := agents.QuoteMap(q)
	if err := f.rt.PublishEvent(ctx, TopicUpdates, map[string]any{
		"type": "quote_update", "symbol": symbol, "quote": out,
	}); err != nil {
		f.rt.Logger().Warn("Quote update not published", "symbol", symbol, "error", err)
	}
	return out
}

func (f *fetcher) qualityFailure(ctx context.Context, symbol string, err error) map[string]any {
	f.rt.Logger().Warn("Validation error", "symbol", symbol, "error", err)
	if perr := f.rt.PublishAlert(ctx, TopicQuality, map[string]any{
		"agent_id": ID,
		"symbol":   symbol,
		"issue":    err.Error(),
		"severity": store.SeverityMedium,
	}); perr != nil {
		f.rt.Logger().Warn("Data quality alert not published", "error", perr)
	}
	if f.store != nil {
		if lerr := f.store.LogDataQuality(ctx, &store.QualityEntry{
			AgentID:     ID,
			DataType:    "quote",
			Symbol:      symbol,
			IssueType:   "validation",
			Severity:    store.SeverityMedium,
			Description: err.Error(),
		}); lerr != nil {
			f.rt.Logger().Warn("Data quality issue not logged", "error", lerr)
		}
	}
	return map[string]any{"error": err.Error(), "symbol": symbol}
}

func (f *fetcher) fetchBatch(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	switch v := p["symbols"].(type) {
	case nil:
		return agent.ErrorPayload("Missing required parameter: symbols"), nil
	case string:
		if v == "" {
			return agent.ErrorPayload("Missing required parameter: symbols"), nil
		}
		return agent.ErrorPayload("symbols must be a list"), nil
	case []any, []string:
	default:
		return agent.ErrorPayload("symbols must be a list"), nil
	}
	symbols := p.Strings("symbols")
	if len(symbols) == 0 {
		return agent.ErrorPayload("Missing required parameter: symbols"), nil
	}
	useCache := p.Bool("use_cache", true)

	quotes := []map[string]any{}
	failures := []map[string]any{}
	for _, s := range symbols {
		if ctx.Err() != nil {
			failures = append(failures, map[string]any{"symbol": s, "error": ctx.Err().Error()})
			continue
		}
		q := f.fetchQuote(ctx, s, useCache)
		if e, ok := agent.PayloadError(q); ok {
			failures = append(failures, map[string]any{"symbol": s, "error": e})
			continue
		}
		quotes = append(quotes, q)
	}
	return map[string]any{
		"quotes":     quotes,
		"errors":     failures,
		"total":      len(symbols),
		"successful": len(quotes),
		"failed":     len(failures),
	}, nil
}

func (f *fetcher) validateSymbol(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	raw := agent.Params(msg.Data).String("symbol", "")
	if raw == "" {
		return agent.ErrorPayload("Missing required parameter: symbol"), nil
	}
	symbol := market.SanitizeSymbol(raw)
	if err := market.ValidateSymbol(symbol); err != nil {
		return map[string]any{"symbol": symbol, "valid": false, "error": err.Error()}, nil
	}
	inst, err := f.provider.Lookup(ctx, symbol)
	if err != nil {
		return map[string]any{"symbol": symbol, "valid": false, "error": fmt.Sprint(err)}, nil
	}
	var name any
	if inst.Name != "" {
		name = inst.Name
	}
	return map[string]any{"symbol": symbol, "valid": inst.Tradable, "company_name": name}, nil
}
