// Package history implements the historical_data_loader agent.
package history

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/KafClaw/MarketClaw/internal/agent"
	"github.com/KafClaw/MarketClaw/internal/agents"
	"github.com/KafClaw/MarketClaw/internal/bus"
	"github.com/KafClaw/MarketClaw/internal/market"
	"github.com/KafClaw/MarketClaw/internal/store"
)

const (
	ID = "historical_data_loader"

	TopicLoaded = "historical_data_loaded"

	DefaultCacheTTL = 24 * time.Hour
	incrementalDays = 30
)

// BarStore persists bars and quality issues.
type BarStore interface {
	agents.BarReader
	UpsertBars(ctx context.Context, symbol, interval, source string, bars []market.Bar) (int, error)
	BarDates(ctx context.Context, symbol, interval string) ([]time.Time, error)
	LogDataQuality(ctx context.Context, e *store.QualityEntry) error
}

type loader struct {
	rt       *agent.Runtime
	provider market.Provider
	store    BarStore
	cache    store.Cache
	ttl      time.Duration
	now      func() time.Time
}

func Metadata() agent.Metadata {
	load := map[string]string{
		"symbol":     "str",
		"start_date":    "str (YYYY-MM-DD)",
		"end_date":      "str (YYYY-MM-DD, optional)",
		"interval":      "str (default: 1d)",
		"lookback_days": "int (optional): used when start_date is absent",
	}
	return agent.Metadata{
		ID:          ID,
		Name:        "Historical Data Loader",
		Description: "Fetches and caches historical OHLCV data for backtesting and analysis",
		Version:     "1.0.0",
		Category:    "data",
		Capabilities: []agent.Capability{
			{Name: "load_history", Description: "Load historical OHLCV bars for a symbol", Parameters: load, Returns: "Dict[str, Any]"},
			{Name: "load_batch_history", Description: "Load history for multiple symbols", Parameters: map[string]string{"symbols": "List[str]", "start_date": "str", "end_date": "str (optional)", "interval": "str", "lookback_days": "int (optional)"}},
			{Name: "get_available_dates", Description: "List stored dates for a symbol", Parameters: map[string]string{"symbol": "str", "interval": "str (optional)"}},
			{Name: "update_incremental", Description: "Fetch only new bars since last cached date", Parameters: map[string]string{"symbol": "str", "interval": "str (default: 1d)"}},
		},
		PublishesTo: []string{TopicLoaded},
	}
}

// New builds the loader. The cache may be nil, which disables caching.
func New(b *bus.Bus, provider market.Provider, st BarStore, cache store.Cache, ttl time.Duration, opts ...agent.Option) (*agent.Runtime, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	l := &loader{provider: provider, store: st, cache: cache, ttl: ttl, now: time.Now}
	rt, err := agent.New(b, Metadata(), agent.Handlers{
		"load_history":        l.loadHistory,
		"load_batch_history":  l.loadBatch,
		"get_available_dates": l.availableDates,
		"update_incremental":  l.updateIncremental,
	}, opts...)
	if err != nil {
		return nil, err
	}
	l.rt = rt
	return rt, nil
}

func failure(format string, args ...any) map[string]any {
	out := agent.ErrorPayload(format, args...)
	out["success"] = false
	return out
}

func sortedIntervals() []string {
	s := slices.Clone(market.ValidIntervals)
	slices.Sort(s)
	return s
}

type loadRequest struct {
	symbol    string
	startDate string
	endDate   string
	interval  string

	// lookbackDays stands in for a missing startDate.
	lookbackDays int
}

func (l *loader) loadHistory(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	return l.load(ctx, loadRequest{
		symbol:    p.String("symbol", ""),
		startDate: p.String("start_date", ""),
		endDate:   p.String("end_date", ""),
		interval:  p.String("interval", agents.DefaultInterval),

		lookbackDays: p.Int("lookback_days", 0),
	}), nil
}

func (l *loader) load(ctx context.Context, req loadRequest) map[string]any {
	symbol := market.SanitizeSymbol(req.symbol)
	if err := market.ValidateSymbol(symbol); err != nil {
		return failure("%s", err)
	}
	if !market.ValidInterval(req.interval) {
		return failure("Invalid interval: %s. Valid: %v", req.interval, sortedIntervals())
	}
	if req.startDate == "" && req.lookbackDays > 0 {
		req.startDate = l.now().UTC().AddDate(0, 0, -req.lookbackDays).Format(time.DateOnly)
	}
	if req.startDate == "" {
		return failure("start_date is required (format: YYYY-MM-DD)")
	}
	start, err := time.Parse(time.DateOnly, req.startDate)
	if err != nil {
		return failure("Invalid date format: %v", err)
	}
	end := l.now().UTC()
	endLabel := "now"
	if req.endDate != "" {
		if end, err = time.Parse(time.DateOnly, req.endDate); err != nil {
			return failure("Invalid date format: %v", err)
		}
		endLabel = req.endDate
	}

	key := fmt.Sprintf("%s_%s_%s_%s", symbol, req.startDate, endLabel, req.interval)
	var cached []market.Bar
	if l.cache != nil {
		hit, err := store.GetJSON(ctx, l.cache, ID, key, &cached)
		if err != nil {
			l.rt.Logger().Warn("Cache read failed", "key", key, "error", err)
		}
		if hit && len(cached) > 0 {
			l.rt.Logger().Info("Cache hit for history", "symbol", symbol)
			return map[string]any{"success": true, "data": barMaps(symbol, req.interval, cached), "count": len(cached), "cached": true}
		}
	}

	l.rt.Logger().Info("Fetching history", "symbol", symbol, "start", req.startDate, "end", endLabel, "interval", req.interval)
	fetched, err := l.provider.History(ctx, symbol, start, end, req.interval)
	if err != nil && !errors.Is(err, market.ErrNoData) {
		l.rt.Logger().Error("Error loading history", "symbol", symbol, "error", err)
		return failure("%s", err)
	}
	if len(fetched) == 0 {
		l.rt.Logger().Warn("No data returned", "symbol", symbol)
		return failure("No historical data available for %s", symbol)
	}

	bars := make([]market.Bar, 0, len(fetched))
	for _, b := range fetched {
		if err := market.ValidateBar(symbol, b); err != nil {
			l.logQuality(ctx, symbol, fmt.Sprintf("%s %s: %v", symbol, b.Date.Format(time.DateOnly), err))
			continue
		}
		if b.AdjClose == 0 {
			b.AdjClose = b.Close
		}
		bars = append(bars, b)
	}
	if l.store != nil && len(bars) > 0 {
		if _, err := l.store.UpsertBars(ctx, symbol, req.interval, "yahoo", bars); err != nil {
			l.rt.Logger().Error("Error loading history", "symbol", symbol, "error", err)
			return failure("%s", err)
		}
	}
	if l.cache != nil {
		if err := store.SetJSON(ctx, l.cache, ID, key, bars, l.ttl); err != nil {
			l.rt.Logger().Warn("Cache write failed", "key", key, "error", err)
		}
	}

	if err := l.rt.PublishEvent(ctx, TopicLoaded, map[string]any{
		"symbol":     symbol,
		"start_date": req.startDate,
		"end_date":   endLabel,
		"interval":   req.interval,
		"bar_count":  len(bars),
	}); err != nil {
		l.rt.Logger().Warn("Load event not published", "symbol", symbol, "error", err)
	}
	l.rt.Logger().Info("Loaded bars", "symbol", symbol, "count", len(bars))
	return map[string]any{"success": true, "data": barMaps(symbol, req.interval, bars), "count": len(bars), "cached": false}
}

func (l *loader) logQuality(ctx context.Context, symbol, description string) {
	if l.store == nil {
		return
	}
	if err := l.store.LogDataQuality(ctx, &store.QualityEntry{
		AgentID:     ID,
		DataType:    "historical_bar",
		Symbol:      symbol,
		IssueType:   "validation",
		Severity:    store.SeverityWarning,
		Description: description,
	}); err != nil {
		l.rt.Logger().Warn("Data quality issue not logged", "error", err)
	}
}

func barMaps(symbol, interval string, bars []market.Bar) []map[string]any {
	out := make([]map[string]any, len(bars))
	for i, b := range bars {
		out[i] = agents.BarMap(symbol, interval, b)
	}
	return out
}

func (l *loader) loadBatch(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	symbols := p.Strings("symbols")
	if len(symbols) == 0 {
		return failure("symbols list is required"), nil
	}
	req := loadRequest{
		startDate: p.String("start_date", ""),
		endDate:   p.String("end_date", ""),
		interval:  p.String("interval", agents.DefaultInterval),

		lookbackDays: p.Int("lookback_days", 0),
	}

	results := make(map[string]any, len(symbols))
	var ok, failed int
	for _, s := range symbols {
		req.symbol = s
		res := l.load(ctx, req)
		results[s] = res
		if res["success"] == true {
			ok++
		} else {
			failed++
		}
	}
	l.rt.Logger().Info("Batch load complete", "success", ok, "failed", failed)
	return map[string]any{
		"success": true,
		"results": results,
		"summary": map[string]any{"total": len(symbols), "success_count": ok, "fail_count": failed},
	}, nil
}

func (l *loader) availableDates(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	return l.dates(ctx, p.String("symbol", ""), p.String("interval", agents.DefaultInterval)), nil
}

func (l *loader) dates(ctx context.Context, raw, interval string) map[string]any {
	symbol := market.SanitizeSymbol(raw)
	if err := market.ValidateSymbol(symbol); err != nil {
		return failure("Invalid symbol: %s", symbol)
	}
	dates, err := l.store.BarDates(ctx, symbol, interval)
	if err != nil {
		l.rt.Logger().Error("Error getting available dates", "symbol", symbol, "error", err)
		return failure("%s", err)
	}
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.Format(time.DateOnly)
	}
	res := map[string]any{"success": true, "dates": out, "count": len(out), "earliest": nil, "latest": nil}
	if len(out) > 0 {
		res["earliest"] = out[0]
		res["latest"] = out[len(out)-1]
	}
	return res
}

func (l *loader) updateIncremental(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	p := agent.Params(msg.Data)
	interval := p.String("interval", agents.DefaultInterval)
	symbol := p.String("symbol", "")

	dates := l.dates(ctx, symbol, interval)
	if dates["success"] != true {
		return dates, nil
	}

	now := l.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	latest, _ := dates["latest"].(string)
	var start time.Time
	if latest == "" {
		start = today.AddDate(0, 0, -incrementalDays)
	} else {
		last, err := time.Parse(time.DateOnly, latest)
		if err != nil {
			return failure("Invalid date format: %v", err), nil
		}
		start = last.AddDate(0, 0, 1)
		if start.After(today) {
			return map[string]any{
				"success":     true,
				"new_bars":    0,
				"bars_loaded": 0,
				"latest_date": latest,
				"message":     "Data is already up to date",
			}, nil
		}
	}

	res := l.load(ctx, loadRequest{symbol: symbol, startDate: start.Format(time.DateOnly), interval: interval})
	if res["success"] != true {
		return res, nil
	}
	data, _ := res["data"].([]map[string]any)
	if len(data) > 0 {
		latest, _ = data[len(data)-1]["date"].(string)
	}
	return map[string]any{
		"success":     true,
		"new_bars":    res["count"],
		"latest_date": latest,
		"data":        data,
	}, nil
}
