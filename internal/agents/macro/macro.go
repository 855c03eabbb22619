// Package macro implements the dollar strength and real yield agents.
package macro

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/KafClaw/MarketClaw/internal/agents"
	"github.com/KafClaw/MarketClaw/internal/market"
)

const (
	TopicUpdates = "macro_analysis_updates"

	defaultLookbackDays = 365
)

// recent loads daily bars of symbol dated within days before now.
func recent(ctx context.Context, r agents.BarReader, symbol string, now time.Time, days int) ([]market.Bar, error) {
	bars, err := r.Bars(ctx, symbol, agents.DefaultInterval, now.AddDate(0, 0, -days))
	if err != nil {
		return nil, fmt.Errorf("load %s bars: %w", symbol, err)
	}
	for len(bars) > 0 && bars[len(bars)-1].Date.After(now) {
		bars = bars[:len(bars)-1]
	}
	return bars, nil
}

// humanize renders a signal like STRONG_BULLISH as "strong bullish".
func humanize(signal string) string {
	return strings.ToLower(strings.ReplaceAll(signal, "_", " "))
}
