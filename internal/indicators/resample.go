package indicators

import (
	"time"

	"github.com/KafClaw/MarketClaw/internal/market"
)

// Timeframe selects a bar aggregation.
type Timeframe string

const (
	Daily   Timeframe = "daily"
	Weekly  Timeframe = "weekly"
	Monthly Timeframe = "monthly"
)

// ParseTimeframe maps a name to a Timeframe, defaulting to Daily.
func ParseTimeframe(s string) (Timeframe, bool) {
	switch Timeframe(s) {
	case Weekly, Monthly:
		return Timeframe(s), true
	case Daily, "":
		return Daily, true
	}
	return Daily, false
}

// Resample aggregates daily bars into weeks ending Sunday or calendar
// months. Each output bar is labelled with its period end date.
func Resample(bars []market.Bar, tf Timeframe) []market.Bar {
	if tf == Daily || tf == "" {
		return bars
	}
	var out []market.Bar
	var cur *market.Bar
	var curEnd time.Time
	for _, b := range bars {
		end := periodEnd(b.Date, tf)
		if cur == nil || !end.Equal(curEnd) {
			if cur != nil {
				out = append(out, *cur)
			}
			nb := b
			nb.Date = end
			cur, curEnd = &nb, end
			continue
		}
		cur.High = max(cur.High, b.High)
		cur.Low = min(cur.Low, b.Low)
		cur.Close = b.Close
		cur.AdjClose = b.AdjClose
		cur.Volume += b.Volume
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

func periodEnd(t time.Time, tf Timeframe) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	if tf == Monthly {
		return time.Date(d.Year(), d.Month()+1, 0, 0, 0, 0, 0, time.UTC)
	}
	offset := (7 - int(d.Weekday())) % 7
	return d.AddDate(0, 0, offset)
}
