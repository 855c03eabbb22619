package market

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

const (
	MinPrice  = 0.01
	MaxPrice  = 1_000_000.0
	MaxVolume = 10_000_000_000
)

// Symbols may carry a caret (indices), hyphens and an exchange suffix.
var symbolPattern = regexp.MustCompile(`^[\^]?[A-Z0-9\-]{1,12}(\.[A-Z]{1,5})?$`)

var symbolStrip = regexp.MustCompile(`[^A-Z0-9.\^\-]`)

// ValidationError reports a value that failed a data-quality rule.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// SanitizeSymbol trims, uppercases and strips characters no symbol uses.
func SanitizeSymbol(symbol string) string {
	return symbolStrip.ReplaceAllString(strings.ToUpper(strings.TrimSpace(symbol)), "")
}

// ValidateSymbol checks the symbol format.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return invalid("symbol", "cannot be empty")
	}
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolPattern.MatchString(s) {
		return invalid("symbol", "invalid format %q: expected 1-12 letters, digits or hyphens with an optional .XX suffix", s)
	}
	return nil
}

// ValidatePrice checks that a price is positive and within bounds.
func ValidatePrice(field string, price float64) error {
	switch {
	case price < 0:
		return invalid(field, "cannot be negative: %v", price)
	case price == 0:
		return invalid(field, "cannot be zero")
	case price < MinPrice:
		return invalid(field, "too low: %v (min: %v)", price, MinPrice)
	case price > MaxPrice:
		return invalid(field, "too high: %v (max: %v)", price, MaxPrice)
	}
	return nil
}

// ValidateVolume checks that a volume is non-negative and within bounds.
func ValidateVolume(volume int64) error {
	if volume < 0 {
		return invalid("volume", "cannot be negative: %d", volume)
	}
	if volume > MaxVolume {
		return invalid("volume", "too high: %d (max: %d)", volume, int64(MaxVolume))
	}
	return nil
}

// ValidateOHLC checks each price and their ordering. A daily range wider
// than 50% of the low is logged but accepted.
func ValidateOHLC(open, high, low, close float64) error {
	for _, p := range []struct {
		name string
		v    float64
	}{{"open", open}, {"high", high}, {"low", low}, {"close", close}} {
		if err := ValidatePrice(p.name, p.v); err != nil {
			return err
		}
	}
	if high < low {
		return invalid("high", "high (%v) cannot be less than low (%v)", high, low)
	}
	if high < open || high < close {
		return invalid("high", "high (%v) must be >= open (%v) and close (%v)", high, open, close)
	}
	if low > open || low > close {
		return invalid("low", "low (%v) must be <= open (%v) and close (%v)", low, open, close)
	}
	if spread := (high - low) / low * 100; spread > 50 {
		slog.Warn("Suspicious OHLC spread", "spread_pct", spread, "high", high, "low", low, "open", open, "close", close)
	}
	return nil
}

// ValidateQuote checks a quote's required fields and bid/ask relation.
func ValidateQuote(q *Quote) error {
	if q == nil {
		return invalid("", "quote is nil")
	}
	if err := ValidateSymbol(q.Symbol); err != nil {
		return err
	}
	if err := ValidatePrice("price", q.Price); err != nil {
		return err
	}
	if q.Timestamp.IsZero() {
		return invalid("timestamp", "missing")
	}
	if q.Bid != nil {
		if err := ValidatePrice("bid", *q.Bid); err != nil {
			return err
		}
	}
	if q.Ask != nil {
		if err := ValidatePrice("ask", *q.Ask); err != nil {
			return err
		}
	}
	if q.Bid != nil && q.Ask != nil && *q.Bid > *q.Ask {
		return invalid("bid", "bid (%v) cannot be greater than ask (%v)", *q.Bid, *q.Ask)
	}
	if q.Volume != nil {
		return ValidateVolume(*q.Volume)
	}
	return nil
}

// ValidateBar checks one historical bar.
func ValidateBar(symbol string, b Bar) error {
	if err := ValidateSymbol(symbol); err != nil {
		return err
	}
	if b.Date.IsZero() || b.Date.After(time.Now().Add(24*time.Hour)) {
		return invalid("date", "invalid bar date %v", b.Date)
	}
	if err := ValidateOHLC(b.Open, b.High, b.Low, b.Close); err != nil {
		return err
	}
	return ValidateVolume(b.Volume)
}
