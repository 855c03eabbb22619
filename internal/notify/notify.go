// Package notify delivers trading alerts to people: the terminal, Slack and
// email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Alert kinds.
const (
	KindSignal  = "SIGNAL"
	KindWarning = "WARNING"
	KindInfo    = "INFO"
)

// Detail is one labelled row of an alert. Order is display order.
type Detail struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Alert is a rendered trading notification.
type Alert struct {
	Kind       string    `json:"alert_type"`
	Symbol     string    `json:"symbol"`
	Action     string    `json:"action"`
	Confidence int       `json:"confidence"`
	Message    string    `json:"message"`
	Details    []Detail  `json:"details,omitempty"`
	Time       time.Time `json:"timestamp"`
}

// Direction classifies the action as "buy", "sell" or "hold".
func (a Alert) Direction() string {
	return Direction(a.Action)
}

// Direction classifies an action string.
func Direction(action string) string {
	switch action {
	case "STRONG_BUY", "BUY":
		return "buy"
	case "STRONG_SELL", "SELL":
		return "sell"
	}
	return "hold"
}

// Notifier delivers an alert.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a Alert) error

func (f NotifierFunc) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// Multi fans an alert out to every notifier. All are attempted; failures
// are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", n, err))
		}
	}
	return errors.Join(errs...)
}
