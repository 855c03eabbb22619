package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/fatih/color"
)

const panelWidth = 60

// Terminal prints alerts as boxed panels coloured by direction.
type Terminal struct {
	mu  sync.Mutex
	out io.Writer
}

// NewTerminal writes to w, or stdout when w is nil.
func NewTerminal(w io.Writer) *Terminal {
	if w == nil {
		w = os.Stdout
	}
	return &Terminal{out: w}
}

var (
	cyan  = color.New(color.FgCyan)
	white = color.New(color.FgWhite)
)

func directionColor(direction string) *color.Color {
	switch direction {
	case "buy":
		return color.New(color.FgGreen)
	case "sell":
		return color.New(color.FgRed)
	}
	return color.New(color.FgYellow)
}

func marker(action string) string {
	switch action {
	case "STRONG_BUY":
		return "▲▲"
	case "BUY":
		return "▲"
	case "STRONG_SELL":
		return "▼▼"
	case "SELL":
		return "▼"
	}
	return "■"
}

func (t *Terminal) Notify(_ context.Context, a Alert) error {
	border := directionColor(a.Direction())
	bold := directionColor(a.Direction()).Add(color.Bold)

	var sb strings.Builder
	title := fmt.Sprintf(" %s %s: %s ", marker(a.Action), a.Kind, a.Symbol)
	fill := max(0, panelWidth-2-utf8.RuneCountInString(title))
	sb.WriteString("\n")
	sb.WriteString(border.Sprint("╔" + title + strings.Repeat("═", fill) + "╗"))
	sb.WriteString("\n")
	line := func(text string, c *color.Color) {
		pad := max(0, panelWidth-4-utf8.RuneCountInString(text))
		sb.WriteString(border.Sprint("║ "))
		sb.WriteString(c.Sprint(text))
		sb.WriteString(strings.Repeat(" ", pad))
		sb.WriteString(border.Sprint(" ║"))
		sb.WriteString("\n")
	}
	line(a.Action, bold)
	line(fmt.Sprintf("Confidence: %d/100", a.Confidence), cyan)
	if a.Message != "" {
		line("", white)
		for _, l := range wrap(a.Message, panelWidth-4) {
			line(l, white)
		}
	}
	sb.WriteString(border.Sprint("╚" + strings.Repeat("═", panelWidth-2) + "╝"))
	sb.WriteString("\n")

	keyWidth := 0
	for _, d := range a.Details {
		keyWidth = max(keyWidth, utf8.RuneCountInString(d.Key))
	}
	for _, d := range a.Details {
		fmt.Fprintf(&sb, "  %s  %s\n", cyan.Sprintf("%-*s", keyWidth, d.Key), white.Sprint(d.Value))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := io.WriteString(t.out, sb.String())
	return err
}

func wrap(text string, width int) []string {
	var out []string
	for _, para := range strings.Split(text, "\n") {
		words := strings.Fields(para)
		var cur string
		for _, w := range words {
			switch {
			case cur == "":
				cur = w
			case utf8.RuneCountInString(cur)+1+utf8.RuneCountInString(w) > width:
				out = append(out, cur)
				cur = w
			default:
				cur += " " + w
			}
		}
		out = append(out, cur)
	}
	return out
}
