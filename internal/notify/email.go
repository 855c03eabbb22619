package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrEmailDisabled = errors.New("email alerts are disabled")
	ErrNoCredentials = errors.New("smtp credentials not configured")
	ErrNoSignals     = errors.New("no signals provided")
	ErrNoRecipient   = errors.New("no recipient address")
)

// SMTPConfig configures the email notifier.
type SMTPConfig struct {
	Server   string
	Port     int
	User     string
	Password string
	From     string
	To       string
	Enabled  bool
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email sends HTML alert mails over SMTP. smtp.SendMail upgrades to
// STARTTLS when the server offers it.
type Email struct {
	cfg  SMTPConfig
	send SendFunc
	now  func() time.Time
}

// NewEmail builds an email notifier. A nil send uses smtp.SendMail.
func NewEmail(cfg SMTPConfig, send SendFunc) *Email {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if send == nil {
		send = smtp.SendMail
	}
	return &Email{cfg: cfg, send: send, now: time.Now}
}

// Config returns the SMTP settings in use.
func (e *Email) Config() SMTPConfig { return e.cfg }

// Ready reports why mail cannot be sent, or nil.
func (e *Email) Ready() error {
	if !e.cfg.Enabled {
		return ErrEmailDisabled
	}
	if e.cfg.User == "" || e.cfg.Password == "" {
		return ErrNoCredentials
	}
	return nil
}

func (e *Email) from() string {
	if e.cfg.From != "" {
		return e.cfg.From
	}
	return e.cfg.User
}

func (e *Email) Notify(ctx context.Context, a Alert) error {
	return e.Send(ctx, "", a)
}

// Send mails one alert to to, or the configured recipient when to is empty.
func (e *Email) Send(ctx context.Context, to string, a Alert) error {
	if err := e.Ready(); err != nil {
		return err
	}
	var prefix string
	switch a.Direction() {
	case "buy":
		prefix = "[BUY]"
	case "sell":
		prefix = "[SELL]"
	default:
		prefix = "[HOLD]"
	}
	subject := fmt.Sprintf("%s Trading Alert: %s - %s", prefix, a.Symbol, a.Action)

	var body bytes.Buffer
	if err := singleTmpl.Execute(&body, struct {
		Alert
		Color     template.CSS
		Marker    string
		Generated string
	}{a, htmlColor(a.Direction()), htmlMarker(a.Direction()), e.now().Format(time.DateTime)}); err != nil {
		return fmt.Errorf("render email: %w", err)
	}
	return e.deliver(ctx, to, subject, body.Bytes())
}

// SendCombined mails several signals in one message.
func (e *Email) SendCombined(ctx context.Context, to string, alerts []Alert) error {
	if err := e.Ready(); err != nil {
		return err
	}
	if len(alerts) == 0 {
		return ErrNoSignals
	}
	var buys, sells int
	for _, a := range alerts {
		switch a.Direction() {
		case "buy":
			buys++
		case "sell":
			sells++
		}
	}
	prefix, overall := "[MIXED]", "mixed"
	switch {
	case buys > sells:
		prefix, overall = "[BUY]", "buy"
	case sells > buys:
		prefix, overall = "[SELL]", "sell"
	}
	subject := fmt.Sprintf("%s Gold/Silver Trading Alerts - %d Signal(s)", prefix, len(alerts))

	type card struct {
		Alert
		Class string
		Color template.CSS
	}
	cards := make([]card, len(alerts))
	for i, a := range alerts {
		cards[i] = card{Alert: a, Class: a.Direction(), Color: htmlColor(a.Direction())}
	}
	var body bytes.Buffer
	if err := combinedTmpl.Execute(&body, map[string]any{
		"Color":     htmlColor(overall),
		"Marker":    htmlMarker(overall),
		"Count":     len(alerts),
		"Buys":      buys,
		"Sells":     sells,
		"Holds":     len(alerts) - buys - sells,
		"Cards":     cards,
		"Generated": e.now().Format(time.DateTime),
	}); err != nil {
		return fmt.Errorf("render email: %w", err)
	}
	return e.deliver(ctx, to, subject, body.Bytes())
}

func (e *Email) deliver(ctx context.Context, to, subject string, html []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if to == "" {
		to = e.cfg.To
	}
	if to == "" {
		return ErrNoRecipient
	}
	msg := buildMessage(e.from(), to, subject, html)
	addr := net.JoinHostPort(e.cfg.Server, strconv.Itoa(e.cfg.Port))
	auth := smtp.PlainAuth("", e.cfg.User, e.cfg.Password, e.cfg.Server)
	if err := e.send(addr, auth, e.from(), []string{to}, msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}

func buildMessage(from, to, subject string, html []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.Write(bytes.ReplaceAll(html, []byte("\n"), []byte("\r\n")))
	return b.Bytes()
}

func htmlColor(direction string) template.CSS {
	switch direction {
	case "buy":
		return "#28a745"
	case "sell":
		return "#dc3545"
	case "mixed":
		return "#6c757d"
	}
	return "#ffc107"
}

func htmlMarker(direction string) string {
	switch direction {
	case "buy":
		return "▲"
	case "sell":
		return "▼"
	}
	return "■"
}

const emailStyle = `
body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
.container { max-width: 700px; margin: 0 auto; padding: 20px; }
.content { background-color: #f8f9fa; padding: 20px; border-radius: 0 0 8px 8px; }
.signal { font-size: 24px; font-weight: bold; margin: 10px 0; }
.confidence { font-size: 18px; color: #17a2b8; margin: 10px 0; }
.card { background: white; margin: 15px 0; padding: 15px; border-radius: 6px; border-left: 4px solid #dee2e6; }
.card.buy { border-left-color: #28a745; }
.card.sell { border-left-color: #dc3545; }
.card.hold { border-left-color: #ffc107; }
table { width: 100%; border-collapse: collapse; margin: 10px 0; background: white; }
th, td { padding: 8px; text-align: left; border-bottom: 1px solid #dee2e6; }
th { background-color: #e9ecef; font-weight: bold; }
.footer { margin-top: 20px; padding: 15px; text-align: center; color: #6c757d; font-size: 12px; }
.timestamp { color: #6c757d; font-size: 14px; }
`

const emailFooter = `<div class="footer">
<p>This is an automated trading alert from your MarketClaw gold/silver trading system</p>
<p>Please review all signals carefully before making trading decisions</p>
</div>`

var singleTmpl = template.Must(template.New("single").Parse(strings.TrimSpace(`
<html>
<head><style>` + emailStyle + `</style></head>
<body>
<div class="container">
<div style="background-color: {{.Color}}; color: white; padding: 20px; border-radius: 8px 8px 0 0; text-align: center;">
<h1>{{.Marker}} Trading Signal Alert</h1>
<div class="signal">{{.Symbol}}</div>
</div>
<div class="content">
<div class="signal" style="color: {{.Color}};">{{.Action}}</div>
<div class="confidence">Confidence: {{.Confidence}}/100</div>
{{if .Message}}<p>{{.Message}}</p>{{end}}
<div class="timestamp">Generated: {{.Generated}}</div>
{{if .Details}}<table>
<thead><tr><th>Metric</th><th>Value</th></tr></thead>
<tbody>
{{range .Details}}<tr><td>{{.Key}}</td><td><strong>{{.Value}}</strong></td></tr>
{{end}}</tbody>
</table>{{end}}
</div>
` + emailFooter + `
</div>
</body>
</html>`)))

var combinedTmpl = template.Must(template.New("combined").Parse(strings.TrimSpace(`
<html>
<head><style>` + emailStyle + `</style></head>
<body>
<div class="container">
<div style="background-color: {{.Color}}; color: white; padding: 20px; border-radius: 8px 8px 0 0; text-align: center;">
<h1>{{.Marker}} Gold/Silver Trading Alerts</h1>
<p>{{.Count}} Signal(s) Generated</p>
</div>
<div class="content">
<div class="card"><strong>Summary:</strong> {{.Buys}} BUY, {{.Sells}} SELL, {{.Holds}} HOLD</div>
{{range .Cards}}<div class="card {{.Class}}">
<div class="signal" style="color: {{.Color}};">{{.Symbol}}: {{.Action}}</div>
<div class="confidence">Confidence: {{.Confidence}}/100</div>
{{if .Details}}<table>
<tr><th>Metric</th><th>Value</th></tr>
{{range .Details}}<tr><td>{{.Key}}</td><td><strong>{{.Value}}</strong></td></tr>
{{end}}</table>{{end}}
</div>
{{end}}<div class="timestamp">Generated: {{.Generated}}</div>
</div>
` + emailFooter + `
</div>
</body>
</html>`)))
