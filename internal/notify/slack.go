package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
)

const defaultSlackAPI = "https://slack.com/api/"

// Poster is the slice of the Slack client the notifier uses.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack posts alerts to a channel as a short block message.
type Slack struct {
	api     Poster
	channel string
}

// NewSlack builds a notifier for token and channel. apiURL overrides the
// Slack API base and may be empty.
func NewSlack(token, channel, apiURL string, client *http.Client) (*Slack, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("slack: token is required")
	}
	if strings.TrimSpace(channel) == "" {
		return nil, errors.New("slack: channel is required")
	}
	base := strings.TrimSpace(apiURL)
	if base == "" {
		base = defaultSlackAPI
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	opts := []slack.Option{slack.OptionAPIURL(base)}
	if client != nil {
		opts = append(opts, slack.OptionHTTPClient(client))
	}
	return &Slack{api: slack.New(token, opts...), channel: channel}, nil
}

// NewSlackWithPoster wraps an existing client.
func NewSlackWithPoster(api Poster, channel string) *Slack {
	return &Slack{api: api, channel: channel}
}

func slackEmoji(action string) string {
	switch Direction(action) {
	case "buy":
		return ":chart_with_upwards_trend:"
	case "sell":
		return ":chart_with_downwards_trend:"
	}
	return ":white_circle:"
}

// SlackText renders the plain-text fallback of an alert.
func SlackText(a Alert) string {
	return fmt.Sprintf("%s %s: %s %s (confidence %d/100)", slackEmoji(a.Action), a.Kind, a.Symbol, a.Action, a.Confidence)
}

func slackBlocks(a Alert) []slack.Block {
	header := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s*\n%s", SlackText(a), a.Message), false, false),
		nil, nil,
	)
	blocks := []slack.Block{header}
	if len(a.Details) > 0 {
		fields := make([]*slack.TextBlockObject, 0, len(a.Details))
		for _, d := range a.Details {
			fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s*\n%s", d.Key, d.Value), false, false))
		}
		// Slack allows at most ten fields per section.
		for len(fields) > 0 {
			n := min(10, len(fields))
			blocks = append(blocks, slack.NewSectionBlock(nil, fields[:n], nil))
			fields = fields[n:]
		}
	}
	return blocks
}

func (s *Slack) Notify(ctx context.Context, a Alert) error {
	_, _, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(SlackText(a), false),
		slack.MsgOptionBlocks(slackBlocks(a)...),
	)
	if err != nil {
		return fmt.Errorf("slack post to %s: %w", s.channel, err)
	}
	return nil
}
