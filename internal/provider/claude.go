package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	DefaultClaudeModel = "claude-sonnet-4-5"
	DefaultMaxTokens   = 4096
	DefaultTemperature = 0.7
)

var ErrNoAPIKey = errors.New("claude: no API key configured")

// ClaudeConfig configures the Claude client.
type ClaudeConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64

	// BaseURL overrides the API endpoint.
	BaseURL    string
	MaxRetries int
}

// Claude implements LLMProvider with the Anthropic Messages API.
type Claude struct {
	client anthropic.Client
	cfg    ClaudeConfig
}

// NewClaude builds a client. An empty APIKey falls back to
// ANTHROPIC_API_KEY.
func NewClaude(cfg ClaudeConfig, opts ...option.RequestOption) (*Claude, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultClaudeModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(cfg.MaxRetries)}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	clientOpts = append(clientOpts, opts...)
	return &Claude{client: anthropic.NewClient(clientOpts...), cfg: cfg}, nil
}

// DefaultModel returns the configured model.
func (c *Claude) DefaultModel() string { return c.cfg.Model }

// Chat sends the conversation and returns the concatenated text blocks.
func (c *Claude) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("claude: request has no messages")
	}
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
		Messages:    make([]anthropic.MessageParam, 0, len(req.Messages)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		switch m.Role {
		case "user":
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		default:
			return nil, fmt.Errorf("claude: unsupported role %q", m.Role)
		}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude api error: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	return &ChatResponse{
		Content:      sb.String(),
		FinishReason: string(resp.StopReason),
		Usage:        Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}

// Complete runs a single-turn prompt under a system instruction.
func (c *Claude) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.Chat(ctx, &ChatRequest{
		System:   system,
		Messages: []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
