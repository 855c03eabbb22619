// Package testagent provides the echo agent used for system checks.
package testagent

import (
	"context"

	"github.com/KafClaw/MarketClaw/internal/agent"
	"github.com/KafClaw/MarketClaw/internal/bus"
)

const (
	ID            = "test_agent"
	TopicTest     = "test_topic"
	TopicResponse = "test_response"
)

func Metadata() agent.Metadata {
	return agent.Metadata{
		ID:          ID,
		Name:        "Test Agent",
		Description: "Simple test agent for system verification",
		Version:     "1.0.0",
		Category:    "infrastructure",
		Capabilities: []agent.Capability{
			{Name: "echo", Description: "Echo back the input data", Parameters: map[string]string{"message": "str"}, Returns: "Dict[str, Any]"},
			{
				Name: "add", Description: "Add two numbers", Parameters: map[string]string{"a": "float", "b": "float"}, Returns: "Dict[str, float]",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"a": map[string]any{"type": "number"},
						"b": map[string]any{"type": "number"},
					},
				},
			},
		},
		SubscribesTo: []string{TopicTest},
		PublishesTo:  []string{TopicResponse},
	}
}

// New builds the test agent.
func New(b *bus.Bus, opts ...agent.Option) (*agent.Runtime, error) {
	var rt *agent.Runtime
	hooks := agent.Hooks{
		OnEvent: func(ctx context.Context, msg *bus.Message) {
			if msg.Topic != TopicTest {
				return
			}
			if err := rt.PublishEvent(ctx, TopicResponse, map[string]any{
				"received_from": msg.From,
				"data":          msg.Data,
			}); err != nil {
				rt.Logger().Warn("Test response not published", "error", err)
			}
		},
	}
	handlers := agent.Handlers{
		"echo": func(_ context.Context, msg *bus.Message) (map[string]any, error) {
			return map[string]any{
				"original_data": msg.Data,
				"agent":         ID,
				"message":       "Echo successful",
			}, nil
		},
		"add": func(_ context.Context, msg *bus.Message) (map[string]any, error) {
			p := agent.Params(msg.Data)
			a, b := p.Float("a", 0), p.Float("b", 0)
			return map[string]any{"a": a, "b": b, "result": a + b, "agent": ID}, nil
		},
	}
	rt, err := agent.New(b, Metadata(), handlers, append(opts, agent.WithHooks(hooks))...)
	if err != nil {
		return nil, err
	}
	return rt, nil
}
