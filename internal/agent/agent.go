// Package agent provides the runtime shared by every market agent: topic
// subscriptions, request dispatch, health tracking and the heartbeat.
package agent

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusIdle       Status = "IDLE"
	StatusStarting   Status = "STARTING"
	StatusProcessing Status = "PROCESSING"
	StatusError      Status = "ERROR"
	StatusStopping   Status = "STOPPING"
	StatusDisabled   Status = "DISABLED"
)

// HealthTopic carries periodic heartbeat events.
const HealthTopic = "agent_health"

var (
	// ErrHandlerMismatch is returned when declared capabilities and handlers disagree.
	ErrHandlerMismatch = errors.New("capabilities and handlers do not match")
	// ErrInvalidMetadata is returned for metadata without an id.
	ErrInvalidMetadata = errors.New("invalid agent metadata")
)

// Capability is a named operation an agent performs.
type Capability struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Returns     string            `json:"returns,omitempty"`
	// Schema is an optional JSON Schema for the request payload.
	Schema map[string]any `json:"schema,omitempty"`
}

// Metadata describes an agent. It is fixed at construction.
type Metadata struct {
	ID           string       `json:"agent_id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Version      string       `json:"version"`
	Category     string       `json:"category"`
	Capabilities []Capability `json:"capabilities"`
	SubscribesTo []string     `json:"subscribes_to,omitempty"`
	PublishesTo  []string     `json:"publishes_to,omitempty"`
	Dependencies []string     `json:"dependencies,omitempty"`
	Disabled     bool         `json:"disabled,omitempty"`
}

// Enabled reports whether the agent may be started and addressed.
func (m Metadata) Enabled() bool { return !m.Disabled }

// CapabilityNames lists capability names in declaration order.
func (m Metadata) CapabilityNames() []string {
	out := make([]string, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		out = append(out, c.Name)
	}
	return out
}

// HasCapability reports whether name is a declared capability.
func (m Metadata) HasCapability(name string) bool {
	for _, c := range m.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Health is a point-in-time snapshot of an agent's counters.
type Health struct {
	AgentID             string        `json:"agent_id"`
	Status              Status        `json:"status"`
	MessagesProcessed   int64         `json:"messages_processed"`
	ErrorsCount         int64         `json:"errors_count"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	UptimeSeconds       float64       `json:"uptime_seconds"`
	LastHeartbeat       time.Time     `json:"last_heartbeat"`
}

// Agent is the contract the registry and orchestrator rely on.
type Agent interface {
	ID() string
	Metadata() Metadata
	Health() Health
	Enabled() bool
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
