// Package config provides configuration types and loading for marketclaw.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration struct.
type Config struct {
	Environment string `json:"environment" split_words:"true" validate:"omitempty,oneof=development staging production"`
	Debug       bool   `json:"debug" split_words:"true"`

	Log       LogConfig       `json:"log"`
	Bus       BusConfig       `json:"bus"`
	Agents    AgentsConfig    `json:"agents"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Store     StoreConfig     `json:"store"`
	Redis     RedisConfig     `json:"redis"`
	Market    MarketConfig    `json:"market"`
	Claude    ClaudeConfig    `json:"claude"`
	Alerts    AlertsConfig    `json:"alerts"`
	Kafka     KafkaConfig     `json:"kafka"`
	Tracing   TracingConfig   `json:"tracing"`
	Workflows WorkflowsConfig `json:"workflows"`
	Schedules []ScheduleEntry `json:"schedules" validate:"dive"`
}

// ---------------------------------------------------------------------------
// Log – slog handler
// ---------------------------------------------------------------------------

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string `json:"level" split_words:"true" validate:"oneof=debug info warn error"`
	Format string `json:"format" split_words:"true" validate:"oneof=text json"`
}

// ---------------------------------------------------------------------------
// Bus – in-process message bus
// ---------------------------------------------------------------------------

// BusConfig bounds message history.
type BusConfig struct {
	RetentionSeconds       int `json:"retentionSeconds" split_words:"true" validate:"gte=0"`
	CleanupIntervalSeconds int `json:"cleanupIntervalSeconds" split_words:"true" validate:"gte=0"`
	HistoryLimit           int `json:"historyLimit" split_words:"true" validate:"gte=0"`
}

// ---------------------------------------------------------------------------
// Agents – runtime behaviour shared by every agent
// ---------------------------------------------------------------------------

// AgentsConfig contains settings applied to every agent runtime.
type AgentsConfig struct {
	HeartbeatSeconds      int  `json:"heartbeatSeconds" split_words:"true" validate:"gte=0"`
	RequestTimeoutSeconds int  `json:"requestTimeoutSeconds" split_words:"true" validate:"gt=0"`
	ValidateSchemas       bool `json:"validateSchemas" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Scheduler – interval, cron and event triggers
// ---------------------------------------------------------------------------

// SchedulerConfig contains settings for the workflow scheduler.
type SchedulerConfig struct {
	Enabled       bool   `json:"enabled" split_words:"true"`
	TickMillis    int    `json:"tickMillis" split_words:"true" validate:"gt=0"`
	MaxConcurrent int    `json:"maxConcurrent" split_words:"true" validate:"gt=0"`
	QueueSize     int    `json:"queueSize" split_words:"true" validate:"gt=0"`
	LockPath      string `json:"lockPath" split_words:"true"`
}

// ScheduleEntry binds a workflow name to a trigger. Entries come from the
// config file only.
type ScheduleEntry struct {
	Workflow        string         `json:"workflow" validate:"required"`
	Type            string         `json:"type" validate:"oneof=interval cron event manual"`
	IntervalSeconds int            `json:"intervalSeconds,omitempty" validate:"required_if=Type interval,gte=0"`
	Cron            string         `json:"cron,omitempty" validate:"required_if=Type cron"`
	EventTopic      string         `json:"eventTopic,omitempty" validate:"required_if=Type event"`
	Context         map[string]any `json:"context,omitempty"`
	Disabled        bool           `json:"disabled,omitempty"`
}

// ---------------------------------------------------------------------------
// Store – SQLite state and agent cache
// ---------------------------------------------------------------------------

// StoreConfig locates the database and selects the agent cache backend.
type StoreConfig struct {
	DBPath       string `json:"dbPath" split_words:"true" validate:"required"`
	CacheBackend string `json:"cacheBackend" split_words:"true" validate:"oneof=sqlite redis"`
}

// RedisConfig is used when Store.CacheBackend is "redis".
type RedisConfig struct {
	Addr       string `json:"addr" split_words:"true"`
	Password   string `json:"password,omitempty" split_words:"true"`
	DB         int    `json:"db" split_words:"true" validate:"gte=0"`
	PoolSize   int    `json:"poolSize" split_words:"true" validate:"gte=0"`
	TTLSeconds int    `json:"ttlSeconds" split_words:"true" validate:"gte=0"`
}

// ---------------------------------------------------------------------------
// Market – Yahoo chart API
// ---------------------------------------------------------------------------

// MarketConfig configures the market data provider and its caches.
type MarketConfig struct {
	BaseURL           string `json:"baseUrl" split_words:"true" validate:"omitempty,url"`
	TimeoutSeconds    int    `json:"timeoutSeconds" split_words:"true" validate:"gte=0"`
	QuoteCacheSeconds int    `json:"quoteCacheSeconds" split_words:"true" validate:"gte=0"`
	HistoryCacheHours int    `json:"historyCacheHours" split_words:"true" validate:"gte=0"`
	UserAgent         string `json:"userAgent" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Claude – signal narratives
// ---------------------------------------------------------------------------

// ClaudeConfig configures the Anthropic narrator.
type ClaudeConfig struct {
	Enabled     bool    `json:"enabled" split_words:"true"`
	APIKey      string  `json:"apiKey,omitempty" split_words:"true"`
	Model       string  `json:"model" split_words:"true"`
	MaxTokens   int     `json:"maxTokens" split_words:"true" validate:"gt=0"`
	Temperature float64 `json:"temperature" split_words:"true" validate:"gte=0,lte=1"`
}

// ---------------------------------------------------------------------------
// Alerts – thresholds and delivery channels
// ---------------------------------------------------------------------------

// AlertsConfig contains alert thresholds and notifier settings.
type AlertsConfig struct {
	Enabled       bool        `json:"enabled" split_words:"true"`
	BuyThreshold  int         `json:"buyThreshold" split_words:"true" validate:"gte=0,lte=100"`
	SellThreshold int         `json:"sellThreshold" split_words:"true" validate:"gte=0,lte=100,ltefield=BuyThreshold"`
	SMTP          SMTPConfig  `json:"smtp" ignored:"true"`
	Slack         SlackConfig `json:"slack" ignored:"true"`
}

// SMTPConfig configures email alerts.
type SMTPConfig struct {
	Enabled  bool   `json:"enabled" split_words:"true"`
	Server   string `json:"server" split_words:"true" validate:"required_if=Enabled true"`
	Port     int    `json:"port" split_words:"true" validate:"gte=0,lte=65535"`
	User     string `json:"user" split_words:"true"`
	Password string `json:"password,omitempty" split_words:"true"`
	From     string `json:"from" split_words:"true" validate:"omitempty,email"`
	To       string `json:"to" split_words:"true" validate:"omitempty,email"`
}

// SlackConfig configures Slack alerts. An empty token disables them.
type SlackConfig struct {
	Token   string `json:"token,omitempty" split_words:"true"`
	Channel string `json:"channel" split_words:"true" validate:"required_with=Token"`
	APIURL  string `json:"apiUrl,omitempty" split_words:"true" validate:"omitempty,url"`
}

// ---------------------------------------------------------------------------
// Kafka – bus bridge
// ---------------------------------------------------------------------------

// KafkaConfig configures the Kafka bridge.
type KafkaConfig struct {
	Enabled       bool     `json:"enabled" split_words:"true"`
	Brokers       []string `json:"brokers" split_words:"true" validate:"required_if=Enabled true"`
	Topic         string   `json:"topic" split_words:"true" validate:"required_if=Enabled true"`
	Topics        []string `json:"topics" split_words:"true"`
	CommandsTopic string   `json:"commandsTopic,omitempty" split_words:"true"`
	GroupID       string   `json:"groupId" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Tracing – OpenTelemetry
// ---------------------------------------------------------------------------

// TracingConfig configures OTLP span export. The endpoint comes from the
// standard OTEL_EXPORTER_OTLP_* variables.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" split_words:"true"`
	ServiceName string `json:"serviceName" split_words:"true" validate:"required_if=Enabled true"`
}

// WorkflowsConfig locates the workflow definition file.
type WorkflowsConfig struct {
	Dir  string `json:"dir" split_words:"true"`
	File string `json:"file" split_words:"true"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Bus: BusConfig{
			RetentionSeconds:       3600,
			CleanupIntervalSeconds: 60,
			HistoryLimit:           10000,
		},
		Agents: AgentsConfig{
			HeartbeatSeconds:      30,
			RequestTimeoutSeconds: 30,
			ValidateSchemas:       true,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			TickMillis:    1000,
			MaxConcurrent: 5,
			QueueSize:     100,
			LockPath:      "~/" + ConfigDir + "/scheduler.lock",
		},
		Store: StoreConfig{
			DBPath:       "~/" + ConfigDir + "/marketclaw.db",
			CacheBackend: "sqlite",
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			TTLSeconds: 3600,
		},
		Market: MarketConfig{
			TimeoutSeconds:    15,
			QuoteCacheSeconds: 15,
			HistoryCacheHours: 24,
		},
		Claude: ClaudeConfig{
			Model:       "claude-sonnet-4-5",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Alerts: AlertsConfig{
			Enabled:       true,
			BuyThreshold:  75,
			SellThreshold: 25,
			SMTP: SMTPConfig{
				Port: 587,
			},
		},
		Kafka: KafkaConfig{
			Topic:   "marketclaw.events",
			Topics:  []string{"trading_signals", "trading_alerts", "workflow_events"},
			GroupID: "marketclaw",
		},
		Tracing: TracingConfig{
			ServiceName: "marketclaw",
		},
		Workflows: WorkflowsConfig{
			Dir:  "~/" + ConfigDir,
			File: "workflows.yaml",
		},
	}
}

// Durations derived from the integer settings.
func (c BusConfig) Retention() time.Duration { return seconds(c.RetentionSeconds) }
func (c BusConfig) Cleanup() time.Duration { return seconds(c.CleanupIntervalSeconds) }
func (c AgentsConfig) Heartbeat() time.Duration { return seconds(c.HeartbeatSeconds) }
func (c AgentsConfig) RequestTimeout() time.Duration { return seconds(c.RequestTimeoutSeconds) }
func (c SchedulerConfig) Tick() time.Duration { return time.Duration(c.TickMillis) * time.Millisecond }
func (c MarketConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }
func (c MarketConfig) QuoteTTL() time.Duration { return seconds(c.QuoteCacheSeconds) }
func (c MarketConfig) HistoryTTL() time.Duration { return time.Duration(c.HistoryCacheHours) * time.Hour }
func (c RedisConfig) TTL() time.Duration { return seconds(c.TTLSeconds) }
func (e ScheduleEntry) Interval() time.Duration { return seconds(e.IntervalSeconds) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and reports every violation.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
