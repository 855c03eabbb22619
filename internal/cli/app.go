package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/KafClaw/MarketClaw/internal/agent"
	"github.com/KafClaw/MarketClaw/internal/agents/alerts"
	"github.com/KafClaw/MarketClaw/internal/agents/history"
	"github.com/KafClaw/MarketClaw/internal/agents/macro"
	"github.com/KafClaw/MarketClaw/internal/agents/marketdata"
	"github.com/KafClaw/MarketClaw/internal/agents/signals"
	"github.com/KafClaw/MarketClaw/internal/agents/technical"
	"github.com/KafClaw/MarketClaw/internal/agents/testagent"
	"github.com/KafClaw/MarketClaw/internal/bridge"
	"github.com/KafClaw/MarketClaw/internal/bus"
	"github.com/KafClaw/MarketClaw/internal/config"
	"github.com/KafClaw/MarketClaw/internal/logging"
	"github.com/KafClaw/MarketClaw/internal/market"
	"github.com/KafClaw/MarketClaw/internal/notify"
	"github.com/KafClaw/MarketClaw/internal/orchestrator"
	"github.com/KafClaw/MarketClaw/internal/provider"
	"github.com/KafClaw/MarketClaw/internal/registry"
	"github.com/KafClaw/MarketClaw/internal/scheduler"
	"github.com/KafClaw/MarketClaw/internal/store"
	"github.com/KafClaw/MarketClaw/internal/store/rediscache"
	"github.com/KafClaw/MarketClaw/internal/tracing"
	"github.com/KafClaw/MarketClaw/internal/workflow"
)

// App wires every component from one Config.
type App struct {
	Config    *config.Config
	Bus       *bus.Bus
	Store     *store.Service
	Cache     store.Cache
	Market    market.Provider
	Registry  *registry.Registry
	Orch      *orchestrator.Orchestrator
	Loader    *workflow.Loader
	Scheduler *scheduler.Scheduler
	Bridge    *bridge.Kafka

	logger    *slog.Logger
	closeRest []func() error
	traceStop tracing.ShutdownFunc

	mu       sync.Mutex
	started  bool
	busStop  context.CancelFunc
	busDone  chan struct{}
	shutdown bool
}

type appOptions struct {
	provider market.Provider
	alertOut io.Writer
	narrator signals.Narrator
}

// AppOption customises NewApp, mostly for tests.
type AppOption func(*appOptions)

// WithMarketProvider replaces the Yahoo client.
func WithMarketProvider(p market.Provider) AppOption {
	return func(o *appOptions) { o.provider = p }
}

// WithAlertOutput sends terminal alert panels to w instead of stdout.
func WithAlertOutput(w io.Writer) AppOption {
	return func(o *appOptions) { o.alertOut = w }
}

// WithNarrator replaces the Claude narrator.
func WithNarrator(n signals.Narrator) AppOption {
	return func(o *appOptions) { o.narrator = n }
}

// NewApp builds the bus, store, cache, market provider, every agent, the
// orchestrator, the workflow loader, the scheduler and, when enabled, the
// Kafka bridge and tracer. Nothing is started.
func NewApp(ctx context.Context, cfg *config.Config, opts ...AppOption) (app *App, err error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, logger: logging.WithModule("app")}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	tracer := tracing.Noop()
	if cfg.Tracing.Enabled {
		t, stop, terr := tracing.Setup(ctx, cfg.Tracing.ServiceName)
		if terr != nil {
			return nil, terr
		}
		tracer, a.traceStop = t, stop
	}

	a.Bus = bus.New(bus.Config{
		HistoryRetention: cfg.Bus.Retention(),
		CleanupInterval:  cfg.Bus.Cleanup(),
		HistoryLimit:     cfg.Bus.HistoryLimit,
	}, logging.WithModule("bus"))

	if err := os.MkdirAll(filepath.Dir(cfg.Store.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if a.Store, err = store.Open(cfg.Store.DBPath); err != nil {
		return nil, err
	}
	a.closeRest = append(a.closeRest, a.Store.Close)

	if a.Cache, err = a.openCache(); err != nil {
		return nil, err
	}

	a.Market = o.provider
	if a.Market == nil {
		a.Market = market.NewYahoo(market.YahooConfig{
			BaseURL:   cfg.Market.BaseURL,
			Timeout:   cfg.Market.Timeout(),
			UserAgent: cfg.Market.UserAgent,
		}, logging.WithModule("market"))
	}

	if err := a.registerAgents(o); err != nil {
		return nil, err
	}

	a.Orch = orchestrator.New(a.Bus, a.Registry,
		orchestrator.WithStateRecorder(store.NewRecorder(a.Store)),
		orchestrator.WithTracer(tracer),
		orchestrator.WithLogger(logging.WithModule("orchestrator")),
	)
	a.Loader = workflow.NewLoader(cfg.Workflows.Dir, cfg.Workflows.File, logging.WithModule("workflow"))
	a.Scheduler = scheduler.New(scheduler.Config{
		Enabled:       cfg.Scheduler.Enabled,
		TickInterval:  cfg.Scheduler.Tick(),
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		QueueSize:     cfg.Scheduler.QueueSize,
		LockPath:      cfg.Scheduler.LockPath,
	}, a.Orch, a.Bus, logging.WithModule("scheduler"))

	if cfg.Kafka.Enabled {
		a.Bridge, err = bridge.NewKafka(a.Bus, bridge.Config{
			Brokers:       cfg.Kafka.Brokers,
			Topic:         cfg.Kafka.Topic,
			Topics:        cfg.Kafka.Topics,
			CommandsTopic: cfg.Kafka.CommandsTopic,
			GroupID:       cfg.Kafka.GroupID,
		}, logging.WithModule("bridge"))
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *App) openCache() (store.Cache, error) {
	if a.Config.Store.CacheBackend != "redis" {
		return store.NewSQLCache(a.Store), nil
	}
	rc := a.Config.Redis
	c, err := rediscache.New(rediscache.Config{
		Addr:       rc.Addr,
		Password:   rc.Password,
		DB:         rc.DB,
		PoolSize:   rc.PoolSize,
		DefaultTTL: rc.TTL(),
	})
	if err != nil {
		return nil, err
	}
	a.closeRest = append(a.closeRest, c.Close)
	return c, nil
}

func (a *App) registerAgents(o appOptions) error {
	cfg := a.Config
	common := []agent.Option{
		agent.WithHeartbeatInterval(cfg.Agents.Heartbeat()),
		agent.WithSchemaValidation(cfg.Agents.ValidateSchemas),
	}

	narrator := o.narrator
	if narrator == nil && cfg.Claude.Enabled {
		c, err := provider.NewClaude(provider.ClaudeConfig{
			APIKey:      cfg.Claude.APIKey,
			Model:       cfg.Claude.Model,
			MaxTokens:   cfg.Claude.MaxTokens,
			Temperature: cfg.Claude.Temperature,
		})
		if err != nil {
			a.logger.Warn("Claude narrator disabled", "error", err)
		} else {
			narrator = c
		}
	}

	notifier, mailer, err := a.notifiers(o.alertOut)
	if err != nil {
		return err
	}

	builders := []func() (*agent.Runtime, error){
		func() (*agent.Runtime, error) { return testagent.New(a.Bus, common...) },
		func() (*agent.Runtime, error) {
			return marketdata.New(a.Bus, a.Market, a.Store, cfg.Market.QuoteTTL(), common...)
		},
		func() (*agent.Runtime, error) {
			return history.New(a.Bus, a.Market, a.Store, a.Cache, cfg.Market.HistoryTTL(), common...)
		},
		func() (*agent.Runtime, error) { return technical.NewMovingAverage(a.Bus, a.Store, common...) },
		func() (*agent.Runtime, error) { return technical.NewRSI(a.Bus, a.Store, common...) },
		func() (*agent.Runtime, error) { return technical.NewLevels(a.Bus, a.Store, common...) },
		func() (*agent.Runtime, error) { return macro.NewDollar(a.Bus, a.Store, common...) },
		func() (*agent.Runtime, error) { return macro.NewYields(a.Bus, a.Store, common...) },
		func() (*agent.Runtime, error) {
			return signals.New(a.Bus, narrator, cfg.Agents.RequestTimeout(), common...)
		},
		func() (*agent.Runtime, error) {
			return alerts.New(a.Bus, alerts.Config{
				BuyThreshold:  cfg.Alerts.BuyThreshold,
				SellThreshold: cfg.Alerts.SellThreshold,
				Enabled:       cfg.Alerts.Enabled,
			}, notifier, mailer, common...)
		},
	}

	a.Registry = registry.New(logging.WithModule("registry"))
	for _, build := range builders {
		rt, err := build()
		if err != nil {
			return fmt.Errorf("build agent: %w", err)
		}
		a.Registry.Register(rt)
	}
	return nil
}

func (a *App) notifiers(out io.Writer) (notify.Notifier, alerts.Mailer, error) {
	ac := a.Config.Alerts
	chain := notify.Multi{notify.NewTerminal(out)}
	if ac.Slack.Token != "" {
		s, err := notify.NewSlack(ac.Slack.Token, ac.Slack.Channel, ac.Slack.APIURL, nil)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, s)
	}
	mailer := notify.NewEmail(notify.SMTPConfig{
		Server:   ac.SMTP.Server,
		Port:     ac.SMTP.Port,
		User:     ac.SMTP.User,
		Password: ac.SMTP.Password,
		From:     ac.SMTP.From,
		To:       ac.SMTP.To,
		Enabled:  ac.SMTP.Enabled,
	}, nil)
	return chain, mailer, nil
}

// Start runs the bus sweeper, starts every agent and the Kafka bridge.
// Agents that fail to start are reported but do not stop the rest.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	busCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.busStop = cancel
	a.busDone = make(chan struct{})
	go func() {
		defer close(a.busDone)
		_ = a.Bus.Run(busCtx)
	}()
	a.started = true

	err := a.Registry.StartAll(ctx)
	if a.Bridge != nil {
		if berr := a.Bridge.Start(context.WithoutCancel(ctx)); berr != nil {
			err = errors.Join(err, berr)
		}
	}
	return err
}

// Shutdown stops everything in reverse order of construction.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return nil
	}
	a.shutdown = true
	started := a.started
	a.mu.Unlock()

	var errs []error
	a.Scheduler.Stop()
	if a.Bridge != nil {
		if err := a.Bridge.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if started {
		if err := a.Registry.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}
		a.busStop()
		<-a.busDone
	}
	a.Bus.Stop()
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closeRest) - 1; i >= 0; i-- {
		if err := a.closeRest[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeRest = nil
	if a.traceStop != nil {
		if err := a.traceStop(context.Background()); err != nil {
			errs = append(errs, err)
		}
		a.traceStop = nil
	}
	return errors.Join(errs...)
}
