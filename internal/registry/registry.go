// Package registry keeps the directory of running agents.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/KafClaw/MarketClaw/internal/agent"
	"github.com/KafClaw/MarketClaw/internal/logging"
)

// Registry indexes agents by id and supports bulk lifecycle control.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]agent.Agent
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.WithModule("registry")
	}
	return &Registry{agents: make(map[string]agent.Agent), logger: logger}
}

// Register stores a, replacing any agent with the same id.
func (r *Registry) Register(a agent.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID()]; exists {
		r.logger.Warn("Agent already registered, overwriting", "agent_id", a.ID())
	}
	r.agents[a.ID()] = a
	r.logger.Info("Agent registered", "agent_id", a.ID(), "category", a.Metadata().Category)
}

// Unregister removes an agent. It reports whether the agent existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		r.logger.Warn("Agent not found for unregister", "agent_id", id)
		return false
	}
	delete(r.agents, id)
	r.logger.Info("Agent unregistered", "agent_id", id)
	return true
}

// Get looks up an agent by id.
func (r *Registry) Get(id string) (agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// All returns every agent sorted by id.
func (r *Registry) All() []agent.Agent {
	return r.filter(func(agent.Agent) bool { return true })
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	all := r.All()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.ID())
	}
	return out
}

// FindByCategory returns agents whose category equals cat.
func (r *Registry) FindByCategory(cat string) []agent.Agent {
	return r.filter(func(a agent.Agent) bool { return a.Metadata().Category == cat })
}

// FindByCapability returns agents declaring the named capability.
func (r *Registry) FindByCapability(name string) []agent.Agent {
	return r.filter(func(a agent.Agent) bool { return a.Metadata().HasCapability(name) })
}

func (r *Registry) filter(keep func(agent.Agent) bool) []agent.Agent {
	r.mu.RLock()
	out := make([]agent.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if keep(a) {
			out = append(out, a)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// CheckDependencies reports whether every dependency of id is registered,
// together with the missing ids. An unknown id is never satisfied.
func (r *Registry) CheckDependencies(id string) (bool, []string) {
	a, ok := r.Get(id)
	if !ok {
		return false, nil
	}
	var missing []string
	for _, dep := range a.Metadata().Dependencies {
		if _, ok := r.Get(dep); !ok {
			missing = append(missing, dep)
		}
	}
	return len(missing) == 0, missing
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Categories returns the distinct categories in sorted order.
func (r *Registry) Categories() []string {
	set := map[string]struct{}{}
	for _, a := range r.All() {
		set[a.Metadata().Category] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// MetadataFor returns the metadata of one agent.
func (r *Registry) MetadataFor(id string) (agent.Metadata, bool) {
	a, ok := r.Get(id)
	if !ok {
		return agent.Metadata{}, false
	}
	return a.Metadata(), true
}

// AllMetadata returns metadata for every agent sorted by id.
func (r *Registry) AllMetadata() []agent.Metadata {
	all := r.All()
	out := make([]agent.Metadata, 0, len(all))
	for _, a := range all {
		out = append(out, a.Metadata())
	}
	return out
}

// StartAll starts every enabled agent. One failing agent does not stop the
// rest; all failures are returned joined.
func (r *Registry) StartAll(ctx context.Context) error {
	var errs []error
	started := 0
	for _, a := range r.All() {
		if !a.Enabled() {
			r.logger.Info("Skipping disabled agent", "agent_id", a.ID())
			continue
		}
		if err := safeCall(func() error { return a.Start(ctx) }); err != nil {
			r.logger.Error("Failed to start agent", "agent_id", a.ID(), "error", err)
			errs = append(errs, fmt.Errorf("start %s: %w", a.ID(), err))
			continue
		}
		started++
	}
	r.logger.Info("Agents started", "started", started, "failed", len(errs))
	return errors.Join(errs...)
}

// StopAll stops every agent, continuing past failures.
func (r *Registry) StopAll(ctx context.Context) error {
	var errs []error
	for _, a := range r.All() {
		if err := safeCall(func() error { return a.Stop(ctx) }); err != nil {
			r.logger.Error("Failed to stop agent", "agent_id", a.ID(), "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", a.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}
