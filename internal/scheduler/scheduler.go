// Package scheduler queues workflow runs, bounds how many execute at once,
// and fires recurring interval, cron and event triggers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/KafClaw/MarketClaw/internal/bus"
	"github.com/KafClaw/MarketClaw/internal/logging"
	"github.com/KafClaw/MarketClaw/internal/orchestrator"
)

var (
	ErrQueueFull        = errors.New("workflow queue is full")
	ErrSchedulerStopped = errors.New("scheduler stopped")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrInvalidSchedule  = errors.New("invalid schedule")
	ErrAlreadyRunning   = errors.New("scheduler already running")
	ErrLockHeld         = errors.New("scheduler lock held by another process")
	ErrDisabled         = errors.New("scheduler disabled")
)

// StatusTopic carries an EVENT for every finished scheduled run.
const StatusTopic = "workflow_events"

// ScheduleType selects what triggers a scheduled workflow.
type ScheduleType string

const (
	ScheduleManual   ScheduleType = "manual"
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
	ScheduleEvent    ScheduleType = "event"
)

// Runner executes workflows. The orchestrator satisfies it.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, wf *orchestrator.Workflow, input map[string]any) (map[string]any, error)
}

// Config holds scheduler settings. New does not default Enabled: a disabled
// scheduler never starts and refuses queued runs.
type Config struct {
	Enabled       bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval  time.Duration `json:"tickInterval"`
	MaxConcurrent int           `json:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
	QueueSize     int           `json:"queueSize" envconfig:"QUEUE_SIZE"`
	// LockPath, when set, keeps a second process from running the same
	// schedules on this host.
	LockPath string `json:"lockPath" envconfig:"LOCK_PATH"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Enabled:       true,
		TickInterval:  time.Second,
		MaxConcurrent: 5,
		QueueSize:     100,
		LockPath:      filepath.Join(home, ".marketclaw", "scheduler.lock"),
	}
}

// ScheduledWorkflow pairs a workflow with its trigger and run counters.
type ScheduledWorkflow struct {
	Workflow   *orchestrator.Workflow `json:"workflow"`
	Type       ScheduleType           `json:"schedule_type"`
	Interval   time.Duration          `json:"interval,omitempty"`
	CronExpr   string                 `json:"cron,omitempty"`
	EventTopic string                 `json:"event_topic,omitempty"`
	Context    map[string]any         `json:"context,omitempty"`
	Enabled    bool                   `json:"enabled"`
	LastRun    time.Time              `json:"last_run"`
	NextRun    time.Time              `json:"next_run"`
	RunCount   int                    `json:"run_count"`
	ErrorCount int                    `json:"error_count"`
	LastError  string                 `json:"last_error,omitempty"`

	cron  cron.Schedule
	subID bus.SubscriptionID
	subOn bool
}

// ScheduleOptions describes a trigger for ScheduleWorkflow.
type ScheduleOptions struct {
	Type       ScheduleType
	Interval   time.Duration
	CronExpr   string
	EventTopic string
	Context    map[string]any
	Disabled   bool
}

type queuedRun struct {
	wf    *orchestrator.Workflow
	input map[string]any
}

type runEntry struct {
	workflowID string
	cancel     context.CancelFunc
}

// Scheduler decides when workflows run and executes them under a
// concurrency ceiling.
type Scheduler struct {
	cfg    Config
	runner Runner
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	schedules map[string]*ScheduledWorkflow
	running   map[uint64]runEntry
	nextRun   uint64
	started   bool
	stopped   bool
	cancel    context.CancelFunc

	queue chan queuedRun
	sem   *Semaphore
	lock  *FileLock
	wg    sync.WaitGroup
}

// New creates a Scheduler. A nil bus disables event triggers and status
// events.
func New(cfg Config, runner Runner, b *bus.Bus, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if logger == nil {
		logger = logging.WithModule("scheduler")
	}
	s := &Scheduler{
		cfg:       cfg,
		runner:    runner,
		bus:       b,
		logger:    logger,
		now:       time.Now,
		schedules: make(map[string]*ScheduledWorkflow),
		running:   make(map[uint64]runEntry),
		queue:     make(chan queuedRun, cfg.QueueSize),
		sem:       NewSemaphore(cfg.MaxConcurrent),
	}
	if cfg.LockPath != "" {
		s.lock = NewFileLock(cfg.LockPath)
	}
	return s
}

// Start launches the scheduler and executor loops. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("Scheduler disabled")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}
	if s.started {
		return ErrAlreadyRunning
	}
	if s.lock != nil {
		ok, err := s.lock.TryLock()
		if err != nil {
			return fmt.Errorf("scheduler lock: %w", err)
		}
		if !ok {
			return ErrLockHeld
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	for _, sw := range s.schedules {
		s.attachLocked(sw)
	}

	s.wg.Add(2)
	go s.schedulerLoop(runCtx)
	go s.executorLoop(runCtx)

	s.logger.Info("Scheduler started",
		"tick", s.cfg.TickInterval, "max_concurrent", s.cfg.MaxConcurrent, "schedules", len(s.schedules))
	return nil
}

// Stop cancels both loops and every in-flight run, then waits for them.
// It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	for _, r := range s.running {
		r.cancel()
	}
	for _, sw := range s.schedules {
		s.detachLocked(sw)
	}
	s.mu.Unlock()

	s.wg.Wait()

	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("Scheduler unlock failed", "error", err)
		}
	}
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) schedulerLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(s.now())
		}
	}
}

// tick queues every due interval or cron schedule that is not running.
func (s *Scheduler) tick(now time.Time) {
	var due []queuedRun
	s.mu.Lock()
	for id, sw := range s.schedules {
		if !sw.Enabled || (sw.Type != ScheduleInterval && sw.Type != ScheduleCron) {
			continue
		}
		if s.isRunningLocked(id) || sw.NextRun.After(now) {
			continue
		}
		sw.NextRun = nextActivation(sw, now)
		due = append(due, queuedRun{wf: sw.Workflow, input: maps.Clone(sw.Context)})
	}
	s.mu.Unlock()

	for _, run := range due {
		if err := s.enqueue(run); err != nil {
			s.logger.Warn("Scheduled run dropped", "workflow", run.wf.Name, "error", err)
		} else {
			s.logger.Debug("Scheduled run queued", "workflow", run.wf.Name)
		}
	}
}

func nextActivation(sw *ScheduledWorkflow, now time.Time) time.Time {
	if sw.Type == ScheduleCron && sw.cron != nil {
		return sw.cron.Next(now)
	}
	return now.Add(sw.Interval)
}

func (s *Scheduler) executorLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case run := <-s.queue:
			if err := s.sem.Acquire(ctx); err != nil {
				return
			}
			s.launch(ctx, run)
		}
	}
}

// launch runs a queued workflow on a tracked goroutine. The caller holds a
// semaphore slot which the goroutine releases.
func (s *Scheduler) launch(ctx context.Context, run queuedRun) {
	runCtx, key, err := s.track(ctx, run.wf.ID)
	if err != nil {
		s.sem.Release()
		return
	}
	go func() {
		defer s.wg.Done()
		defer s.sem.Release()
		_, _ = s.execute(runCtx, key, run.wf, run.input)
	}()
}

// track registers an in-flight run. The caller must call s.wg.Done when the
// run ends.
func (s *Scheduler) track(ctx context.Context, workflowID string) (context.Context, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, 0, ErrSchedulerStopped
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.nextRun++
	key := s.nextRun
	s.running[key] = runEntry{workflowID: workflowID, cancel: cancel}
	s.wg.Add(1)
	return runCtx, key, nil
}

// execute runs wf and updates the counters. The running entry is removed
// whatever the outcome.
func (s *Scheduler) execute(ctx context.Context, key uint64, wf *orchestrator.Workflow, input map[string]any) (result map[string]any, err error) {
	started := s.now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("workflow panicked: %v", rec)
		}
		s.finish(key, wf, started, err)
	}()
	return s.runner.ExecuteWorkflow(ctx, wf, input)
}

func (s *Scheduler) finish(key uint64, wf *orchestrator.Workflow, started time.Time, runErr error) {
	now := s.now()
	s.mu.Lock()
	if r, ok := s.running[key]; ok {
		r.cancel()
		delete(s.running, key)
	}
	if sw, ok := s.schedules[wf.ID]; ok {
		sw.LastRun = now
		if runErr != nil {
			sw.ErrorCount++
			sw.LastError = runErr.Error()
		} else {
			sw.RunCount++
			sw.LastError = ""
		}
	}
	s.mu.Unlock()

	status := "completed"
	if runErr != nil {
		status = "failed"
		if errors.Is(runErr, context.Canceled) {
			status = "cancelled"
		}
		s.logger.Error("Scheduled workflow failed", "workflow", wf.Name, "error", runErr)
	} else {
		s.logger.Info("Scheduled workflow completed", "workflow", wf.Name, "duration", now.Sub(started))
	}
	s.publishStatus(wf, status, now.Sub(started), runErr)
}

func (s *Scheduler) publishStatus(wf *orchestrator.Workflow, status string, d time.Duration, runErr error) {
	if s.bus == nil {
		return
	}
	data := map[string]any{
		"workflow_id":      wf.ID,
		"workflow_name":    wf.Name,
		"status":           status,
		"duration_seconds": d.Seconds(),
	}
	if runErr != nil {
		data["error"] = runErr.Error()
	}
	msg := bus.NewMessage("scheduler", "", bus.TypeEvent, StatusTopic, data)
	if err := s.bus.Publish(context.Background(), msg); err != nil && !errors.Is(err, bus.ErrBusStopped) {
		s.logger.Warn("Workflow status publish failed", "error", err)
	}
}

// ExecuteWorkflowNow runs wf synchronously, bypassing the queue. The run is
// tracked and, when wf is scheduled, counted.
func (s *Scheduler) ExecuteWorkflowNow(ctx context.Context, wf *orchestrator.Workflow, input map[string]any) (map[string]any, error) {
	if wf == nil {
		return nil, errors.New("execute now: nil workflow")
	}
	runCtx, key, err := s.track(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	defer s.wg.Done()
	return s.execute(runCtx, key, wf, input)
}

// QueueWorkflow adds a run to the queue without blocking.
func (s *Scheduler) QueueWorkflow(wf *orchestrator.Workflow, input map[string]any) error {
	if wf == nil {
		return errors.New("queue: nil workflow")
	}
	return s.enqueue(queuedRun{wf: wf, input: input})
}

func (s *Scheduler) enqueue(run queuedRun) error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrSchedulerStopped
	}
	select {
	case s.queue <- run:
		return nil
	default:
		return ErrQueueFull
	}
}

// ScheduleWorkflow registers a trigger for wf and returns the schedule id,
// which is the workflow id. An existing schedule for wf is replaced.
func (s *Scheduler) ScheduleWorkflow(wf *orchestrator.Workflow, opts ScheduleOptions) (string, error) {
	if wf == nil || wf.ID == "" {
		return "", fmt.Errorf("%w: workflow without id", ErrInvalidSchedule)
	}
	if opts.Type == "" {
		opts.Type = ScheduleManual
	}
	now := s.now()
	sw := &ScheduledWorkflow{
		Workflow:   wf,
		Type:       opts.Type,
		Interval:   opts.Interval,
		CronExpr:   opts.CronExpr,
		EventTopic: opts.EventTopic,
		Context:    maps.Clone(opts.Context),
		Enabled:    !opts.Disabled,
	}
	switch opts.Type {
	case ScheduleManual:
	case ScheduleInterval:
		if opts.Interval <= 0 {
			return "", fmt.Errorf("%w: interval must be positive", ErrInvalidSchedule)
		}
		sw.NextRun = now.Add(opts.Interval)
	case ScheduleCron:
		sched, err := ParseCron(opts.CronExpr)
		if err != nil {
			return "", err
		}
		sw.cron = sched
		sw.NextRun = sched.Next(now)
	case ScheduleEvent:
		if opts.EventTopic == "" {
			return "", fmt.Errorf("%w: event schedule needs a topic", ErrInvalidSchedule)
		}
		if s.bus == nil {
			return "", fmt.Errorf("%w: event schedule needs a bus", ErrInvalidSchedule)
		}
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidSchedule, opts.Type)
	}

	s.mu.Lock()
	if old, ok := s.schedules[wf.ID]; ok {
		s.detachLocked(old)
	}
	s.schedules[wf.ID] = sw
	if s.started && !s.stopped {
		s.attachLocked(sw)
	}
	s.mu.Unlock()

	s.logger.Info("Workflow scheduled", "workflow", wf.Name, "type", sw.Type, "next_run", sw.NextRun)
	return wf.ID, nil
}

func (s *Scheduler) attachLocked(sw *ScheduledWorkflow) {
	if sw.Type != ScheduleEvent || sw.subOn || s.bus == nil {
		return
	}
	id := sw.Workflow.ID
	sw.subID = s.bus.Subscribe(sw.EventTopic, func(_ context.Context, msg *bus.Message) error {
		s.mu.Lock()
		current, ok := s.schedules[id]
		if !ok || !current.Enabled {
			s.mu.Unlock()
			return nil
		}
		input := maps.Clone(current.Context)
		wf := current.Workflow
		s.mu.Unlock()
		if input == nil {
			input = map[string]any{}
		}
		input["event"] = msg.Data
		return s.enqueue(queuedRun{wf: wf, input: input})
	})
	sw.subOn = true
}

func (s *Scheduler) detachLocked(sw *ScheduledWorkflow) {
	if !sw.subOn || s.bus == nil {
		return
	}
	s.bus.Unsubscribe(sw.EventTopic, sw.subID)
	sw.subOn = false
}

// Unschedule removes a schedule. Runs already queued still execute.
func (s *Scheduler) Unschedule(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sw, ok := s.schedules[id]
	if !ok {
		return false
	}
	s.detachLocked(sw)
	delete(s.schedules, id)
	s.logger.Info("Workflow unscheduled", "workflow_id", id)
	return true
}

// EnableSchedule turns a schedule on or off. Re-enabling a recurring
// schedule whose next run has passed makes it due on the next tick.
func (s *Scheduler) EnableSchedule(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sw, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	sw.Enabled = enabled
	return nil
}

// GetScheduledWorkflows returns snapshots sorted by workflow name.
func (s *Scheduler) GetScheduledWorkflows() []ScheduledWorkflow {
	s.mu.Lock()
	out := make([]ScheduledWorkflow, 0, len(s.schedules))
	for _, sw := range s.schedules {
		snap := *sw
		snap.Context = maps.Clone(sw.Context)
		out = append(out, snap)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Workflow.Name < out[j].Workflow.Name })
	return out
}

// GetRunningWorkflows returns the ids of in-flight workflows.
func (s *Scheduler) GetRunningWorkflows() []string {
	s.mu.Lock()
	set := make(map[string]struct{}, len(s.running))
	for _, r := range s.running {
		set[r.workflowID] = struct{}{}
	}
	s.mu.Unlock()
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) isRunningLocked(workflowID string) bool {
	for _, r := range s.running {
		if r.workflowID == workflowID {
			return true
		}
	}
	return false
}

// QueueLength reports how many runs wait for a slot.
func (s *Scheduler) QueueLength() int { return len(s.queue) }

// GetWorkflowStatus summarises one schedule.
func (s *Scheduler) GetWorkflowStatus(id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sw, ok := s.schedules[id]
	if !ok {
		return nil, false
	}
	status := map[string]any{
		"workflow_id":   id,
		"name":          sw.Workflow.Name,
		"schedule_type": string(sw.Type),
		"enabled":       sw.Enabled,
		"run_count":     sw.RunCount,
		"error_count":   sw.ErrorCount,
		"is_running":    s.isRunningLocked(id),
		"last_run":      formatTime(sw.LastRun),
		"next_run":      formatTime(sw.NextRun),
	}
	switch sw.Type {
	case ScheduleInterval:
		status["interval_seconds"] = sw.Interval.Seconds()
	case ScheduleCron:
		status["cron"] = sw.CronExpr
	case ScheduleEvent:
		status["event_topic"] = sw.EventTopic
	}
	if sw.LastError != "" {
		status["last_error"] = sw.LastError
	}
	return status, true
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339)
}
