package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/taskmesh/internal/task"
	"go.uber.org/zap"
)

// Executor performs the capability-specific work for one task type. The
// agent knows nothing about its implementation and only enforces the
// timeout/retry envelope around it.
type Executor interface {
	Execute(ctx context.Context, input map[string]any) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	return f(ctx, input)
}

// Lifecycle lets a concrete agent load and release backend resources
// around its working life.
type Lifecycle interface {
	Init(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// Handler pairs a capability descriptor with the executor fulfilling it.
type Handler struct {
	Capability Capability
	Executor   Executor
}

// Config controls one agent's construction.
type Config struct {
	ID   string
	Kind string // informational label ("code", "text", ...), not used for routing

	Concurrency     int
	HistorySize     int
	HealthInterval  time.Duration
	MetricsInterval time.Duration
	DrainTimeout    time.Duration
	BackoffUnit     time.Duration
	GPUAvailable    bool

	Lifecycle Lifecycle
	Sampler   ResourceSampler
}

func (c *Config) applyDefaults() {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 1000
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 60 * time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = time.Second
	}
	if c.Sampler == nil {
		c.Sampler = NopSampler{}
	}
}

// Agent is a concurrency-bounded worker owning zero or more in-flight
// tasks. Admission, execution, and removal of tasks all happen under one
// mutex so the capacity bound holds at every observable instant.
type Agent struct {
	cfg      Config
	caps     map[string]Capability
	handlers map[string]Executor

	mu      sync.Mutex
	status  Status
	current map[string]*task.Task
	history []*task.Task

	metrics   *Metrics
	startTime time.Time

	cancelLoops context.CancelFunc
	loopWG      sync.WaitGroup
	taskWG      sync.WaitGroup

	logger *zap.Logger
}

// New builds an agent from its handlers. The agent stays in Initializing
// until Start succeeds.
func New(cfg Config, handlers []Handler, logger *zap.Logger) *Agent {
	cfg.applyDefaults()
	a := &Agent{
		cfg:      cfg,
		caps:     make(map[string]Capability, len(handlers)),
		handlers: make(map[string]Executor, len(handlers)),
		status:   StatusInitializing,
		current:  make(map[string]*task.Task),
		metrics:  NewMetrics(),
		logger:   logger,
	}
	for _, h := range handlers {
		a.caps[h.Capability.Name] = h.Capability
		a.handlers[h.Capability.Name] = h.Executor
	}
	return a
}

// ID returns the agent's identity.
func (a *Agent) ID() string { return a.cfg.ID }

// Kind returns the informational agent label.
func (a *Agent) Kind() string { return a.cfg.Kind }

// HasCapability reports whether the agent advertises the task type at all,
// regardless of current status or load. The capability set is immutable
// after construction.
func (a *Agent) HasCapability(taskType string) bool {
	_, ok := a.caps[taskType]
	return ok
}

// Capabilities returns the declared capability set.
func (a *Agent) Capabilities() []Capability {
	out := make([]Capability, 0, len(a.caps))
	for _, c := range a.caps {
		out = append(out, c)
	}
	return out
}

// Start runs the lifecycle Init hook and launches the health and metrics
// loops. On Init failure the agent lands in Error and may be started again.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.status != StatusInitializing && a.status != StatusError {
		st := a.status
		a.mu.Unlock()
		return fmt.Errorf("agent %s: cannot start from status %q", a.cfg.ID, st)
	}
	a.setStatusLocked(StatusInitializing)
	a.mu.Unlock()

	if a.cfg.Lifecycle != nil {
		if err := a.cfg.Lifecycle.Init(ctx); err != nil {
			a.setStatus(StatusError)
			return fmt.Errorf("agent %s: init: %w", a.cfg.ID, err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancelLoops = cancel
	a.startTime = time.Now()

	a.loopWG.Add(2)
	go a.healthLoop(loopCtx)
	go a.metricsLoop(loopCtx)

	a.setStatus(StatusIdle)
	a.logger.Info("agent started",
		zap.String("agent", a.cfg.ID),
		zap.String("kind", a.cfg.Kind),
		zap.Int("concurrency", a.cfg.Concurrency),
		zap.Int("capabilities", len(a.caps)))
	return nil
}

// Stop signals shutdown, cancels the background loops, waits up to the
// drain timeout for in-flight tasks, then runs the Cleanup hook. Outcomes
// of tasks still running past the grace period are discarded.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.status == StatusOffline {
		a.mu.Unlock()
		return nil
	}
	a.setStatusLocked(StatusOffline)
	a.mu.Unlock()

	if a.cancelLoops != nil {
		a.cancelLoops()
		a.loopWG.Wait()
	}

	drained := make(chan struct{})
	go func() {
		a.taskWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(a.cfg.DrainTimeout):
		a.logger.Warn("in-flight tasks did not drain before grace period expired",
			zap.String("agent", a.cfg.ID),
			zap.Int("abandoned", a.abandonInFlight()))
	case <-ctx.Done():
		a.abandonInFlight()
	}

	if a.cfg.Lifecycle != nil {
		if err := a.cfg.Lifecycle.Cleanup(ctx); err != nil {
			return fmt.Errorf("agent %s: cleanup: %w", a.cfg.ID, err)
		}
	}
	a.logger.Info("agent stopped", zap.String("agent", a.cfg.ID))
	return nil
}

// abandonInFlight evicts every task still registered when the drain grace
// period runs out. Attempts may keep running, but losing the current-map
// entry means their eventual outcomes are discarded, not counted.
func (a *Agent) abandonInFlight() int {
	now := time.Now()
	a.mu.Lock()
	n := len(a.current)
	for id, t := range a.current {
		delete(a.current, id)
		completed := now
		t.CompletedAt = &completed
		t.Error = "abandoned at shutdown"
		a.appendHistoryLocked(t)
	}
	a.mu.Unlock()

	for i := 0; i < n; i++ {
		a.metrics.RecordFailure()
	}
	return n
}

// EnterMaintenance pauses an idle agent for operator intervention.
func (a *Agent) EnterMaintenance() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := Transition(a.status, StatusMaintenance); err != nil {
		return fmt.Errorf("agent %s: %w", a.cfg.ID, err)
	}
	a.status = StatusMaintenance
	return nil
}

// Resume returns a maintenance agent to service.
func (a *Agent) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != StatusMaintenance {
		return fmt.Errorf("agent %s: not in maintenance (status %q)", a.cfg.ID, a.status)
	}
	a.status = StatusIdle
	return nil
}

// CanHandle reports whether the agent would admit the task right now. A
// nil return means admissible; otherwise a *task.RejectionError explains why.
func (a *Agent) CanHandle(t *task.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.canHandleLocked(t)
}

func (a *Agent) canHandleLocked(t *task.Task) error {
	if a.status != StatusIdle && a.status != StatusBusy {
		return &task.RejectionError{
			AgentID: a.cfg.ID, TaskType: t.Type,
			Reason: fmt.Sprintf("agent is %s", a.status),
		}
	}
	c, ok := a.caps[t.Type]
	if !ok {
		return &task.RejectionError{
			AgentID: a.cfg.ID, TaskType: t.Type,
			Reason: "no matching capability",
		}
	}
	if len(a.current) >= a.cfg.Concurrency {
		return &task.RejectionError{
			AgentID: a.cfg.ID, TaskType: t.Type,
			Reason: fmt.Sprintf("at capacity (%d/%d)", len(a.current), a.cfg.Concurrency),
		}
	}
	if c.RequiresGPU && !a.cfg.GPUAvailable {
		return &task.RejectionError{
			AgentID: a.cfg.ID, TaskType: t.Type,
			Reason: "capability requires GPU, none available",
		}
	}
	return nil
}

// CapabilityScore returns the capability's complexity score discounted by
// the current load fraction. Zero means the task type is not supported at
// all.
func (a *Agent) CapabilityScore(taskType string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.caps[taskType]
	if !ok {
		return 0
	}
	load := float64(len(a.current)) / float64(a.cfg.Concurrency)
	return float64(c.ComplexityScore) * (1 - load*0.3)
}

// Status returns the current lifecycle state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Snapshot is an idempotent status report; producing it never mutates
// agent state.
type Snapshot struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind,omitempty"`
	Status       Status          `json:"status"`
	Capabilities []string        `json:"capabilities"`
	CurrentLoad  int             `json:"current_load"`
	Concurrency  int             `json:"concurrency"`
	HistorySize  int             `json:"history_size"`
	Metrics      MetricsSnapshot `json:"metrics"`
	Uptime       time.Duration   `json:"uptime"`
}

// Snapshot returns the agent's current status report.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	names := make([]string, 0, len(a.caps))
	for name := range a.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	s := Snapshot{
		ID:           a.cfg.ID,
		Kind:         a.cfg.Kind,
		Status:       a.status,
		Capabilities: names,
		CurrentLoad:  len(a.current),
		Concurrency:  a.cfg.Concurrency,
		HistorySize:  len(a.history),
	}
	start := a.startTime
	a.mu.Unlock()

	if !start.IsZero() {
		s.Uptime = time.Since(start)
	}
	s.Metrics = a.metrics.Snapshot()
	return s
}

// Metrics returns a copy of the agent's counters and resource samples.
func (a *Agent) Metrics() MetricsSnapshot { return a.metrics.Snapshot() }

// History returns a copy of the terminal-task ring, most recent last.
func (a *Agent) History() []*task.Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*task.Task, len(a.history))
	copy(out, a.history)
	return out
}

func (a *Agent) setStatus(s Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setStatusLocked(s)
}

func (a *Agent) setStatusLocked(s Status) {
	if a.status == s {
		return
	}
	if err := Transition(a.status, s); err != nil {
		a.logger.Warn("status transition refused",
			zap.String("agent", a.cfg.ID),
			zap.Error(err))
		return
	}
	a.status = s
}

func (a *Agent) appendHistoryLocked(t *task.Task) {
	a.history = append(a.history, t)
	if len(a.history) > a.cfg.HistorySize {
		a.history = a.history[len(a.history)-a.cfg.HistorySize:]
	}
}
