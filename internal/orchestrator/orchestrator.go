package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/taskmesh/internal/agent"
	"github.com/nidhogg/taskmesh/internal/bus"
	"github.com/nidhogg/taskmesh/internal/task"
	"go.uber.org/zap"
)

var (
	// ErrNotRunning is returned when submitting to a stopped orchestrator.
	ErrNotRunning = errors.New("orchestrator is not running")
	// ErrQueueFull is returned when the intake queue cannot take the task.
	ErrQueueFull = errors.New("intake queue is full")
	// ErrAwaitTimeout is returned when a result does not arrive in time.
	ErrAwaitTimeout = errors.New("timed out waiting for task result")
)

// EventSink receives task lifecycle events. Publishing is best effort;
// sink failures are logged and never affect scheduling.
type EventSink interface {
	PublishTaskEvent(ctx context.Context, ev bus.TaskEvent) error
}

// Archiver persists terminal tasks for later inspection. Archive failures
// are logged and never affect result delivery.
type Archiver interface {
	ArchiveTask(ctx context.Context, t *task.Task, r *task.Result) error
}

// Config controls the dispatcher pool and intake queue.
type Config struct {
	Workers   int
	QueueSize int
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

// Orchestrator routes tasks across a pool of agents and correlates
// results. Agents self-mutate their own status; the orchestrator only
// reads the registry when routing.
type Orchestrator struct {
	cfg Config

	mu     sync.RWMutex
	agents map[string]*agent.Agent

	queue chan *task.Task

	// results holds one buffered channel per submitted task. Each channel
	// is written exactly once by a dispatcher and removed when the result
	// is handed to a caller, so delivery happens exactly once.
	resMu   sync.Mutex
	results map[string]chan *task.Result

	events  EventSink
	archive Archiver

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger *zap.Logger
}

// New creates an orchestrator with an empty registry.
func New(cfg Config, logger *zap.Logger) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:     cfg,
		agents:  make(map[string]*agent.Agent),
		queue:   make(chan *task.Task, cfg.QueueSize),
		results: make(map[string]chan *task.Result),
		logger:  logger,
	}
}

// SetEventSink attaches an optional lifecycle event publisher.
func (o *Orchestrator) SetEventSink(s EventSink) { o.events = s }

// SetArchiver attaches an optional terminal-task archive.
func (o *Orchestrator) SetArchiver(a Archiver) { o.archive = a }

// Register adds an agent to the registry.
func (o *Orchestrator) Register(a *agent.Agent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.agents[a.ID()] = a
	o.logger.Info("registered agent",
		zap.String("agent", a.ID()),
		zap.String("kind", a.Kind()))
}

// Agent returns a registered agent by id.
func (o *Orchestrator) Agent(id string) (*agent.Agent, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.agents[id]
	return a, ok
}

// Agents returns all registered agents ordered by id.
func (o *Orchestrator) Agents() []*agent.Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*agent.Agent, 0, len(o.agents))
	for _, a := range o.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Start launches the dispatcher pool.
func (o *Orchestrator) Start(ctx context.Context) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.dispatchLoop(runCtx, i)
	}
	o.running = true
	o.logger.Info("orchestrator started", zap.Int("workers", o.cfg.Workers))
}

// Stop halts the dispatcher pool, then stops every registered agent.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.runMu.Lock()
	if !o.running {
		o.runMu.Unlock()
		return
	}
	o.running = false
	o.cancel()
	o.runMu.Unlock()

	o.wg.Wait()

	for _, a := range o.Agents() {
		if err := a.Stop(ctx); err != nil {
			o.logger.Warn("agent stop failed",
				zap.String("agent", a.ID()),
				zap.Error(err))
		}
	}
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) isRunning() bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.running
}

// Submit builds a task from the request and enqueues it, returning as soon
// as the task is queued.
func (o *Orchestrator) Submit(ctx context.Context, taskType string, input map[string]any, opts ...task.Option) (string, error) {
	if !o.isRunning() {
		return "", ErrNotRunning
	}
	t := task.New(taskType, input, opts...)

	o.resMu.Lock()
	o.results[t.ID] = make(chan *task.Result, 1)
	o.resMu.Unlock()

	select {
	case o.queue <- t:
	default:
		o.resMu.Lock()
		delete(o.results, t.ID)
		o.resMu.Unlock()
		return "", ErrQueueFull
	}

	o.publish(ctx, bus.PhaseQueued, t, "")
	o.logger.Info("task queued",
		zap.String("task", t.ID),
		zap.String("type", taskType),
		zap.Int("priority", int(t.Priority)))
	return t.ID, nil
}

// AwaitResult blocks until the task's terminal outcome is available or the
// timeout elapses. A delivered result is removed from the store, so it is
// returned exactly once; later calls for the same id time out.
func (o *Orchestrator) AwaitResult(ctx context.Context, taskID string, timeout time.Duration) (*task.Result, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()

	for {
		o.resMu.Lock()
		ch, ok := o.results[taskID]
		o.resMu.Unlock()

		if ok {
			select {
			case r := <-ch:
				o.resMu.Lock()
				delete(o.results, taskID)
				o.resMu.Unlock()
				return r, nil
			case <-deadline.C:
				return nil, fmt.Errorf("task %s: %w", taskID, ErrAwaitTimeout)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		select {
		case <-deadline.C:
			return nil, fmt.Errorf("task %s: %w", taskID, ErrAwaitTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-poll.C:
		}
	}
}

// dispatchLoop pulls tasks from the shared queue and hands each to the
// best eligible agent. Retries are the agent's responsibility; routing
// failures are terminal and recorded immediately.
func (o *Orchestrator) dispatchLoop(ctx context.Context, worker int) {
	defer o.wg.Done()
	o.logger.Debug("dispatcher started", zap.Int("worker", worker))
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-o.queue:
			o.dispatch(ctx, t)
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, t *task.Task) {
	ag := o.findSuitableAgent(t)
	if ag == nil {
		// A capable agent that is merely busy will free up; hold the task
		// for it. Only a type nobody advertises fails immediately.
		if o.hasCapableAgent(t.Type) {
			o.requeue(ctx, t)
			return
		}
		rerr := &task.RoutingError{TaskID: t.ID, TaskType: t.Type}
		now := time.Now()
		t.CompletedAt = &now
		t.Error = rerr.Error()
		o.logger.Warn("no suitable agent",
			zap.String("task", t.ID),
			zap.String("type", t.Type))
		o.deliver(ctx, t, &task.Result{TaskID: t.ID, Error: rerr.Error()})
		return
	}

	start := time.Now()
	out, err := ag.Process(ctx, t)

	// The agent may have filled up between routing and admission; a
	// rejection at this point means "not now", so the task goes back on
	// the queue rather than failing.
	var rej *task.RejectionError
	if errors.As(err, &rej) {
		o.requeue(ctx, t)
		return
	}

	res := &task.Result{
		TaskID:   t.ID,
		AgentID:  ag.ID(),
		Attempts: t.RetryCount + 1,
		Duration: time.Since(start),
	}
	if err != nil {
		res.Error = err.Error()
	} else {
		res.Output = out
	}
	o.deliver(ctx, t, res)
}

// deliver stores the terminal outcome for pickup, publishes the matching
// event, and archives the task when an archive is configured.
func (o *Orchestrator) deliver(ctx context.Context, t *task.Task, r *task.Result) {
	o.resMu.Lock()
	ch, ok := o.results[t.ID]
	o.resMu.Unlock()
	if ok {
		ch <- r
	}

	phase := bus.PhaseCompleted
	if r.Failed() {
		phase = bus.PhaseFailed
	}
	o.publish(ctx, phase, t, r.Error)

	if o.archive != nil {
		if err := o.archive.ArchiveTask(ctx, t, r); err != nil {
			o.logger.Warn("archive failed",
				zap.String("task", t.ID),
				zap.Error(err))
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, phase bus.Phase, t *task.Task, errMsg string) {
	if o.events == nil {
		return
	}
	ev := bus.TaskEvent{
		ID:        uuid.New().String(),
		TaskID:    t.ID,
		AgentID:   t.AgentID,
		Type:      t.Type,
		Phase:     phase,
		Error:     errMsg,
		Timestamp: time.Now(),
	}
	if err := o.events.PublishTaskEvent(ctx, ev); err != nil {
		o.logger.Warn("event publish failed",
			zap.String("task", t.ID),
			zap.Error(err))
	}
}

// requeue puts a task back on the intake queue after a short pause so the
// dispatcher does not spin while every capable agent is at capacity.
func (o *Orchestrator) requeue(ctx context.Context, t *task.Task) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(20 * time.Millisecond):
	}
	select {
	case o.queue <- t:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) hasCapableAgent(taskType string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, a := range o.agents {
		if a.Status() == agent.StatusOffline || a.Status() == agent.StatusError {
			continue
		}
		if a.HasCapability(taskType) {
			return true
		}
	}
	return false
}

// findSuitableAgent selects among idle, admissible agents the one with the
// lowest cumulative average execution time, favoring historically fast
// agents over round-robin. Ties break on lowest agent id so routing stays
// deterministic.
func (o *Orchestrator) findSuitableAgent(t *task.Task) *agent.Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var best *agent.Agent
	var bestAvg time.Duration
	for _, a := range o.agents {
		if a.Status() != agent.StatusIdle {
			continue
		}
		if a.CanHandle(t) != nil {
			continue
		}
		avg := a.Metrics().AverageExecutionTime
		if best == nil || avg < bestAvg || (avg == bestAvg && a.ID() < best.ID()) {
			best = a
			bestAvg = avg
		}
	}
	return best
}
