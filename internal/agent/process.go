package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/taskmesh/internal/task"
	"go.uber.org/zap"
)

// Process admits and executes a task through the full envelope: admission,
// per-attempt timeout, retry with exponential backoff, metrics and history
// accounting. It is the single execution path whether the task arrives via
// direct submission or orchestrator dispatch.
func (a *Agent) Process(ctx context.Context, t *task.Task) (map[string]any, error) {
	if err := a.admit(t); err != nil {
		a.metrics.RecordRejection()
		a.logger.Warn("task rejected",
			zap.String("agent", a.cfg.ID),
			zap.String("task", t.ID),
			zap.String("type", t.Type),
			zap.Error(err))
		return nil, err
	}
	a.taskWG.Add(1)
	defer a.taskWG.Done()

	a.logger.Info("task started",
		zap.String("agent", a.cfg.ID),
		zap.String("task", t.ID),
		zap.String("type", t.Type),
		zap.Int("priority", int(t.Priority)))

	start := time.Now()
	exec := a.handlers[t.Type]

	for {
		a.beginAttempt(t)
		out, err := a.runAttempt(ctx, exec, t)
		if err == nil {
			if !a.completeSuccess(t, out, time.Since(start)) {
				return nil, fmt.Errorf("task %s: result discarded after eviction", t.ID)
			}
			return out, nil
		}

		// Timeouts are terminal regardless of remaining retry budget.
		var te *task.TimeoutError
		if errors.As(err, &te) {
			a.completeFailure(t, err.Error())
			return nil, err
		}

		// A cancelled caller is not an executor failure; do not retry.
		if ctx.Err() != nil {
			a.completeFailure(t, ctx.Err().Error())
			return nil, ctx.Err()
		}

		if t.RetryCount < t.MaxRetries {
			t.RetryCount++
			backoff := a.cfg.BackoffUnit * time.Duration(1<<t.RetryCount)
			a.logger.Info("retrying task",
				zap.String("agent", a.cfg.ID),
				zap.String("task", t.ID),
				zap.Int("attempt", t.RetryCount+1),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			a.pauseBetweenAttempts(t)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				a.completeFailure(t, ctx.Err().Error())
				return nil, ctx.Err()
			}
			continue
		}

		final := &task.ExecutionError{TaskID: t.ID, Attempts: t.RetryCount + 1, Err: err}
		a.completeFailure(t, final.Error())
		return nil, final
	}
}

// admit performs the capacity-safe registration of a task. The capability,
// capacity, and hardware checks happen under the same lock as the insert so
// two near-simultaneous submissions cannot both pass the capacity check.
func (a *Agent) admit(t *task.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.canHandleLocked(t); err != nil {
		return err
	}
	t.AgentID = a.cfg.ID
	a.current[t.ID] = t
	if a.status == StatusIdle {
		a.setStatusLocked(StatusBusy)
	}
	return nil
}

// beginAttempt stamps the start of the current attempt. The health loop's
// stuck check measures from this stamp, so every attempt gets the full
// timeout budget regardless of time spent on earlier attempts.
func (a *Agent) beginAttempt(t *task.Task) {
	a.mu.Lock()
	now := time.Now()
	t.StartedAt = &now
	a.mu.Unlock()
}

// pauseBetweenAttempts clears the start stamp for the backoff window. A
// task waiting between attempts is not executing and cannot be stuck.
func (a *Agent) pauseBetweenAttempts(t *task.Task) {
	a.mu.Lock()
	t.StartedAt = nil
	a.mu.Unlock()
}

type attemptResult struct {
	out map[string]any
	err error
}

// runAttempt executes one attempt under the task's hard timeout. Executors
// that ignore context cancellation still yield a TimeoutError here; their
// late results are discarded.
func (a *Agent) runAttempt(ctx context.Context, exec Executor, t *task.Task) (map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		out, err := exec.Execute(attemptCtx, t.Input)
		done <- attemptResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &task.TimeoutError{TaskID: t.ID, Timeout: t.Timeout}
		}
		return r.out, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &task.TimeoutError{TaskID: t.ID, Timeout: t.Timeout}
	}
}

// completeSuccess finalizes a successful task. It returns false when the
// task was already evicted as stuck, in which case the outcome is dropped.
func (a *Agent) completeSuccess(t *task.Task, out map[string]any, execTime time.Duration) bool {
	now := time.Now()
	a.mu.Lock()
	if _, owned := a.current[t.ID]; !owned {
		a.mu.Unlock()
		a.logger.Warn("discarding result of evicted task",
			zap.String("agent", a.cfg.ID),
			zap.String("task", t.ID))
		return false
	}
	delete(a.current, t.ID)
	t.CompletedAt = &now
	t.Result = out
	a.appendHistoryLocked(t)
	if len(a.current) == 0 && a.status == StatusBusy {
		a.setStatusLocked(StatusIdle)
	}
	a.mu.Unlock()

	a.metrics.RecordSuccess(execTime)
	a.logger.Info("task completed",
		zap.String("agent", a.cfg.ID),
		zap.String("task", t.ID),
		zap.Duration("took", execTime))

	if t.OnComplete != nil {
		a.invokeCallback(t)
	}
	return true
}

// completeFailure finalizes a terminally failed task.
func (a *Agent) completeFailure(t *task.Task, errMsg string) {
	now := time.Now()
	a.mu.Lock()
	if _, owned := a.current[t.ID]; !owned {
		a.mu.Unlock()
		return
	}
	delete(a.current, t.ID)
	t.CompletedAt = &now
	t.Error = errMsg
	a.appendHistoryLocked(t)
	if len(a.current) == 0 && a.status == StatusBusy {
		a.setStatusLocked(StatusIdle)
	}
	a.mu.Unlock()

	a.metrics.RecordFailure()
	a.logger.Error("task failed",
		zap.String("agent", a.cfg.ID),
		zap.String("task", t.ID),
		zap.String("error", errMsg))
}

func (a *Agent) invokeCallback(t *task.Task) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("completion callback panicked",
				zap.String("task", t.ID),
				zap.Any("panic", r))
		}
	}()
	t.OnComplete(t)
}
