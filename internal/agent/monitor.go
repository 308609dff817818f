package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/taskmesh/internal/task"
	"go.uber.org/zap"
)

// healthLoop periodically checks agent health for the lifetime of the
// agent. Failures inside a check are logged; the loop never terminates
// the agent.
func (a *Agent) healthLoop(ctx context.Context) {
	defer a.loopWG.Done()
	ticker := time.NewTicker(a.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkHealth()
		}
	}
}

// checkHealth flags an unhealthy agent and evicts tasks whose current
// attempt has run past its timeout, a safety net for execution paths that
// did not honor it. Tasks without a start stamp are waiting between
// attempts, not executing, and are left alone. Evicted tasks are marked
// failed and recorded to history; the live attempt, if any, discards its
// outcome when it eventually finishes.
func (a *Agent) checkHealth() {
	a.mu.Lock()
	if a.status == StatusError {
		a.mu.Unlock()
		a.logger.Warn("health check: agent in error state", zap.String("agent", a.cfg.ID))
		return
	}

	now := time.Now()
	var stuck []*task.Task
	for _, t := range a.current {
		if t.StartedAt != nil && now.Sub(*t.StartedAt) > t.Timeout {
			stuck = append(stuck, t)
		}
	}
	for _, t := range stuck {
		delete(a.current, t.ID)
		completed := now
		t.CompletedAt = &completed
		t.Error = fmt.Sprintf("stuck: still running %s past its %s timeout",
			now.Sub(*t.StartedAt).Round(time.Millisecond), t.Timeout)
		a.appendHistoryLocked(t)
	}
	if len(a.current) == 0 && a.status == StatusBusy {
		a.setStatusLocked(StatusIdle)
	}
	a.mu.Unlock()

	for _, t := range stuck {
		a.metrics.RecordFailure()
		a.logger.Warn("evicted stuck task",
			zap.String("agent", a.cfg.ID),
			zap.String("task", t.ID),
			zap.String("type", t.Type))
	}
}

// metricsLoop refreshes resource samples and the uptime counter for the
// lifetime of the agent.
func (a *Agent) metricsLoop(ctx context.Context) {
	defer a.loopWG.Done()
	ticker := time.NewTicker(a.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sampleResources()
		}
	}
}

func (a *Agent) sampleResources() {
	usage, err := a.cfg.Sampler.Sample()
	if err != nil {
		a.logger.Warn("resource sample failed",
			zap.String("agent", a.cfg.ID),
			zap.Error(err))
	} else {
		a.metrics.SetResourceUsage(usage.MemoryMB, usage.CPUPercent)
	}
	a.metrics.SetUptime(time.Since(a.startTime))
}
