package orchestrator

import "github.com/nidhogg/taskmesh/internal/agent"

// Metrics is the orchestrator-wide aggregate view across all agents.
type Metrics struct {
	AgentCount     int     `json:"agent_count"`
	IdleCount      int     `json:"idle_count"`
	BusyCount      int     `json:"busy_count"`
	TasksCompleted int64   `json:"tasks_completed"`
	TasksFailed    int64   `json:"tasks_failed"`
	SuccessRate    float64 `json:"success_rate"`
	QueueDepth     int     `json:"queue_depth"`
	InFlight       int     `json:"in_flight"`
	PendingResults int     `json:"pending_results"`
}

// Metrics aggregates counters across the registry and the intake queue.
func (o *Orchestrator) Metrics() Metrics {
	m := Metrics{QueueDepth: len(o.queue)}

	for _, a := range o.Agents() {
		m.AgentCount++
		snap := a.Snapshot()
		switch snap.Status {
		case agent.StatusIdle:
			m.IdleCount++
		case agent.StatusBusy:
			m.BusyCount++
		}
		m.TasksCompleted += snap.Metrics.TasksCompleted
		m.TasksFailed += snap.Metrics.TasksFailed
		m.InFlight += snap.CurrentLoad
	}

	if attempted := m.TasksCompleted + m.TasksFailed; attempted > 0 {
		m.SuccessRate = float64(m.TasksCompleted) / float64(attempted)
	}

	o.resMu.Lock()
	m.PendingResults = len(o.results)
	o.resMu.Unlock()

	return m
}

// HealthCheck reports whether the orchestrator is running with at least
// one agent outside the error state.
func (o *Orchestrator) HealthCheck() bool {
	if !o.isRunning() {
		return false
	}
	for _, a := range o.Agents() {
		if a.Status() != agent.StatusError {
			return true
		}
	}
	return false
}
