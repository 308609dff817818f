package agent

import (
	"sync"
	"time"
)

// Metrics tracks cumulative task counters and periodically refreshed
// resource samples for one agent. All methods are safe for concurrent use.
type Metrics struct {
	mu            sync.Mutex
	completed     int64
	failed        int64
	rejected      int64
	totalExecTime time.Duration
	avgExecTime   time.Duration
	successRate   float64
	memoryMB      float64
	cpuPercent    float64
	uptime        time.Duration
	lastActivity  time.Time
}

// MetricsSnapshot is a point-in-time copy safe to hand to callers.
type MetricsSnapshot struct {
	TasksCompleted       int64         `json:"tasks_completed"`
	TasksFailed          int64         `json:"tasks_failed"`
	TasksRejected        int64         `json:"tasks_rejected"`
	TotalExecutionTime   time.Duration `json:"total_execution_time"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	SuccessRate          float64       `json:"success_rate"`
	MemoryMB             float64       `json:"memory_mb"`
	CPUPercent           float64       `json:"cpu_percent"`
	Uptime               time.Duration `json:"uptime"`
	LastActivity         time.Time     `json:"last_activity"`
}

// NewMetrics creates a metrics record with a perfect starting success rate.
func NewMetrics() *Metrics {
	return &Metrics{successRate: 1.0, lastActivity: time.Now()}
}

// RecordSuccess accounts one task that reached a successful terminal state.
func (m *Metrics) RecordSuccess(execTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
	m.totalExecTime += execTime
	m.avgExecTime = m.totalExecTime / time.Duration(m.completed)
	m.recalcSuccessRate()
	m.lastActivity = time.Now()
}

// RecordFailure accounts one task that reached a failed terminal state.
// Individual retry attempts are not counted; only the terminal outcome is.
func (m *Metrics) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
	m.recalcSuccessRate()
	m.lastActivity = time.Now()
}

// RecordRejection accounts a submission refused at admission time.
func (m *Metrics) RecordRejection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected++
}

func (m *Metrics) recalcSuccessRate() {
	attempted := m.completed + m.failed
	if attempted == 0 {
		m.successRate = 1.0
		return
	}
	m.successRate = float64(m.completed) / float64(attempted)
}

// SetResourceUsage stores the latest sampler reading.
func (m *Metrics) SetResourceUsage(memMB, cpuPct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memoryMB = memMB
	m.cpuPercent = cpuPct
}

// SetUptime refreshes the uptime counter.
func (m *Metrics) SetUptime(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uptime = d
}

// AverageExecutionTime returns the running average across completed tasks.
// The orchestrator uses it to prefer historically fast agents.
func (m *Metrics) AverageExecutionTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avgExecTime
}

// Snapshot returns a copy of all counters and samples.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		TasksCompleted:       m.completed,
		TasksFailed:          m.failed,
		TasksRejected:        m.rejected,
		TotalExecutionTime:   m.totalExecTime,
		AverageExecutionTime: m.avgExecTime,
		SuccessRate:          m.successRate,
		MemoryMB:             m.memoryMB,
		CPUPercent:           m.cpuPercent,
		Uptime:               m.uptime,
		LastActivity:         m.lastActivity,
	}
}
