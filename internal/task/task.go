package task

import (
	"time"

	"github.com/google/uuid"
)

// Priority ranks a task from critical to background. It is carried as a
// hint for metrics and inspection; it never reorders running work.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityNormal     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

// Defaults applied by New when no option overrides them.
const (
	DefaultTimeout    = 5 * time.Minute
	DefaultMaxRetries = 3
)

// Task is a single unit of requested work. The fields describing the
// request are fixed at creation; the lifecycle record (timestamps, result,
// error, retry counter) is mutated only by the agent that owns the task.
type Task struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Input      map[string]any    `json:"input"`
	Priority   Priority          `json:"priority"`
	Timeout    time.Duration     `json:"timeout"`
	MaxRetries int               `json:"max_retries"`
	RetryCount int               `json:"retry_count"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	AgentID     string     `json:"agent_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`

	// OnComplete fires after a successful attempt has been accounted for.
	// Failures inside the callback are logged and never mask the result.
	OnComplete func(*Task) `json:"-"`
}

// Option mutates a task at construction time.
type Option func(*Task)

// WithPriority sets the priority hint.
func WithPriority(p Priority) Option {
	return func(t *Task) { t.Priority = p }
}

// WithTimeout bounds a single execution attempt.
func WithTimeout(d time.Duration) Option {
	return func(t *Task) { t.Timeout = d }
}

// WithMaxRetries sets the retry budget for execution failures.
func WithMaxRetries(n int) Option {
	return func(t *Task) { t.MaxRetries = n }
}

// WithMetadata attaches opaque metadata carried end to end.
func WithMetadata(md map[string]string) Option {
	return func(t *Task) { t.Metadata = md }
}

// WithCallback registers a success callback.
func WithCallback(fn func(*Task)) Option {
	return func(t *Task) { t.OnComplete = fn }
}

// New builds a queued task with a generated id.
func New(taskType string, input map[string]any, opts ...Option) *Task {
	t := &Task{
		ID:         uuid.New().String(),
		Type:       taskType,
		Input:      input,
		Priority:   PriorityNormal,
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Result is the terminal outcome of a task, correlated by id through the
// orchestrator's result store.
type Result struct {
	TaskID   string         `json:"task_id"`
	AgentID  string         `json:"agent_id,omitempty"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Attempts int            `json:"attempts"`
	Duration time.Duration  `json:"duration"`
}

// Failed reports whether the outcome carries a failure description.
func (r *Result) Failed() bool { return r.Error != "" }
