package task

import (
	"fmt"
	"time"
)

// RejectionError reports a submission refused at admission time, either a
// capability mismatch or exceeded capacity. Rejected tasks never enter a
// queue and are never retried.
type RejectionError struct {
	AgentID  string
	TaskType string
	Reason   string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("agent %s rejected task type %q: %s", e.AgentID, e.TaskType, e.Reason)
}

// TimeoutError reports an attempt that exceeded the task's timeout.
// Timed-out tasks are terminal regardless of remaining retry budget.
type TimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.Timeout)
}

// ExecutionError reports an executor failure after the retry budget is spent.
type ExecutionError struct {
	TaskID   string
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempt(s): %v", e.TaskID, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// RoutingError reports that no registered agent could take the task.
type RoutingError struct {
	TaskID   string
	TaskType string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no suitable agent for task %s (type %q)", e.TaskID, e.TaskType)
}
