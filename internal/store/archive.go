package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/taskmesh/internal/task"
)

// ArchivedTask is a terminal task row read back from the archive.
type ArchivedTask struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	AgentID     string         `json:"agent_id,omitempty"`
	Priority    int            `json:"priority"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	DurationMS  int64          `json:"duration_ms"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// ArchiveTask persists a terminal task and its outcome. Re-archiving the
// same task id is a no-op.
func (s *Store) ArchiveTask(ctx context.Context, t *task.Task, r *task.Result) error {
	inputJSON, err := json.Marshal(t.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	var outputJSON []byte
	if len(r.Output) > 0 {
		outputJSON, err = json.Marshal(r.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
	}

	var metadataJSON []byte
	if len(t.Metadata) > 0 {
		metadataJSON, err = json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO task_archive
			(id, type, agent_id, priority, input, output, metadata,
			 error, attempts, duration_ms, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.Type, nullIfEmpty(r.AgentID), int(t.Priority),
		inputJSON, outputJSON, metadataJSON,
		nullIfEmpty(r.Error), r.Attempts, r.Duration.Milliseconds(),
		t.CreatedAt, t.StartedAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("archive task %s: %w", t.ID, err)
	}
	return nil
}

// ListArchivedTasks retrieves recently completed tasks, newest first.
func (s *Store) ListArchivedTasks(ctx context.Context, limit int) ([]ArchivedTask, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, type, agent_id, priority, input, output,
		       error, attempts, duration_ms, created_at, completed_at
		FROM task_archive
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ArchivedTask
	for rows.Next() {
		var at ArchivedTask
		var agentID, errMsg *string
		var inputJSON, outputJSON []byte

		if err := rows.Scan(&at.ID, &at.Type, &agentID, &at.Priority,
			&inputJSON, &outputJSON, &errMsg, &at.Attempts,
			&at.DurationMS, &at.CreatedAt, &at.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan archived task: %w", err)
		}
		if agentID != nil {
			at.AgentID = *agentID
		}
		if errMsg != nil {
			at.Error = *errMsg
		}
		if len(inputJSON) > 0 {
			json.Unmarshal(inputJSON, &at.Input)
		}
		if len(outputJSON) > 0 {
			json.Unmarshal(outputJSON, &at.Output)
		}
		tasks = append(tasks, at)
	}
	return tasks, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
