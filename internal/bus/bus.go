package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Phase marks where in its lifecycle a task event was emitted.
type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// TaskEvent is a task lifecycle notification published for external
// observers. The scheduler itself never consumes these.
type TaskEvent struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Type      string    `json:"type"`
	Phase     Phase     `json:"phase"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const stream = "taskmesh:events"

// Bus publishes task lifecycle events to a Redis Stream.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New creates a Redis-backed event bus.
func New(redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, logger: logger}, nil
}

// PublishTaskEvent appends an event to the stream.
func (b *Bus) PublishTaskEvent(ctx context.Context, ev TaskEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	b.logger.Debug("published task event",
		zap.String("task", ev.TaskID),
		zap.String("phase", string(ev.Phase)))
	return nil
}

// Subscribe listens for task events appended after the call. Returns a
// channel that emits events. Cancel the context to stop.
func (b *Bus) Subscribe(ctx context.Context) <-chan *TaskEvent {
	ch := make(chan *TaskEvent, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev TaskEvent
					if json.Unmarshal([]byte(data), &ev) == nil {
						ch <- &ev
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
