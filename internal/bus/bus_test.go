package bus

import (
	"context"
	"os"
	"testing"
	"time"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(t *testing.T, ctx context.Context) string {
	t.Helper()
	if os.Getenv("TASKMESH_E2E") == "" {
		t.Skip("integration test (set TASKMESH_E2E=1 to run)")
	}

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	return "redis://" + endpoint
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	url := startRedis(t, ctx)

	b, err := New(url, zap.NewNop())
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	defer b.Close()

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	events := b.Subscribe(subCtx)

	// XRead with "$" only sees entries appended after the read starts.
	time.Sleep(200 * time.Millisecond)

	want := TaskEvent{
		ID:        "ev-1",
		TaskID:    "task-1",
		AgentID:   "agent-1",
		Type:      "echo",
		Phase:     PhaseCompleted,
		Timestamp: time.Now(),
	}
	if err := b.PublishTaskEvent(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-events:
		if got.TaskID != want.TaskID || got.Phase != want.Phase {
			t.Errorf("got event %+v, want task %s phase %s", got, want.TaskID, want.Phase)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New("not-a-url", zap.NewNop()); err == nil {
		t.Error("expected an error for a malformed redis url")
	}
}
