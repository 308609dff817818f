package agent

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nidhogg/taskmesh/internal/task"
	"go.uber.org/zap"
)

func newTestAgent(t *testing.T, cfg Config, handlers []Handler) *Agent {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "agent-test"
	}
	if cfg.BackoffUnit == 0 {
		cfg.BackoffUnit = time.Millisecond
	}
	a := New(cfg, handlers, zap.NewNop())
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start agent: %v", err)
	}
	t.Cleanup(func() { a.Stop(context.Background()) })
	return a
}

func echoHandler() Handler {
	return Handler{
		Capability: Capability{Name: "echo", ComplexityScore: 1},
		Executor: ExecutorFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return map[string]any{"echo": input}, nil
		}),
	}
}

func TestProcessSuccess(t *testing.T) {
	a := newTestAgent(t, Config{}, []Handler{echoHandler()})

	tk := task.New("echo", map[string]any{"msg": "hi"})
	out, err := a.Process(context.Background(), tk)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out["echo"] == nil {
		t.Error("expected echoed output")
	}
	if tk.AgentID != "agent-test" {
		t.Errorf("agent_id = %q", tk.AgentID)
	}
	if tk.StartedAt == nil || tk.CompletedAt == nil {
		t.Error("lifecycle timestamps not stamped")
	}
	if a.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", a.Status())
	}
	m := a.Metrics()
	if m.TasksCompleted != 1 || m.TasksFailed != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestRejectUnknownCapability(t *testing.T) {
	a := newTestAgent(t, Config{}, []Handler{echoHandler()})

	tk := task.New("render", nil)
	_, err := a.Process(context.Background(), tk)
	var rej *task.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected RejectionError, got %v", err)
	}
	if a.Metrics().TasksRejected != 1 {
		t.Errorf("rejections = %d, want 1", a.Metrics().TasksRejected)
	}
	// Rejections never count as failures.
	if a.Metrics().TasksFailed != 0 {
		t.Errorf("failed = %d, want 0", a.Metrics().TasksFailed)
	}
}

func TestRejectAtCapacity(t *testing.T) {
	release := make(chan struct{})
	slow := Handler{
		Capability: Capability{Name: "slow", ComplexityScore: 1},
		Executor: ExecutorFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
			<-release
			return map[string]any{}, nil
		}),
	}
	a := newTestAgent(t, Config{Concurrency: 1}, []Handler{slow})

	first := task.New("slow", nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Process(context.Background(), first)
	}()

	// Wait until the first task is admitted.
	for i := 0; i < 100; i++ {
		if a.Status() == StatusBusy {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	second := task.New("slow", nil)
	_, err := a.Process(context.Background(), second)
	var rej *task.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected capacity rejection, got %v", err)
	}
	if !strings.Contains(rej.Reason, "capacity") {
		t.Errorf("reason = %q", rej.Reason)
	}

	close(release)
	<-done
	if a.Metrics().TasksCompleted != 1 {
		t.Errorf("completed = %d, want 1", a.Metrics().TasksCompleted)
	}
}

func TestRejectGPURequirement(t *testing.T) {
	gpu := Handler{
		Capability: Capability{Name: "train", ComplexityScore: 9, RequiresGPU: true},
		Executor: ExecutorFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		}),
	}
	a := newTestAgent(t, Config{GPUAvailable: false}, []Handler{gpu})

	_, err := a.Process(context.Background(), task.New("train", nil))
	var rej *task.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected GPU rejection, got %v", err)
	}
}

func TestRetryExhaustion(t *testing.T) {
	var attempts atomic.Int32
	failing := Handler{
		Capability: Capability{Name: "flaky", ComplexityScore: 1},
		Executor: ExecutorFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
			attempts.Add(1)
			return nil, errors.New("boom")
		}),
	}
	a := newTestAgent(t, Config{}, []Handler{failing})

	tk := task.New("flaky", nil, task.WithMaxRetries(2))
	_, err := a.Process(context.Background(), tk)

	var exec *task.ExecutionError
	if !errors.As(err, &exec) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 retries)", got)
	}
	if exec.Attempts != 3 {
		t.Errorf("error attempts = %d, want 3", exec.Attempts)
	}
	// Only the terminal failure counts, not each attempt.
	if a.Metrics().TasksFailed != 1 {
		t.Errorf("failed = %d, want 1", a.Metrics().TasksFailed)
	}
}

func TestRetrySucceedsAfterFailure(t *testing.T) {
	var attempts atomic.Int32
	flaky := Handler{
		Capability: Capability{Name: "flaky", ComplexityScore: 1},
		Executor: ExecutorFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return map[string]any{"ok": true}, nil
		}),
	}
	a := newTestAgent(t, Config{}, []Handler{flaky})

	out, err := a.Process(context.Background(), task.New("flaky", nil))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out["ok"] != true {
		t.Errorf("output = %v", out)
	}
	m := a.Metrics()
	if m.TasksCompleted != 1 || m.TasksFailed != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestTimeoutIsTerminal(t *testing.T) {
	var attempts atomic.Int32
	hang := Handler{
		Capability: Capability{Name: "hang", ComplexityScore: 1},
		Executor: ExecutorFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
			attempts.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}
	a := newTestAgent(t, Config{}, []Handler{hang})

	tk := task.New("hang", nil, task.WithTimeout(30*time.Millisecond), task.WithMaxRetries(5))
	_, err := a.Process(context.Background(), tk)

	var te *task.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want exactly 1 (timeouts never retry)", got)
	}
}

func TestExecutorPanicIsRetried(t *testing.T) {
	var attempts atomic.Int32
	panicky := Handler{
		Capability: Capability{Name: "panic", ComplexityScore: 1},
		Executor: ExecutorFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
			if attempts.Add(1) == 1 {
				panic("unexpected state")
			}
			return map[string]any{"recovered": true}, nil
		}),
	}
	a := newTestAgent(t, Config{}, []Handler{panicky})

	out, err := a.Process(context.Background(), task.New("panic", nil))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out["recovered"] != true {
		t.Errorf("output = %v", out)
	}
}

func TestHistoryRingTrims(t *testing.T) {
	a := newTestAgent(t, Config{HistorySize: 5}, []Handler{echoHandler()})

	for i := 0; i < 8; i++ {
		if _, err := a.Process(context.Background(), task.New("echo", nil)); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	if got := len(a.History()); got != 5 {
		t.Errorf("history = %d entries, want 5", got)
	}
}

func TestSuccessCallback(t *testing.T) {
	a := newTestAgent(t, Config{}, []Handler{echoHandler()})

	fired := make(chan string, 1)
	tk := task.New("echo", nil, task.WithCallback(func(done *task.Task) {
		fired <- done.ID
	}))
	if _, err := a.Process(context.Background(), tk); err != nil {
		t.Fatalf("process: %v", err)
	}
	select {
	case id := <-fired:
		if id != tk.ID {
			t.Errorf("callback id = %q, want %q", id, tk.ID)
		}
	default:
		t.Error("callback did not fire")
	}
}

func TestCallbackPanicDoesNotMaskResult(t *testing.T) {
	a := newTestAgent(t, Config{}, []Handler{echoHandler()})

	tk := task.New("echo", nil, task.WithCallback(func(*task.Task) {
		panic("callback bug")
	}))
	out, err := a.Process(context.Background(), tk)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out == nil {
		t.Error("result lost to callback panic")
	}
}

func TestStuckTaskEviction(t *testing.T) {
	release := make(chan struct{})
	hang := Handler{
		Capability: Capability{Name: "hang", ComplexityScore: 1},
		Executor: ExecutorFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
			<-release
			return map[string]any{}, nil
		}),
	}
	a := newTestAgent(t, Config{}, []Handler{hang})

	// The executor ignores its context, so only the health check can evict.
	tk := task.New("hang", nil, task.WithTimeout(time.Hour))
	done := make(chan error, 1)
	go func() {
		_, err := a.Process(context.Background(), tk)
		done <- err
	}()

	// Wait for the attempt to stamp its start before backdating it, so the
	// backdate cannot be overwritten.
	for i := 0; i < 100; i++ {
		a.mu.Lock()
		started := tk.StartedAt != nil
		a.mu.Unlock()
		if started {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Backdate the start so the task looks stuck, then run the check
	// directly instead of waiting for the ticker.
	a.mu.Lock()
	past := time.Now().Add(-2 * time.Hour)
	tk.StartedAt = &past
	a.mu.Unlock()
	a.checkHealth()

	if a.Metrics().TasksFailed != 1 {
		t.Fatalf("failed = %d, want 1 after eviction", a.Metrics().TasksFailed)
	}
	if a.Status() != StatusIdle {
		t.Errorf("status = %s, want idle after eviction", a.Status())
	}
	if got := len(a.History()); got != 1 {
		t.Errorf("history = %d entries, want 1", got)
	}

	// The live attempt finishes later; its outcome must be discarded.
	close(release)
	if err := <-done; err == nil {
		t.Error("expected the evicted task's result to be discarded")
	}
	if a.Metrics().TasksCompleted != 0 {
		t.Error("evicted task must not count as completed")
	}
}

func TestRetryBackoffWindowIsNotStuck(t *testing.T) {
	var attempts atomic.Int32
	flaky := Handler{
		Capability: Capability{Name: "flaky", ComplexityScore: 1},
		Executor: ExecutorFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
			if attempts.Add(1) == 1 {
				return nil, errors.New("transient")
			}
			return map[string]any{"ok": true}, nil
		}),
	}
	a := newTestAgent(t, Config{BackoffUnit: 200 * time.Millisecond}, []Handler{flaky})

	// Per-attempt timeout far below the backoff wait: the task spends much
	// longer between attempts than any attempt is allowed to run.
	tk := task.New("flaky", nil, task.WithTimeout(50*time.Millisecond), task.WithMaxRetries(2))
	type outcome struct {
		out map[string]any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := a.Process(context.Background(), tk)
		done <- outcome{out, err}
	}()

	// The first attempt fails immediately and the retry waits 400ms. Run
	// the stuck check inside that window; a waiting task must not be
	// evicted even though time since admission exceeds its timeout.
	time.Sleep(150 * time.Millisecond)
	a.checkHealth()

	r := <-done
	if r.err != nil {
		t.Fatalf("task evicted while waiting to retry: %v", r.err)
	}
	if r.out["ok"] != true {
		t.Errorf("output = %v", r.out)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	m := a.Metrics()
	if m.TasksCompleted != 1 || m.TasksFailed != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestStopDrainsInFlight(t *testing.T) {
	slow := Handler{
		Capability: Capability{Name: "slow", ComplexityScore: 1},
		Executor: ExecutorFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
			time.Sleep(50 * time.Millisecond)
			return map[string]any{}, nil
		}),
	}
	a := New(Config{ID: "drain-test", BackoffUnit: time.Millisecond, DrainTimeout: time.Second}, []Handler{slow}, zap.NewNop())
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := a.Process(context.Background(), task.New("slow", nil))
		done <- err
	}()

	for i := 0; i < 100; i++ {
		if a.Status() == StatusBusy {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("in-flight task should finish during drain, got %v", err)
	}
	if a.Status() != StatusOffline {
		t.Errorf("status = %s, want offline", a.Status())
	}
}

func TestStopAbandonsTasksPastGracePeriod(t *testing.T) {
	release := make(chan struct{})
	hang := Handler{
		Capability: Capability{Name: "hang", ComplexityScore: 1},
		Executor: ExecutorFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
			<-release
			return map[string]any{}, nil
		}),
	}
	a := New(Config{ID: "abandon-test", BackoffUnit: time.Millisecond, DrainTimeout: 30 * time.Millisecond}, []Handler{hang}, zap.NewNop())
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := a.Process(context.Background(), task.New("hang", nil, task.WithTimeout(time.Hour)))
		done <- err
	}()

	for i := 0; i < 100; i++ {
		if a.Status() == StatusBusy {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if a.Metrics().TasksFailed != 1 {
		t.Fatalf("failed = %d, want 1 abandoned at shutdown", a.Metrics().TasksFailed)
	}
	hist := a.History()
	if len(hist) != 1 || hist[0].Error == "" {
		t.Errorf("history = %+v, want one abandoned entry", hist)
	}

	// The executor ignores its context and finishes after shutdown; the
	// late outcome must be discarded, not counted.
	close(release)
	if err := <-done; err == nil {
		t.Error("expected the abandoned task's result to be discarded")
	}
	if a.Metrics().TasksCompleted != 0 {
		t.Error("late finisher must not count as completed")
	}
}

func TestMaintenanceCycle(t *testing.T) {
	a := newTestAgent(t, Config{}, []Handler{echoHandler()})

	if err := a.EnterMaintenance(); err != nil {
		t.Fatalf("enter maintenance: %v", err)
	}
	if err := a.CanHandle(task.New("echo", nil)); err == nil {
		t.Error("maintenance agent must not admit tasks")
	}
	if err := a.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if a.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", a.Status())
	}
}

func TestLifecycleInitFailureLandsInError(t *testing.T) {
	a := New(Config{ID: "bad-init", Lifecycle: failingLifecycle{}}, []Handler{echoHandler()}, zap.NewNop())
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("expected init failure")
	}
	if a.Status() != StatusError {
		t.Errorf("status = %s, want error", a.Status())
	}
}

type failingLifecycle struct{}

func (failingLifecycle) Init(context.Context) error    { return errors.New("backend down") }
func (failingLifecycle) Cleanup(context.Context) error { return nil }

func TestCapabilityScore(t *testing.T) {
	a := newTestAgent(t, Config{Concurrency: 2}, []Handler{
		{
			Capability: Capability{Name: "analyze", ComplexityScore: 8},
			Executor: ExecutorFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
				return map[string]any{}, nil
			}),
		},
	})

	if got := a.CapabilityScore("analyze"); got != 8.0 {
		t.Errorf("score at zero load = %v, want 8.0", got)
	}
	if got := a.CapabilityScore("unknown"); got != 0 {
		t.Errorf("score for unsupported type = %v, want 0", got)
	}
}

func TestSnapshotIsIdempotent(t *testing.T) {
	a := newTestAgent(t, Config{Concurrency: 3}, []Handler{echoHandler()})

	s1 := a.Snapshot()
	s2 := a.Snapshot()
	if s1.Status != s2.Status || s1.CurrentLoad != s2.CurrentLoad {
		t.Errorf("snapshots differ: %+v vs %+v", s1, s2)
	}
	if s1.Concurrency != 3 {
		t.Errorf("concurrency = %d", s1.Concurrency)
	}
	if a.Status() != StatusIdle {
		t.Error("snapshot must not mutate status")
	}
}
