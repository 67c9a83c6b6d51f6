package controller

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentd/internal/eventbus"
	"agentd/internal/executor"
	"agentd/internal/gate"
	"agentd/internal/ledger"
	"agentd/internal/profile"
	"agentd/pkg/logx"
)

type fixture struct {
	store *ledger.Store
	bus   eventbus.Bus
	gate  *gate.Gate
	ctl   *Controller
}

func newFixture(t *testing.T, exec executor.Executor) *fixture {
	return newFixtureDrain(t, exec, 0)
}

func newFixtureDrain(t *testing.T, exec executor.Executor, drain time.Duration) *fixture {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), time.Second, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	bus := eventbus.New()
	ctl := New(Options{
		Store:        store,
		Bus:          bus,
		Profiles:     profile.NewStore("", profile.Profile{}, logx.Nop()),
		Executor:     exec,
		DrainTimeout: drain,
		Log:          logx.Nop(),
	})
	return &fixture{store: store, bus: bus, gate: gate.New(1), ctl: ctl}
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, eventType string) eventbus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", eventType)
		}
	}
}

func TestExecuteCompletes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, executor.Func(func(ctx context.Context, req executor.Request, emit func(executor.StreamEvent)) (string, error) {
		emit(executor.StreamEvent{Kind: "text", Text: "working on it"})
		emit(executor.StreamEvent{Kind: "tool_use", Tool: "Read"})
		return "all wrapped up", nil
	}))
	ctx := context.Background()

	task, err := f.store.Create(ctx, ledger.CreateRequest{Title: "tidy"})
	if err != nil {
		t.Fatal(err)
	}

	events, unsub := f.bus.Subscribe(64)
	defer unsub()

	if err := f.ctl.Execute(ctx, task, f.gate.Reserve()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	start := waitEvent(t, events, EventTaskStart)
	if start.Data.(TaskEvent).TaskID != task.ID {
		t.Errorf("task_start for wrong task: %+v", start.Data)
	}
	waitEvent(t, events, EventAgentText)
	waitEvent(t, events, EventToolUse)
	end := waitEvent(t, events, EventTaskEnd)
	if end.Data.(TaskEvent).Summary != "all wrapped up" {
		t.Errorf("task_end payload = %+v", end.Data)
	}

	got, err := f.store.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ledger.StatusCompleted || got.Result != "all wrapped up" {
		t.Errorf("task = %s/%q, want completed", got.Status, got.Result)
	}
	if f.ctl.Registry().Len() != 0 {
		t.Error("attempt still registered after completion")
	}
	if f.gate.InUse() != 0 {
		t.Error("gate slot leaked")
	}
}

func TestExecuteFailureRequeues(t *testing.T) {
	t.Parallel()
	f := newFixture(t, executor.Func(func(ctx context.Context, req executor.Request, emit func(executor.StreamEvent)) (string, error) {
		return "", context.DeadlineExceeded
	}))
	ctx := context.Background()

	task, err := f.store.Create(ctx, ledger.CreateRequest{Title: "flaky", MaxRetries: 2})
	if err != nil {
		t.Fatal(err)
	}

	events, unsub := f.bus.Subscribe(64)
	defer unsub()

	if err := f.ctl.Execute(ctx, task, f.gate.Reserve()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	ev := waitEvent(t, events, EventTaskError)
	if ev.Data.(TaskEvent).Error == "" {
		t.Error("task_error payload missing error")
	}

	got, _ := f.store.Get(ctx, task.ID)
	if got.Status != ledger.StatusPending || got.RetryCount != 1 {
		t.Errorf("task = %s retry=%d, want pending/1 after first failure", got.Status, got.RetryCount)
	}
}

func blockingExecutor() executor.Executor {
	return executor.Func(func(ctx context.Context, req executor.Request, emit func(executor.StreamEvent)) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
}

func TestCancelRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, blockingExecutor())
	ctx := context.Background()

	task, err := f.store.Create(ctx, ledger.CreateRequest{Title: "long haul"})
	if err != nil {
		t.Fatal(err)
	}

	events, unsub := f.bus.Subscribe(64)
	defer unsub()
	go func() { _ = f.ctl.Execute(ctx, task, f.gate.Reserve()) }()
	waitEvent(t, events, EventTaskStart)

	if err := f.ctl.CancelRunning(ctx, task.ID); err != nil {
		t.Fatalf("CancelRunning: %v", err)
	}
	waitEvent(t, events, EventTaskCancelled)

	// The cancelled status is already durable when CancelRunning returns.
	got, _ := f.store.Get(ctx, task.ID)
	if got.Status != ledger.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if f.ctl.Registry().Running(task.ID) {
		t.Error("attempt still registered")
	}
}

func waitRegistryDrained(t *testing.T, reg *Registry) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for reg.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for attempts to unwind")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestShutdownLeavesTaskInProgress(t *testing.T) {
	t.Parallel()
	f := newFixture(t, blockingExecutor())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := f.store.Create(context.Background(), ledger.CreateRequest{Title: "long haul"})
	if err != nil {
		t.Fatal(err)
	}

	events, unsub := f.bus.Subscribe(64)
	defer unsub()
	go func() { _ = f.ctl.Execute(ctx, task, f.gate.Reserve()) }()
	waitEvent(t, events, EventTaskStart)

	// Run context dies with the daemon, no operator involved.
	cancel()
	waitRegistryDrained(t, f.ctl.Registry())

	got, _ := f.store.Get(context.Background(), task.ID)
	if got.Status != ledger.StatusInProgress {
		t.Fatalf("status = %s, want in_progress after shutdown", got.Status)
	}

	// The interrupted row is runnable work for the next boot's first cycle.
	ready, err := f.store.ListReady(context.Background(), time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range ready {
		if r.ID == task.ID {
			found = true
		}
	}
	if !found {
		t.Error("interrupted task missing from ListReady")
	}
}

func TestCancelNotRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, blockingExecutor())

	err := f.ctl.CancelRunning(context.Background(), 777)
	if err == nil || !strings.Contains(err.Error(), "not running") {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}

func TestUpdateTaskWhileRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, blockingExecutor())
	ctx := context.Background()

	task, err := f.store.Create(ctx, ledger.CreateRequest{Title: "report", Description: "draft it"})
	if err != nil {
		t.Fatal(err)
	}

	events, unsub := f.bus.Subscribe(64)
	defer unsub()
	go func() { _ = f.ctl.Execute(ctx, task, f.gate.Reserve()) }()
	waitEvent(t, events, EventTaskStart)

	updated, err := f.ctl.UpdateTask(ctx, task.ID, "focus on the summary section")
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.Status != ledger.StatusPending {
		t.Errorf("status = %s, want pending for immediate re-dispatch", updated.Status)
	}
	if !strings.Contains(updated.Description, "--- OPERATOR UPDATE (") ||
		!strings.Contains(updated.Description, "focus on the summary section") {
		t.Errorf("description = %q, want appended instruction", updated.Description)
	}

	// The old attempt terminated as cancelled before the rewrite landed.
	waitEvent(t, events, EventTaskCancelled)
	if f.ctl.Registry().Running(task.ID) {
		t.Error("old attempt still registered")
	}
}

// slowUnwindExecutor keeps running past cancellation for lag, the stuck
// subprocess case the drain timeout exists for.
func slowUnwindExecutor(lag time.Duration) executor.Executor {
	return executor.Func(func(ctx context.Context, req executor.Request, emit func(executor.StreamEvent)) (string, error) {
		<-ctx.Done()
		time.Sleep(lag)
		return "", ctx.Err()
	})
}

func TestUpdateSurvivesSlowUnwind(t *testing.T) {
	t.Parallel()
	f := newFixtureDrain(t, slowUnwindExecutor(300*time.Millisecond), 20*time.Millisecond)
	ctx := context.Background()

	task, err := f.store.Create(ctx, ledger.CreateRequest{Title: "report", Description: "draft it"})
	if err != nil {
		t.Fatal(err)
	}

	events, unsub := f.bus.Subscribe(64)
	defer unsub()
	go func() { _ = f.ctl.Execute(ctx, task, f.gate.Reserve()) }()
	waitEvent(t, events, EventTaskStart)

	// The drain times out before the attempt unwinds; the rewrite lands while
	// the old attempt is still alive.
	updated, err := f.ctl.UpdateTask(ctx, task.ID, "focus on the summary section")
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.Status != ledger.StatusPending {
		t.Fatalf("status = %s, want pending", updated.Status)
	}

	// The late attempt still unwinds as cancelled, but its terminal
	// transition must not overwrite the re-queued task.
	waitEvent(t, events, EventTaskCancelled)
	waitRegistryDrained(t, f.ctl.Registry())

	got, err := f.store.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ledger.StatusPending {
		t.Errorf("status = %s, want pending to survive the late unwind", got.Status)
	}
	if !strings.Contains(got.Description, "focus on the summary section") {
		t.Errorf("description = %q, lost the operator instruction", got.Description)
	}
}

func TestUpdatePendingTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, blockingExecutor())
	ctx := context.Background()

	task, err := f.store.Create(ctx, ledger.CreateRequest{Title: "later"})
	if err != nil {
		t.Fatal(err)
	}
	updated, err := f.ctl.UpdateTask(ctx, task.ID, "also check the logs")
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.Status != ledger.StatusPending || !strings.Contains(updated.Description, "also check the logs") {
		t.Errorf("updated = %s/%q", updated.Status, updated.Description)
	}
}
