package dispatcher

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentd/internal/controller"
	"agentd/internal/eventbus"
	"agentd/internal/executor"
	"agentd/internal/gate"
	"agentd/internal/ledger"
	"agentd/internal/profile"
	"agentd/internal/runtime/supervisor"
	"agentd/pkg/logx"
)

type fixture struct {
	store *ledger.Store
	bus   eventbus.Bus
	sup   *supervisor.Supervisor
	ctl   *controller.Controller
	disp  *Dispatcher
}

func newFixture(t *testing.T, maxConcurrent int, exec executor.Executor) *fixture {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), time.Second, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	bus := eventbus.New()
	g := gate.New(maxConcurrent)
	ctl := controller.New(controller.Options{
		Store:    store,
		Bus:      bus,
		Profiles: profile.NewStore("", profile.Profile{}, logx.Nop()),
		Executor: exec,
		Log:      logx.Nop(),
	})
	sup := supervisor.New(context.Background())
	t.Cleanup(func() {
		sup.Cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sup.Wait(ctx)
	})

	disp := New(Options{
		Store:      store,
		Bus:        bus,
		Controller: ctl,
		Gate:       g,
		Supervisor: sup,
		Config:     Config{PollInterval: time.Minute, MinSleep: 10 * time.Millisecond},
		Log:        logx.Nop(),
	})
	return &fixture{store: store, bus: bus, sup: sup, ctl: ctl, disp: disp}
}

func quickExecutor() executor.Executor {
	return executor.Func(func(ctx context.Context, req executor.Request, emit func(executor.StreamEvent)) (string, error) {
		return "ok", nil
	})
}

func collectEvents(t *testing.T, ch <-chan eventbus.Event, eventType string, n int) []eventbus.Event {
	t.Helper()
	out := make([]eventbus.Event, 0, n)
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev := <-ch:
			if ev.Type == eventType {
				out = append(out, ev)
			}
		case <-deadline:
			t.Fatalf("got %d/%d %q events", len(out), n, eventType)
		}
	}
	return out
}

func TestCycleStartsInPriorityOrder(t *testing.T) {
	t.Parallel()
	// One slot serializes the batch, so start order is admission order.
	f := newFixture(t, 1, quickExecutor())
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	byPriority := map[int64]int{}
	for _, p := range []int{9, 1, 5} {
		task, err := f.store.Create(ctx, ledger.CreateRequest{Title: "t", Priority: p, DueAt: &past})
		if err != nil {
			t.Fatal(err)
		}
		byPriority[task.ID] = p
	}

	events, unsub := f.bus.Subscribe(128)
	defer unsub()
	f.disp.runCycle(ctx, "test")

	starts := collectEvents(t, events, controller.EventTaskStart, 3)
	var order []int
	for _, ev := range starts {
		order = append(order, byPriority[ev.Data.(controller.TaskEvent).TaskID])
	}
	for i, want := range []int{1, 5, 9} {
		if order[i] != want {
			t.Fatalf("start order = %v, want [1 5 9]", order)
		}
	}
}

func TestCycleEventsAndBatchCap(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 3, quickExecutor())
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	for i := 0; i < 7; i++ {
		if _, err := f.store.Create(ctx, ledger.CreateRequest{Title: "t", DueAt: &past}); err != nil {
			t.Fatal(err)
		}
	}

	events, unsub := f.bus.Subscribe(128)
	defer unsub()
	f.disp.runCycle(ctx, "test")

	start := collectEvents(t, events, EventCycleStart, 1)[0]
	if start.Data.(CycleInfo).Reason != "test" {
		t.Errorf("cycle_start = %+v", start.Data)
	}
	end := collectEvents(t, events, EventCycleEnd, 1)[0]
	if got := end.Data.(CycleInfo).Launched; got != DefaultBatchLimit {
		t.Errorf("launched = %d, want batch cap %d", got, DefaultBatchLimit)
	}
	if f.disp.LastCycle().Session != start.Data.(CycleInfo).Session {
		t.Error("LastCycle does not reflect the published cycle")
	}
}

func TestRunningTaskNotRelaunched(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	f := newFixture(t, 3, executor.Func(func(ctx context.Context, req executor.Request, emit func(executor.StreamEvent)) (string, error) {
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}))
	defer close(release)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	if _, err := f.store.Create(ctx, ledger.CreateRequest{Title: "long", DueAt: &past}); err != nil {
		t.Fatal(err)
	}

	events, unsub := f.bus.Subscribe(128)
	defer unsub()
	f.disp.runCycle(ctx, "test")
	collectEvents(t, events, controller.EventTaskStart, 1)

	f.disp.runCycle(ctx, "test")
	ends := collectEvents(t, events, EventCycleEnd, 2)
	if got := ends[1].Data.(CycleInfo).Launched; got != 0 {
		t.Errorf("second cycle launched %d, want 0 while the attempt is live", got)
	}
}

func TestWakeCoalesces(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 3, quickExecutor())
	f.disp.Wake()
	f.disp.Wake()
	f.disp.Wake()
	if got := len(f.disp.wake); got != 1 {
		t.Errorf("queued wakes = %d, want 1", got)
	}
}

func TestUpdateCancelsThenRedispatches(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1, blockingThenQuick())
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	task, err := f.store.Create(ctx, ledger.CreateRequest{Title: "evolving", DueAt: &past})
	if err != nil {
		t.Fatal(err)
	}

	events, unsub := f.bus.Subscribe(128)
	defer unsub()
	f.disp.runCycle(ctx, "test")
	collectEvents(t, events, controller.EventTaskStart, 1)

	if _, err := f.ctl.UpdateTask(ctx, task.ID, "change of plans"); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	collectEvents(t, events, controller.EventTaskCancelled, 1)

	// The amended task is pending again and the next cycle restarts it.
	f.disp.runCycle(ctx, "test")
	restart := collectEvents(t, events, controller.EventTaskStart, 1)[0]
	if restart.Data.(controller.TaskEvent).TaskID != task.ID {
		t.Errorf("restart for task %d, want %d", restart.Data.(controller.TaskEvent).TaskID, task.ID)
	}
	collectEvents(t, events, controller.EventTaskEnd, 1)
}

// blockingThenQuick blocks the first run until cancelled, then completes
// later runs immediately.
func blockingThenQuick() executor.Executor {
	first := make(chan struct{}, 1)
	first <- struct{}{}
	return executor.Func(func(ctx context.Context, req executor.Request, emit func(executor.StreamEvent)) (string, error) {
		select {
		case <-first:
			<-ctx.Done()
			return "", ctx.Err()
		default:
			return "done after update", nil
		}
	})
}

func TestForceRun(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	f := newFixture(t, 3, executor.Func(func(ctx context.Context, req executor.Request, emit func(executor.StreamEvent)) (string, error) {
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}))
	defer close(release)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	task, err := f.store.Create(ctx, ledger.CreateRequest{Title: "later", DueAt: &future})
	if err != nil {
		t.Fatal(err)
	}

	events, unsub := f.bus.Subscribe(128)
	defer unsub()
	if err := f.disp.ForceRun(ctx, task.ID); err != nil {
		t.Fatalf("ForceRun: %v", err)
	}
	collectEvents(t, events, controller.EventTaskStart, 1)

	if err := f.disp.ForceRun(ctx, task.ID); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Errorf("second ForceRun = %v, want already-running error", err)
	}
	if err := f.disp.ForceRun(ctx, 9999); err == nil {
		t.Error("ForceRun on unknown id should fail")
	}
}
