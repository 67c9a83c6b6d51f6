// Package dispatcher is the scheduling loop: it sleeps until the next
// trigger or an explicit wake, gathers runnable work from the ledger, and
// launches attempts through the concurrency gate in priority order.
package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"agentd/internal/controller"
	"agentd/internal/eventbus"
	"agentd/internal/gate"
	"agentd/internal/ledger"
	"agentd/internal/runtime/supervisor"
	"agentd/pkg/logx"
)

const (
	EventCycleStart = "cycle_start"
	EventCycleEnd   = "cycle_end"
)

const (
	DefaultPollInterval = time.Minute
	DefaultMinSleep     = time.Second
	DefaultBatchLimit   = 5
)

type Config struct {
	// PollInterval is the ceiling on sleep between cycles: even with nothing
	// scheduled, the loop re-checks this often.
	PollInterval time.Duration
	// MinSleep is the floor, so clustered triggers cannot spin the loop.
	MinSleep   time.Duration
	BatchLimit int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MinSleep <= 0 {
		c.MinSleep = DefaultMinSleep
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	return c
}

// CycleInfo is the cycle_start/cycle_end payload and the status surface's
// view of the last cycle.
type CycleInfo struct {
	Session    string    `json:"session"`
	Reason     string    `json:"reason"`
	StartedAt  time.Time `json:"started_at"`
	Launched   int       `json:"launched,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

type Dispatcher struct {
	store *ledger.Store
	bus   eventbus.Bus
	ctl   *controller.Controller
	gate  *gate.Gate
	sup   *supervisor.Supervisor
	cfg   Config
	log   logx.Logger

	wake chan struct{}

	mu   sync.Mutex
	last CycleInfo
}

type Options struct {
	Store      *ledger.Store
	Bus        eventbus.Bus
	Controller *controller.Controller
	Gate       *gate.Gate
	Supervisor *supervisor.Supervisor
	Config     Config
	Log        logx.Logger
}

func New(opts Options) *Dispatcher {
	return &Dispatcher{
		store: opts.Store,
		bus:   opts.Bus,
		ctl:   opts.Controller,
		gate:  opts.Gate,
		sup:   opts.Supervisor,
		cfg:   opts.Config.withDefaults(),
		log:   opts.Log.With(logx.String("component", "dispatcher")),
		wake:  make(chan struct{}, 1),
	}
}

// Wake nudges the loop to run a cycle now. Safe from any goroutine;
// coalesces when a wake is already queued.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// LastCycle returns the most recent cycle summary.
func (d *Dispatcher) LastCycle() CycleInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Run drives the loop until ctx is cancelled. The first cycle runs
// immediately so work interrupted by a restart resumes without waiting a
// full poll interval.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.runCycle(ctx, "boot")
	for {
		timer := time.NewTimer(d.sleepFor(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			d.runCycle(ctx, "scheduled")
		case <-d.wake:
			timer.Stop()
			d.runCycle(ctx, "signal")
		}
	}
}

// sleepFor sizes the next sleep: up to the next scheduled trigger (plus a
// small grace so the task is due when the cycle reads the ledger), clamped
// between MinSleep and PollInterval.
func (d *Dispatcher) sleepFor(ctx context.Context) time.Duration {
	sleep := d.cfg.PollInterval
	wakeAt, err := d.store.NextWakeTime(ctx, time.Now())
	if err != nil {
		d.log.Warn("next wake query failed", logx.Err(err))
	} else if wakeAt != nil {
		if until := time.Until(*wakeAt) + time.Second; until < sleep {
			sleep = until
		}
	}
	if sleep < d.cfg.MinSleep {
		sleep = d.cfg.MinSleep
	}
	d.log.Trace("sleeping", logx.Duration("for", sleep))
	return sleep
}

// runCycle gathers runnable work and launches it. A panic inside a cycle is
// contained here so the loop keeps its timer cadence.
func (d *Dispatcher) runCycle(ctx context.Context, reason string) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("cycle panicked",
				logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	if ctx.Err() != nil {
		return
	}

	info := CycleInfo{
		Session:   ulid.Make().String(),
		Reason:    reason,
		StartedAt: time.Now(),
	}
	d.bus.Publish(eventbus.Event{Type: EventCycleStart, Data: info})

	batch, err := d.collect(ctx)
	if err != nil {
		d.log.Error("cycle query failed", logx.Err(err))
	}

	for _, task := range batch {
		task := task
		// Reserving here, in batch order, pins FIFO admission so higher
		// priority work starts first even when the gate is saturated.
		slot := d.gate.Reserve()
		d.sup.Go(fmt.Sprintf("task-%d", task.ID), func(ctx context.Context) error {
			return d.ctl.Execute(ctx, task, slot)
		})
		info.Launched++
	}

	info.DurationMS = time.Since(info.StartedAt).Milliseconds()
	d.bus.Publish(eventbus.Event{Type: EventCycleEnd, Data: info})
	d.mu.Lock()
	d.last = info
	d.mu.Unlock()

	if info.Launched > 0 {
		d.log.Info("cycle dispatched tasks",
			logx.String("reason", reason), logx.Int("launched", info.Launched))
	} else {
		d.log.Trace("cycle idle", logx.String("reason", reason))
	}
}

// collect merges due work (time-triggered, most urgent first) with ready
// work (unscheduled or overdue, interrupted runs included), dedupes, skips
// tasks that already have a live attempt, and caps the batch.
func (d *Dispatcher) collect(ctx context.Context) ([]*ledger.Task, error) {
	now := time.Now()
	due, err := d.store.ListDue(ctx, now)
	if err != nil {
		return nil, err
	}
	ready, err := d.store.ListReady(ctx, now, d.cfg.BatchLimit)
	if err != nil {
		return due, err
	}

	inflight := d.ctl.Registry().IDs()
	seen := map[int64]bool{}
	batch := make([]*ledger.Task, 0, d.cfg.BatchLimit)
	for _, t := range append(due, ready...) {
		if len(batch) >= d.cfg.BatchLimit {
			break
		}
		if seen[t.ID] || inflight[t.ID] {
			continue
		}
		seen[t.ID] = true
		batch = append(batch, t)
	}
	return batch, nil
}

// ForceRun launches a pending task immediately, bypassing its schedule but
// not the concurrency gate.
func (d *Dispatcher) ForceRun(ctx context.Context, taskID int64) error {
	if d.ctl.Registry().Running(taskID) {
		return fmt.Errorf("task %d is already running", taskID)
	}
	task, err := d.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != ledger.StatusPending {
		return fmt.Errorf("task %d is %s, only pending tasks can be forced: %w",
			taskID, task.Status, ledger.ErrBadTransition)
	}

	slot := d.gate.Reserve()
	d.sup.Go(fmt.Sprintf("task-%d", task.ID), func(ctx context.Context) error {
		return d.ctl.Execute(ctx, task, slot)
	})
	d.log.Info("task force-started", logx.Int64("task", taskID))
	return nil
}
