// Package daemon assembles the pieces (ledger, gate, controller, dispatcher,
// API, watchers) into one process and implements the control surface the
// HTTP layer calls into.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"agentd/internal/config"
	"agentd/internal/controller"
	"agentd/internal/dispatcher"
	"agentd/internal/eventbus"
	"agentd/internal/executor/claudecli"
	"agentd/internal/gate"
	"agentd/internal/httpapi"
	"agentd/internal/ledger"
	"agentd/internal/notify"
	"agentd/internal/profile"
	"agentd/internal/runtime/supervisor"
	"agentd/pkg/logx"
)

const (
	defaultStoragePath = "data/agentd.db"
	defaultAPIAddr     = "127.0.0.1:8765"
	shutdownGrace      = 15 * time.Second
)

type Daemon struct {
	cfg    *config.Config
	cfgMgr *config.Manager
	log    logx.Logger

	store    *ledger.Store
	bus      eventbus.Bus
	gate     *gate.Gate
	profiles *profile.Store
	ctl      *controller.Controller
	disp     *dispatcher.Dispatcher
	api      *httpapi.Server
	sup      *supervisor.Supervisor

	startedAt time.Time
}

// New loads the config and wires the daemon. Nothing runs until Run.
func New(cfgPath string) (*Daemon, error) {
	cfgMgr := config.NewManager(cfgPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logCfg := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
	// A daemon with no sinks configured still logs somewhere.
	if !logCfg.Console && !logCfg.File.Enabled {
		logCfg.Console = true
	}
	log, err := logx.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	cfgMgr.SetLogger(log)
	fail := func(e error) (*Daemon, error) {
		_ = log.Close()
		return nil, e
	}

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 2*time.Second)
	if err != nil {
		return fail(err)
	}
	pollInterval, err := config.ParseDurationOrDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval, dispatcher.DefaultPollInterval)
	if err != nil {
		return fail(err)
	}
	minSleep, err := config.ParseDurationOrDefault("scheduler.min_sleep", cfg.Scheduler.MinSleep, dispatcher.DefaultMinSleep)
	if err != nil {
		return fail(err)
	}

	d := &Daemon{
		cfg:       cfg,
		cfgMgr:    cfgMgr,
		log:       log,
		bus:       eventbus.New(),
		startedAt: time.Now(),
	}

	storagePath := cfg.Storage.Path
	if storagePath == "" {
		storagePath = defaultStoragePath
	}
	d.store, err = ledger.Open(storagePath, busyTimeout, log)
	if err != nil {
		return fail(fmt.Errorf("open ledger: %w", err))
	}

	d.gate = gate.New(cfg.Scheduler.MaxConcurrent)
	d.profiles = profile.NewStore(cfg.Profiles.Dir, profile.Profile{Tools: cfg.Executor.Tools}, log)
	if err := d.profiles.Load(); err != nil {
		_ = d.store.Close()
		return fail(fmt.Errorf("load profiles: %w", err))
	}

	var notifier controller.Notifier
	if cfg.Notify != nil && cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.RatePerSec, log)
	}

	execOpts := []claudecli.Option{claudecli.WithCommand(cfg.Executor.Command)}
	if cfg.Executor.MaxTurns > 0 {
		execOpts = append(execOpts, claudecli.WithMaxTurns(cfg.Executor.MaxTurns))
	}
	d.ctl = controller.New(controller.Options{
		Store:        d.store,
		Bus:          d.bus,
		Profiles:     d.profiles,
		Executor:     claudecli.New(log, execOpts...),
		Notifier:     notifier,
		DefaultTools: cfg.Executor.Tools,
		Log:          log,
	})

	d.sup = supervisor.New(context.Background(),
		supervisor.WithLogger(log),
		supervisor.WithCancelOnError(true),
	)
	d.disp = dispatcher.New(dispatcher.Options{
		Store:      d.store,
		Bus:        d.bus,
		Controller: d.ctl,
		Gate:       d.gate,
		Supervisor: d.sup,
		Config: dispatcher.Config{
			PollInterval: pollInterval,
			MinSleep:     minSleep,
			BatchLimit:   cfg.Scheduler.BatchLimit,
		},
		Log: log,
	})

	addr := cfg.API.Addr
	if addr == "" {
		addr = defaultAPIAddr
	}
	d.api = httpapi.New(addr, d, log)
	return d, nil
}

// Run starts everything and blocks until ctx is cancelled or a component
// fails fatally, then shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("daemon starting",
		logx.Int("max_concurrent", d.gate.Cap()),
		logx.Int("profiles", len(d.profiles.Names())))

	d.sup.GoRestart("dispatcher", d.disp.Run)
	d.sup.GoRestart("config.watch", d.cfgMgr.Watch)
	d.sup.GoRestart("profiles.watch", d.profiles.Watch)
	d.sup.Go0("config.apply", d.consumeConfigUpdates)
	d.sup.Go("api", d.api.Run)

	select {
	case <-ctx.Done():
		d.log.Info("shutdown requested")
	case <-d.sup.Context().Done():
		d.log.Error("component failed, shutting down", logx.Err(d.sup.Err()))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	err := d.sup.Stop(stopCtx)
	if cerr := d.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		d.log.Warn("shutdown grace expired with attempts still unwinding")
	}
	d.log.Info("daemon stopped", logx.Duration("uptime", time.Since(d.startedAt)))
	_ = d.log.Close()
	return err
}

// consumeConfigUpdates drains accepted hot reloads. Profile and config file
// edits apply live through their own watchers; structural settings (storage
// path, listen address, concurrency) need a restart, which is called out in
// the log so an edit is never silently half-applied.
func (d *Daemon) consumeConfigUpdates(ctx context.Context) {
	ch := d.cfgMgr.Subscribe(4)
	defer d.cfgMgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			d.log.Info("config file updated; structural changes apply on restart",
				logx.Int("scheduler.max_concurrent", cfg.Scheduler.MaxConcurrent),
				logx.String("api.addr", cfg.API.Addr))
		}
	}
}

// ---- httpapi.Core ----

func (d *Daemon) CreateTask(ctx context.Context, req ledger.CreateRequest) (*ledger.Task, bool, error) {
	task, err := d.store.Create(ctx, req)
	if err != nil {
		return nil, false, err
	}
	scheduledNow := task.NextRunAt == nil || !task.NextRunAt.After(time.Now())
	if scheduledNow {
		d.disp.Wake()
	}
	d.log.Info("task created",
		logx.Int64("task", task.ID), logx.String("title", task.Title),
		logx.Bool("scheduled_now", scheduledNow))
	return task, scheduledNow, nil
}

func (d *Daemon) GetTask(ctx context.Context, id int64) (*ledger.Task, error) {
	return d.store.Get(ctx, id)
}

func (d *Daemon) ListTasks(ctx context.Context, status ledger.Status, limit int) ([]*ledger.Task, error) {
	return d.store.List(ctx, status, limit)
}

// ScheduledTasks lists pending tasks with a future trigger, soonest first.
func (d *Daemon) ScheduledTasks(ctx context.Context) ([]*ledger.Task, error) {
	pending, err := d.store.List(ctx, ledger.StatusPending, 200)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]*ledger.Task, 0, len(pending))
	for _, t := range pending {
		if t.NextRunAt != nil && t.NextRunAt.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	return out, nil
}

func (d *Daemon) Running() []*controller.Attempt {
	return d.ctl.Registry().Snapshot()
}

// CancelPending cancels a task that is not currently executing. Running
// tasks go through CancelRunning so the live attempt is stopped too.
func (d *Daemon) CancelPending(ctx context.Context, id int64) (*ledger.Task, error) {
	if d.ctl.Registry().Running(id) {
		return nil, fmt.Errorf("task %d is running, cancel the attempt instead: %w",
			id, ledger.ErrBadTransition)
	}
	return d.store.Transition(ctx, id, ledger.StatusCancelled, "cancelled by operator", "")
}

func (d *Daemon) CancelRunning(ctx context.Context, id int64) error {
	return d.ctl.CancelRunning(ctx, id)
}

func (d *Daemon) UpdateTask(ctx context.Context, id int64, instruction string) (*ledger.Task, error) {
	task, err := d.ctl.UpdateTask(ctx, id, instruction)
	if err != nil {
		return nil, err
	}
	d.disp.Wake()
	return task, nil
}

// AssignTask routes a task to a named profile; an empty name returns it to
// the default.
func (d *Daemon) AssignTask(ctx context.Context, id int64, profileName string) (*ledger.Task, error) {
	var err error
	if profileName == "" {
		err = d.store.Unassign(ctx, id)
	} else {
		err = d.store.Assign(ctx, id, profileName)
	}
	if err != nil {
		return nil, err
	}
	return d.store.Get(ctx, id)
}

func (d *Daemon) ForceRun(ctx context.Context, id int64) error {
	return d.disp.ForceRun(ctx, id)
}

func (d *Daemon) Wake() {
	d.disp.Wake()
	d.log.Debug("wake requested")
}

func (d *Daemon) Status(ctx context.Context) (httpapi.StatusReport, error) {
	stats, err := d.store.Stats(ctx)
	if err != nil {
		return httpapi.StatusReport{}, err
	}
	running := d.ctl.Registry().Snapshot()
	state := "idle"
	if len(running) > 0 {
		state = "running"
	}
	return httpapi.StatusReport{
		State:      state,
		Running:    running,
		LastCycle:  d.disp.LastCycle(),
		Stats:      stats,
		Goroutines: d.sup.Counters(),
	}, nil
}

func (d *Daemon) Events() eventbus.Bus {
	return d.bus
}
