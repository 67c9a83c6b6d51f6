// Package controller owns the lifecycle of a task attempt: admission through
// the concurrency gate, the ledger transitions around execution, progress
// fanout on the event bus, and operator interventions (cancel, live update).
package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"agentd/internal/eventbus"
	"agentd/internal/executor"
	"agentd/internal/gate"
	"agentd/internal/ledger"
	"agentd/internal/profile"
	"agentd/pkg/logx"
)

// Event types published on the bus for task lifecycle and progress.
const (
	EventTaskStart     = "task_start"
	EventTaskEnd       = "task_end"
	EventTaskError     = "task_error"
	EventTaskCancelled = "task_cancelled"
	EventAgentText     = "agent_text"
	EventToolUse       = "tool_use"
)

// ErrNotRunning is returned when an intervention targets a task with no
// live attempt.
var ErrNotRunning = errors.New("task is not running")

// defaultDrainTimeout bounds how long interventions wait for a cancelled
// attempt to unwind. A stuck executor must not hold an operator's cancel or
// update hostage; the guarded terminal transition keeps the late attempt from
// clobbering whatever the operator wrote in the meantime.
const defaultDrainTimeout = 5 * time.Second

// TaskEvent is the payload for task lifecycle events, on the bus and in
// webhook notifications.
type TaskEvent struct {
	Session    string `json:"session"`
	TaskID     int64  `json:"task_id"`
	Title      string `json:"title,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Error      string `json:"error,omitempty"`
	Tool       string `json:"tool,omitempty"`
	Text       string `json:"text,omitempty"`
}

// Notifier delivers task outcomes out of process. Implementations must not
// block the caller.
type Notifier interface {
	Notify(event string, payload TaskEvent)
}

type Controller struct {
	store    *ledger.Store
	bus      eventbus.Bus
	reg      *Registry
	profiles profile.Router
	exec     executor.Executor
	notifier Notifier // may be nil

	defaultTools []string
	drainTimeout time.Duration
	log          logx.Logger
}

type Options struct {
	Store        *ledger.Store
	Bus          eventbus.Bus
	Profiles     profile.Router
	Executor     executor.Executor
	Notifier     Notifier
	DefaultTools []string
	DrainTimeout time.Duration // 0 means defaultDrainTimeout
	Log          logx.Logger
}

func New(opts Options) *Controller {
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = defaultDrainTimeout
	}
	return &Controller{
		store:        opts.Store,
		bus:          opts.Bus,
		reg:          NewRegistry(),
		profiles:     opts.Profiles,
		exec:         opts.Executor,
		notifier:     opts.Notifier,
		defaultTools: opts.DefaultTools,
		drainTimeout: drain,
		log:          opts.Log.With(logx.String("component", "controller")),
	}
}

func (c *Controller) Registry() *Registry { return c.reg }

// Execute runs one attempt of a task. It blocks in the gate until a
// concurrency slot frees up, then drives the attempt to exactly one terminal
// transition and exactly one terminal event (task_end, task_error, or
// task_cancelled). It is designed to run under the supervisor; the error
// return is always nil because failures land in the ledger, not the caller.
func (c *Controller) Execute(ctx context.Context, task *ledger.Task, slot *gate.Slot) error {
	defer slot.Release()
	if err := slot.Wait(ctx); err != nil {
		// Shutdown while queued: the task stays pending and resumes later.
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a := &Attempt{
		TaskID:    task.ID,
		Title:     task.Title,
		Session:   ulid.Make().String(),
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if !c.reg.register(a) {
		c.log.Debug("attempt skipped, task already running", logx.Int64("task", task.ID))
		return nil
	}
	defer c.reg.deregister(a)

	log := c.log.With(logx.Int64("task", task.ID), logx.String("session", a.Session))

	// Re-read so a just-cancelled or just-updated task is not executed with
	// a stale snapshot.
	cur, err := c.store.Get(runCtx, task.ID)
	if err != nil {
		log.Warn("attempt aborted, task unreadable", logx.Err(err))
		return nil
	}
	switch cur.Status {
	case ledger.StatusPending:
		if cur, err = c.store.Transition(runCtx, task.ID, ledger.StatusInProgress, "", ""); err != nil {
			log.Warn("attempt aborted, start transition refused", logx.Err(err))
			return nil
		}
	case ledger.StatusInProgress:
		// Interrupted by a previous shutdown; resume in place.
		log.Info("resuming interrupted task")
	default:
		log.Debug("attempt skipped", logx.String("status", string(cur.Status)))
		return nil
	}

	c.bus.Publish(eventbus.Event{Type: EventTaskStart, Data: TaskEvent{
		Session: a.Session, TaskID: cur.ID, Title: cur.Title,
	}})
	log.Info("task started", logx.String("title", cur.Title), logx.Int("priority", cur.Priority))

	prof := c.profiles.Resolve(cur.AssignedTo)
	tools := prof.Tools
	if len(tools) == 0 {
		tools = c.defaultTools
	}

	result, runErr := c.exec.Run(runCtx, executor.Request{
		Prompt:       buildPrompt(cur),
		SystemPrompt: prof.Instructions,
		AllowedTools: tools,
		WorkingDir:   prof.WorkingDir,
	}, func(ev executor.StreamEvent) {
		switch ev.Kind {
		case "text":
			c.bus.Publish(eventbus.Event{Type: EventAgentText, Data: TaskEvent{
				Session: a.Session, TaskID: cur.ID, Text: ev.Text,
			}})
		case "tool_use":
			c.bus.Publish(eventbus.Event{Type: EventToolUse, Data: TaskEvent{
				Session: a.Session, TaskID: cur.ID, Tool: ev.Tool,
			}})
		}
	})
	elapsed := time.Since(a.StartedAt)

	// The terminal transition runs on a fresh context: shutdown must not
	// prevent the outcome from being recorded.
	finCtx, finCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finCancel()

	switch {
	case runErr == nil:
		c.finish(finCtx, log, a, EventTaskEnd, ledger.StatusCompleted, result, "", elapsed)
	case errors.Is(runErr, context.Canceled):
		if !a.CancelRequested() {
			// Daemon shutdown, not an operator. The row stays in_progress so
			// the next boot's first cycle resumes it.
			log.Info("attempt interrupted by shutdown, task left in progress",
				logx.Duration("elapsed", elapsed))
			return nil
		}
		c.finish(finCtx, log, a, EventTaskCancelled, ledger.StatusCancelled, "cancelled by operator", "", elapsed)
	default:
		c.finish(finCtx, log, a, EventTaskError, ledger.StatusFailed, "", runErr.Error(), elapsed)
	}
	return nil
}

func (c *Controller) finish(ctx context.Context, log logx.Logger, a *Attempt,
	event string, status ledger.Status, result, errMsg string, elapsed time.Duration) {

	// The transition only applies while the row is still this attempt's
	// in_progress row. A refusal means an intervention already moved the
	// task (an operator update re-queued it to pending, say); the attempt's
	// outcome loses that race on purpose.
	if _, err := c.store.TransitionFrom(ctx, a.TaskID, ledger.StatusInProgress, status, result, errMsg); err != nil {
		log.Warn("terminal transition refused",
			logx.String("to", string(status)), logx.Err(err))
	}

	payload := TaskEvent{
		Session:    a.Session,
		TaskID:     a.TaskID,
		Title:      a.Title,
		DurationMS: elapsed.Milliseconds(),
		Summary:    result,
		Error:      errMsg,
	}
	c.bus.Publish(eventbus.Event{Type: event, Data: payload})
	if c.notifier != nil {
		c.notifier.Notify(event, payload)
	}

	switch event {
	case EventTaskEnd:
		log.Info("task completed", logx.Duration("elapsed", elapsed))
	case EventTaskCancelled:
		log.Info("task cancelled", logx.Duration("elapsed", elapsed))
	default:
		log.Warn("task failed", logx.Duration("elapsed", elapsed), logx.String("error", errMsg))
	}
}

// CancelRunning cancels a live attempt and waits (bounded) for it to unwind
// so the cancelled status is visible when this returns.
func (c *Controller) CancelRunning(ctx context.Context, taskID int64) error {
	a, ok := c.reg.Get(taskID)
	if !ok {
		return fmt.Errorf("task %d: %w", taskID, ErrNotRunning)
	}
	a.Cancel()
	return c.drain(ctx, a)
}

// UpdateTask injects a new operator instruction into a task. A live attempt
// is cancelled first and drained, so the amended task re-enters pending with
// no concurrent attempt racing the rewrite.
func (c *Controller) UpdateTask(ctx context.Context, taskID int64, instruction string) (*ledger.Task, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, errors.New("update instruction is empty")
	}
	if a, ok := c.reg.Get(taskID); ok {
		a.Cancel()
		if err := c.drain(ctx, a); err != nil {
			c.log.Warn("update proceeding before attempt unwound",
				logx.Int64("task", taskID), logx.Err(err))
		}
	}
	return c.store.AppendInstruction(ctx, taskID, instruction)
}

func (c *Controller) drain(ctx context.Context, a *Attempt) error {
	select {
	case <-a.Done():
		return nil
	case <-time.After(c.drainTimeout):
		return fmt.Errorf("task %d: attempt still unwinding", a.TaskID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildPrompt(t *ledger.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execute this task.\n\n[Task #%d] %s\n", t.ID, t.Title)
	if t.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", t.Category)
	}
	fmt.Fprintf(&b, "Priority: %d\n", t.Priority)
	if t.RetryCount > 0 {
		fmt.Fprintf(&b, "Attempt: %d of %d (previous error: %s)\n", t.RetryCount+1, t.MaxRetries, t.Error)
	}
	if t.Description != "" {
		b.WriteString("\n" + t.Description + "\n")
	}
	if len(t.Context) > 0 {
		b.WriteString("\nContext:\n")
		keys := make([]string, 0, len(t.Context))
		for k := range t.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", k, t.Context[k])
		}
	}
	b.WriteString("\nWhen done, summarize the outcome in a short final message.")
	return b.String()
}
