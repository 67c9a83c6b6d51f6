package ledger

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"agentd/internal/recurrence"
	"agentd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the SQLite-backed ledger. It is the single writer of task state:
// mutations serialize on an internal mutex, so concurrent transitions on the
// same id cannot interleave.
type Store struct {
	db  *sql.DB
	log logx.Logger

	mu sync.Mutex // guards all mutating statements
}

func Open(path string, busyTimeout time.Duration, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ledger path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const taskColumns = `id, title, description, status, priority, category, assigned_to,
	due_at, recurring_rule, last_run_at, next_run_at,
	max_retries, retry_count, result, error, context,
	created_at, updated_at, completed_at`

// Create inserts a new pending task and returns it.
//
// If the recurrence rule is set and no due time is given, next_run_at is
// seeded to "now" so the first run fires immediately. An unrecognized rule is
// accepted (the scheduler degrades it to a 1-hour interval) but logged loudly.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, errors.New("task title is required")
	}

	priority := req.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	rule := strings.TrimSpace(req.RecurringRule)
	if rule != "" {
		if _, err := recurrence.Parse(rule); err != nil {
			s.log.Warn("unrecognized recurrence rule, completions will reschedule 1h out",
				logx.String("rule", rule), logx.Err(err))
		}
	}

	now := time.Now()
	var nextRun *time.Time
	switch {
	case req.DueAt != nil:
		nextRun = req.DueAt
	case rule != "":
		nextRun = &now
	}

	ctxJSON, err := marshalContext(req.Context)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(title, description, status, priority, category, assigned_to,
			due_at, recurring_rule, next_run_at, max_retries, context, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		title, req.Description, string(StatusPending), priority, req.Category, req.AssignedTo,
		msOrNil(req.DueAt), rule, msOrNil(nextRun), maxRetries, ctxJSON, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.getLocked(ctx, id)
}

func (s *Store) Get(ctx context.Context, id int64) (*Task, error) {
	return s.getLocked(ctx, id)
}

func (s *Store) getLocked(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return t, err
}

// List returns tasks by status, newest first. An empty status lists all.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
			string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ListDue returns pending tasks whose trigger time has passed, most urgent
// first: (priority ascending, next_run_at ascending).
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'pending' AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY priority ASC, next_run_at ASC`,
		now.UnixMilli())
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ListReady returns runnable work: pending or in_progress tasks whose trigger
// time is unset or has passed, ordered by (priority, created_at), capped.
// in_progress rows are included so interrupted work resumes on boot.
func (s *Store) ListReady(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN ('pending','in_progress')
		   AND (next_run_at IS NULL OR next_run_at <= ?)
		 ORDER BY priority ASC, created_at ASC
		 LIMIT ?`,
		now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// NextWakeTime returns the earliest future trigger among pending tasks, or
// nil when nothing is scheduled. The dispatcher uses it to size its sleep.
func (s *Store) NextWakeTime(ctx context.Context, now time.Time) (*time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(next_run_at) FROM tasks
		 WHERE status = 'pending' AND next_run_at IS NOT NULL AND next_run_at > ?`,
		now.UnixMilli()).Scan(&ms)
	if err != nil {
		return nil, err
	}
	if !ms.Valid {
		return nil, nil
	}
	t := time.UnixMilli(ms.Int64)
	return &t, nil
}

// Transition applies a status change and its bookkeeping:
//
//   - in_progress ("start") is only legal from pending
//   - completed stores result; a recurrence rule reschedules the task back to
//     pending with a fresh next_run_at and a reset retry counter
//   - failed stores error and routes to pending (retry) or terminal failed
//     once max_retries is reached; retry_count never exceeds max_retries
//   - cancelled stores the operator-facing result
//
// Transitions on terminal tasks return ErrTerminalStatus.
func (s *Store) Transition(ctx context.Context, id int64, to Status, result, errMsg string) (*Task, error) {
	return s.transition(ctx, id, nil, to, result, errMsg)
}

// TransitionFrom applies a status change only while the task is still in the
// expected current status. Attempts use it for their terminal transitions so
// a task an operator re-queued between cancellation and unwind keeps the
// operator's rewrite; the stale attempt gets ErrBadTransition instead.
func (s *Store) TransitionFrom(ctx context.Context, id int64, from, to Status, result, errMsg string) (*Task, error) {
	return s.transition(ctx, id, &from, to, result, errMsg)
}

func (s *Store) transition(ctx context.Context, id int64, from *Status, to Status, result, errMsg string) (*Task, error) {
	if !to.valid() || to == StatusPending {
		return nil, fmt.Errorf("%w: to %q", ErrBadTransition, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return nil, fmt.Errorf("task %d is %s: %w", id, cur.Status, ErrTerminalStatus)
	}
	if from != nil && cur.Status != *from {
		return nil, fmt.Errorf("%w: %s -> %s, task is %s", ErrBadTransition, *from, to, cur.Status)
	}

	now := time.Now()
	up := taskUpdate{status: to, updatedAt: now}

	switch to {
	case StatusInProgress:
		if cur.Status != StatusPending {
			return nil, fmt.Errorf("%w: %s -> in_progress", ErrBadTransition, cur.Status)
		}

	case StatusCompleted:
		up.result = &result
		empty := ""
		up.errMsg = &empty
		up.lastRunAt = &now
		if cur.RecurringRule != "" {
			// Recurring tasks never terminate on completion: re-enter pending
			// with the next trigger and a fresh retry budget.
			rule, perr := recurrence.Parse(cur.RecurringRule)
			if perr != nil {
				s.log.Warn("recurrence fallback engaged",
					logx.Int64("task", id), logx.String("rule", cur.RecurringRule), logx.Err(perr))
				rule = recurrence.Fallback(cur.RecurringRule)
			}
			next := rule.Next(now)
			up.status = StatusPending
			up.nextRunAt = &next
			zero := 0
			up.retryCount = &zero
		} else {
			up.completedAt = &now
		}

	case StatusFailed:
		up.errMsg = &errMsg
		rc := cur.RetryCount + 1
		if rc < cur.MaxRetries {
			up.status = StatusPending // re-queue for retry
		}
		if rc > cur.MaxRetries {
			rc = cur.MaxRetries
		}
		up.retryCount = &rc

	case StatusCancelled:
		up.result = &result
		if errMsg != "" {
			up.errMsg = &errMsg
		}
	}

	if err := s.applyLocked(ctx, id, up); err != nil {
		return nil, err
	}
	return s.getLocked(ctx, id)
}

// AppendInstruction amends a task with a timestamped operator instruction and
// resets it to pending so the dispatcher picks it up immediately. This is the
// persistence half of live update; it deliberately accepts any current status
// because the in-flight attempt has already been cancelled by the caller.
func (s *Store) AppendInstruction(ctx context.Context, id int64, instruction string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	desc := cur.Description
	if desc != "" {
		desc += "\n\n"
	}
	desc += fmt.Sprintf("--- OPERATOR UPDATE (%s) ---\n%s", now.Format(time.RFC3339), instruction)

	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET description = ?, status = 'pending', next_run_at = NULL,
			completed_at = NULL, updated_at = ? WHERE id = ?`,
		desc, now.UnixMilli(), id)
	if err != nil {
		return nil, err
	}
	return s.getLocked(ctx, id)
}

// Assign routes a task to a named execution profile.
func (s *Store) Assign(ctx context.Context, id int64, profile string) error {
	return s.setAssigned(ctx, id, strings.TrimSpace(profile))
}

// Unassign returns a task to the default profile.
func (s *Store) Unassign(ctx context.Context, id int64) error {
	return s.setAssigned(ctx, id, "")
}

func (s *Store) setAssigned(ctx context.Context, id int64, profile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET assigned_to = ?, updated_at = ? WHERE id = ?`,
		profile, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return notFoundIfZero(res, id)
}

// Delete removes a task permanently. Only explicit operator action deletes;
// the scheduler never does.
func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return notFoundIfZero(res, id)
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		switch Status(status) {
		case StatusPending:
			st.Pending = n
		case StatusInProgress:
			st.InProgress = n
		case StatusCompleted:
			st.Completed = n
		case StatusFailed:
			st.Failed = n
		case StatusCancelled:
			st.Cancelled = n
		}
	}
	return st, rows.Err()
}

// ---- update plumbing ----

type taskUpdate struct {
	status      Status
	result      *string
	errMsg      *string
	retryCount  *int
	lastRunAt   *time.Time
	nextRunAt   *time.Time
	completedAt *time.Time
	updatedAt   time.Time
}

func (s *Store) applyLocked(ctx context.Context, id int64, up taskUpdate) error {
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(up.status), up.updatedAt.UnixMilli()}

	if up.result != nil {
		set = append(set, "result = ?")
		args = append(args, *up.result)
	}
	if up.errMsg != nil {
		set = append(set, "error = ?")
		args = append(args, *up.errMsg)
	}
	if up.retryCount != nil {
		set = append(set, "retry_count = ?")
		args = append(args, *up.retryCount)
	}
	if up.lastRunAt != nil {
		set = append(set, "last_run_at = ?")
		args = append(args, up.lastRunAt.UnixMilli())
	}
	if up.nextRunAt != nil {
		set = append(set, "next_run_at = ?")
		args = append(args, up.nextRunAt.UnixMilli())
	}
	if up.completedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, up.completedAt.UnixMilli())
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return notFoundIfZero(res, id)
}

func notFoundIfZero(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

// ---- scanning ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*Task, error) {
	var (
		t                                        Task
		status                                   string
		dueAt, lastRunAt, nextRunAt, completedAt sql.NullInt64
		createdMS, updatedMS                     int64
		ctxJSON                                  string
	)
	err := r.Scan(&t.ID, &t.Title, &t.Description, &status, &t.Priority, &t.Category, &t.AssignedTo,
		&dueAt, &t.RecurringRule, &lastRunAt, &nextRunAt,
		&t.MaxRetries, &t.RetryCount, &t.Result, &t.Error, &ctxJSON,
		&createdMS, &updatedMS, &completedAt)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.DueAt = msToTime(dueAt)
	t.LastRunAt = msToTime(lastRunAt)
	t.NextRunAt = msToTime(nextRunAt)
	t.CompletedAt = msToTime(completedAt)
	t.CreatedAt = time.UnixMilli(createdMS)
	t.UpdatedAt = time.UnixMilli(updatedMS)
	if ctxJSON != "" && ctxJSON != "{}" {
		if err := json.Unmarshal([]byte(ctxJSON), &t.Context); err != nil {
			return nil, fmt.Errorf("task %d: bad context payload: %w", t.ID, err)
		}
	}
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func marshalContext(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func msToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
