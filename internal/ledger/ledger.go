// Package ledger is the durable record store for tasks. It owns the task
// state machine, retry bookkeeping, and recurrence rescheduling; all status
// mutations in the daemon go through Transition.
package ledger

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an operation references an unknown task id.
	ErrNotFound = errors.New("task not found")
	// ErrTerminalStatus is returned when a transition is attempted on a task
	// whose status is already terminal.
	ErrTerminalStatus = errors.New("task status is terminal")
	// ErrBadTransition is returned for transitions the state machine forbids.
	ErrBadTransition = errors.New("invalid status transition")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status ends a task's lifecycle. A recurrence
// rule can still resurrect a completing task back to pending; that decision
// is made inside Transition, not here.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

const (
	DefaultPriority   = 5
	DefaultMaxRetries = 3
)

// Task is the core schedulable entity.
type Task struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`
	Priority    int    `json:"priority"` // 1=critical .. 10=low
	Category    string `json:"category,omitempty"`
	AssignedTo  string `json:"assigned_to,omitempty"` // execution profile; "" = default

	DueAt         *time.Time `json:"due_at,omitempty"`
	RecurringRule string     `json:"recurring_rule,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`

	MaxRetries int `json:"max_retries"`
	RetryCount int `json:"retry_count"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	// Context is an opaque payload passed through to the executor
	// (e.g. a backend-routing hint). The ledger never interprets it.
	Context map[string]string `json:"context,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CreateRequest carries the producer-facing creation fields.
type CreateRequest struct {
	Title         string
	Description   string
	Priority      int // 0 means default
	Category      string
	DueAt         *time.Time
	RecurringRule string
	AssignedTo    string
	MaxRetries    int // 0 means default
	Context       map[string]string
}

// Stats is an aggregate count per status, used by the status surface and the
// synthetic "connected" event.
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}
