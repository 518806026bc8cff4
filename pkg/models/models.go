package models

import (
	"time"
)

// Session models

// ConnectionState describes whether a session currently holds a live
// connection to the messaging platform.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnected    ConnectionState = "connected"
)

// Session represents one authenticated platform account owned by a tenant.
// At most one session per tenant is Connected at any time; the registry
// enforces that invariant.
type Session struct {
	ID           string          `json:"id" db:"id"`
	OwnerTenant  string          `json:"owner_tenant" db:"owner_tenant"`
	Label        string          `json:"label,omitempty" db:"label"`
	State        ConnectionState `json:"state" db:"state"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	LastActiveAt *time.Time      `json:"last_active_at,omitempty" db:"last_active_at"`
}

// Task models

// TaskKind identifies which engine owns a task.
type TaskKind string

const (
	KindBroadcast      TaskKind = "broadcast"
	KindDirectCampaign TaskKind = "direct_campaign"
	KindTimerConfig    TaskKind = "timer_config"
)

// TaskStatus is the shared task state machine. Transitions are monotonic
// forward; Failed is terminal and reachable from any non-terminal state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskScheduled TaskStatus = "scheduled"
	TaskExecuting TaskStatus = "executing"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// ItemStatus is the terminal state of a single task item. Each item is
// resolved exactly once by the engine that owns the parent task.
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemSent    ItemStatus = "sent"
	ItemError   ItemStatus = "error"
	ItemSkipped ItemStatus = "skipped"
)

// TaskItem is one target's portion of a task: a group for broadcasts, a
// recipient for campaigns, a contact for timer configuration.
type TaskItem struct {
	ID          string     `json:"id"`
	Target      string     `json:"target"`
	Status      ItemStatus `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// TaskStats exposes partial-completion progress while a task executes.
type TaskStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Errors    int `json:"errors"`
	Skipped   int `json:"skipped"`
}

// Task is a unit of scheduled automated work with one or more items.
type Task struct {
	ID          string     `json:"id"`
	OwnerTenant string     `json:"owner_tenant"`
	Kind        TaskKind   `json:"kind"`
	Items       []TaskItem `json:"items"`
	StartAt     time.Time  `json:"start_at"`
	Status      TaskStatus `json:"status"`
	Stats       TaskStats  `json:"stats"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// FailReason is set only when Status is failed.
	FailReason string `json:"fail_reason,omitempty"`
}

// Pending returns how many items have not been resolved yet.
func (t *Task) Pending() int {
	return t.Stats.Total - t.Stats.Completed - t.Stats.Errors - t.Stats.Skipped
}

// Resolved reports whether every item reached a terminal status.
func (t *Task) Resolved() bool {
	return t.Pending() <= 0
}

// Terminal reports whether the task itself can no longer change.
func (t *Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}
