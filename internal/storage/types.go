package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled    = errors.New("storage disabled")
	ErrUnavailable = errors.New("storage unavailable")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via pgx
//   - "memory": in-process store (tests, throwaway runs)
type Config struct {
	Driver      string
	Path        string        // sqlite file path
	DSN         string        // postgres connection string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TaskStatus is the lifecycle state of a scheduled task instance.
// A reschedule does not pass through a distinct transient state: it
// lands the task straight back in pending with a bumped generation.
type TaskStatus string

const (
	StatusPending      TaskStatus = "pending"
	StatusReminderSent TaskStatus = "reminder_sent"
	StatusCompleted    TaskStatus = "completed"
	StatusExpired      TaskStatus = "expired"
)

// Active reports whether the status still expects a reminder/completion.
func (s TaskStatus) Active() bool {
	return s == StatusPending || s == StatusReminderSent
}

// TaskRecord is the durable scheduled-task instance.
//
// Generation increments on every reschedule; reminder jobs carry the
// generation they were computed against so stale fires are detectable.
type TaskRecord struct {
	ID          string
	UserKey     string
	TaskRef     string
	Title       string
	Description string
	Category    string
	ScheduledAt time.Time
	Status      TaskStatus
	Generation  int64
	NotifyOn    bool
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// IdentityRecord maps a generated device id to an account, once linked.
type IdentityRecord struct {
	DeviceID   string
	AccountID  string // empty while anonymous
	CreatedAt  time.Time
	MigratedAt *time.Time
}
