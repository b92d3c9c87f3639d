package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"visaquest/pkg/logx"
)

// Store is the persistence API shared by the schedule store, the task
// registry, the reminder scheduler and the identity service. All
// methods are safe for concurrent use.
type Store interface {
	// Schedules are opaque JSON documents keyed by user; the schedule
	// package owns the shape.
	GetSchedule(ctx context.Context, userKey string) (raw []byte, ok bool, err error)
	PutSchedule(ctx context.Context, userKey string, raw []byte) error
	ListScheduleUsers(ctx context.Context) ([]string, error)

	CreateTask(ctx context.Context, t TaskRecord) error
	GetTask(ctx context.Context, id string) (TaskRecord, bool, error)
	// TasksInWindow returns a user's tasks with scheduled_at in [from, to],
	// ordered by scheduled_at ascending.
	TasksInWindow(ctx context.Context, userKey string, from, to time.Time) ([]TaskRecord, error)
	// ActiveTasksDue returns pending/reminder_sent tasks across all users
	// with scheduled_at <= before (recovery sweeps, expiry).
	ActiveTasksDue(ctx context.Context, before time.Time) ([]TaskRecord, error)
	// ActiveTaskExists reports whether an active instance of taskRef is
	// already scheduled inside [dayStart, dayEnd).
	ActiveTaskExists(ctx context.Context, userKey, taskRef string, dayStart, dayEnd time.Time) (bool, error)
	// TransitionTask conditionally moves a task to status `to` when its
	// current status is one of `from`. ok=false means the guard did not
	// match and nothing was written.
	TransitionTask(ctx context.Context, id string, from []TaskStatus, to TaskStatus, completedAt *time.Time) (ok bool, err error)
	// RescheduleTask moves the task to a new time, resets it to pending
	// and bumps the generation. ok=false when the id is unknown.
	RescheduleTask(ctx context.Context, id string, when time.Time) (ok bool, err error)

	// ClaimDelivery records that a reminder delivery key has been used.
	// It returns claimed=false when the key was already present, which
	// is how at-most-once delivery survives restarts. Claim expiry is
	// judged against the caller's now so the store stays on the same
	// timeline as the scheduler's clock.
	ClaimDelivery(ctx context.Context, key string, now, until time.Time) (claimed bool, err error)

	PutIdentity(ctx context.Context, rec IdentityRecord) error
	GetIdentity(ctx context.Context, deviceID string) (IdentityRecord, bool, error)
	// MigrateUser re-keys all schedule and task rows from fromKey to
	// toKey in a single transaction and stamps the identity record.
	MigrateUser(ctx context.Context, fromKey, toKey string) (moved int, err error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "pgx":
		return openPostgres(cfg, log)
	case "memory":
		return NewMemory(), nil
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
