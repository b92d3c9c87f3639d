package notify

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	// ErrNoAdapter means nothing can show a notification; the system is
	// in degraded mode and the UI must say so.
	ErrNoAdapter = errors.New("no delivery adapter available")
	// ErrStaleReminder suppresses fires whose task changed underneath.
	ErrStaleReminder = errors.New("stale reminder")
	// ErrDuplicateDelivery is the internal invariant breach: the same
	// delivery key became visible twice. Suppressed, never user-facing.
	ErrDuplicateDelivery = errors.New("duplicate delivery")
)

// DeliveryResult is the synchronous answer of Deliver.
type DeliveryResult string

const (
	ResultShown  DeliveryResult = "shown"  // foreground sink took it
	ResultQueued DeliveryResult = "queued" // handed to background pipeline
	ResultFailed DeliveryResult = "failed"
)

// DeliveryKey identifies one reminder delivery: a structured composite
// key, not a concatenated string, so ids containing separators cannot
// collide.
type DeliveryKey struct {
	TaskID      string
	LeadMinutes int
	Generation  int64
}

// Encode renders the canonical storage form of the key. Task ids are
// uuids, so '#' is separator-safe.
func (k DeliveryKey) Encode() string {
	return fmt.Sprintf("%s#%d#%d", k.TaskID, k.LeadMinutes, k.Generation)
}

// Action is a user response surface on a notification.
type Action string

const (
	ActionView     Action = "view"
	ActionComplete Action = "complete"
	ActionSnooze   Action = "snooze"
)

// Notification is the delivery unit handed to the bridge.
type Notification struct {
	Key     DeliveryKey `json:"key"`
	UserKey string      `json:"user"`
	Title   string      `json:"title"`
	Body    string      `json:"body"`
	Icon    string      `json:"icon,omitempty"`
	// Tag groups replacements on the notification surface: all leads of
	// one task share a tag so a later lead replaces an ignored earlier
	// one instead of stacking.
	Tag     string   `json:"tag"`
	Actions []Action `json:"actions,omitempty"`
	// Silent drops sound/vibration (focus sessions, config).
	Silent bool `json:"silent,omitempty"`
	// Ephemeral notifications (daily summaries, reviews) have no backing
	// task instance, so the bridge skips the stale re-check.
	Ephemeral bool `json:"ephemeral,omitempty"`
	// ScheduledAt is the task time this reminder was computed against;
	// the bridge re-checks it before showing anything.
	ScheduledAt time.Time `json:"scheduled_at"`
	FireAt      time.Time `json:"fire_at"`
}

// Config controls the async pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	HistorySize   int
}

// HistoryItem records one delivery attempt outcome for /status.
type HistoryItem struct {
	Key     DeliveryKey
	User    string
	At      time.Time
	Result  DeliveryResult
	Adapter string
	Error   string
}
