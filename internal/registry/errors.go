package registry

import "errors"

var (
	// ErrInvalidTime rejects scheduling in the past without Immediate.
	ErrInvalidTime = errors.New("scheduled time is in the past")
	// ErrNotFound reports an unknown task id.
	ErrNotFound = errors.New("task not found")
	// ErrDuplicateActive rejects a second active instance of the same
	// task definition on the same local day.
	ErrDuplicateActive = errors.New("active task already scheduled for this day")
	// ErrInvalidTransition rejects backward status moves (for example
	// completed back to pending without an explicit reschedule).
	ErrInvalidTransition = errors.New("invalid status transition")
)
