// Package registry is the durable list of scheduled task instances and
// the only writer of their lifecycle state.
//
// Allowed transitions:
//
//	pending        -> reminder_sent | completed | expired
//	reminder_sent  -> completed | expired
//	completed      -> completed (idempotent no-op)
//	any            -> pending, but only through Reschedule
//
// Anything else is rejected, never silently applied.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"

	"visaquest/internal/eventbus"
	"visaquest/internal/storage"
	"visaquest/pkg/logx"
)

// Task is the registry's task instance view.
type Task = storage.TaskRecord

// TaskDef points at a static task definition from the content catalog.
type TaskDef struct {
	Ref         string
	Title       string
	Description string
	Category    string
}

// ScheduleOptions tweak Schedule.
type ScheduleOptions struct {
	// Immediate allows a fire time at or before now ("do it now" flow).
	Immediate bool
	// DisableNotifications creates the task without reminder delivery.
	DisableNotifications bool
}

type Service struct {
	store storage.Store
	bus   eventbus.Bus
	clk   clock.Clock
	log   logx.Logger

	subsMu sync.Mutex
	subs   map[string][]chan []Task // userKey -> subscriber channels
}

func NewService(store storage.Store, bus eventbus.Bus, clk clock.Clock, log logx.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		store: store,
		bus:   bus,
		clk:   clk,
		log:   log,
		subs:  map[string][]chan []Task{},
	}
}

// Schedule creates a task instance bound to `when`. It enforces the
// one-active-instance-per-(taskRef, local day) rule.
func (s *Service) Schedule(ctx context.Context, userKey string, def TaskDef, when time.Time, opts ScheduleOptions) (string, error) {
	now := s.clk.Now()
	if !opts.Immediate && when.Before(now) {
		return "", fmt.Errorf("%w: %s", ErrInvalidTime, when.Format(time.RFC3339))
	}

	dayStart := time.Date(when.Year(), when.Month(), when.Day(), 0, 0, 0, 0, when.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)
	exists, err := s.store.ActiveTaskExists(ctx, userKey, def.Ref, dayStart, dayEnd)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("%w: %s on %s", ErrDuplicateActive, def.Ref, dayStart.Format("2006-01-02"))
	}

	rec := Task{
		ID:          uuid.NewString(),
		UserKey:     userKey,
		TaskRef:     def.Ref,
		Title:       def.Title,
		Description: def.Description,
		Category:    def.Category,
		ScheduledAt: when,
		Status:      storage.StatusPending,
		NotifyOn:    !opts.DisableNotifications,
		CreatedAt:   now,
	}
	if err := s.store.CreateTask(ctx, rec); err != nil {
		return "", err
	}
	s.log.Info("task scheduled",
		logx.String("task", rec.ID),
		logx.String("ref", def.Ref),
		logx.String("user", userKey),
		logx.Time("at", when))
	s.notifyChanged(ctx, userKey)
	return rec.ID, nil
}

// Reschedule moves a task to a new future time and resets it to
// pending. The generation bump invalidates reminder jobs computed
// against the old time.
func (s *Service) Reschedule(ctx context.Context, id string, when time.Time) error {
	if when.Before(s.clk.Now()) {
		return fmt.Errorf("%w: %s", ErrInvalidTime, when.Format(time.RFC3339))
	}
	t, ok, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	moved, err := s.store.RescheduleTask(ctx, id, when)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.log.Info("task rescheduled",
		logx.String("task", id),
		logx.Time("from", t.ScheduledAt),
		logx.Time("to", when))
	s.notifyChanged(ctx, t.UserKey)
	return nil
}

// Snooze is Reschedule sugar for notification actions.
func (s *Service) Snooze(ctx context.Context, id string, by time.Duration) error {
	if by <= 0 {
		by = 10 * time.Minute
	}
	return s.Reschedule(ctx, id, s.clk.Now().Add(by))
}

// Complete finishes a task. Completing an already-completed task is a
// no-op success; completing a rescheduled-away state is rejected.
func (s *Service) Complete(ctx context.Context, id string) error {
	t, ok, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status == storage.StatusCompleted {
		return nil
	}
	now := s.clk.Now()
	moved, err := s.store.TransitionTask(ctx, id,
		[]storage.TaskStatus{storage.StatusPending, storage.StatusReminderSent, storage.StatusExpired},
		storage.StatusCompleted, &now)
	if err != nil {
		return err
	}
	if !moved {
		// Lost a race or the task sits in a state with no edge to
		// completed; re-read to tell no-op apart from violation.
		cur, ok, err := s.store.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if cur.Status == storage.StatusCompleted {
			return nil
		}
		return fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, cur.Status)
	}
	s.log.Info("task completed", logx.String("task", id))
	s.notifyChanged(ctx, t.UserKey)
	return nil
}

// MarkReminderSent flips pending -> reminder_sent once. sent=false
// means the task was not pending anymore (already sent, completed or
// rescheduled concurrently).
func (s *Service) MarkReminderSent(ctx context.Context, id string) (sent bool, err error) {
	moved, err := s.store.TransitionTask(ctx, id,
		[]storage.TaskStatus{storage.StatusPending}, storage.StatusReminderSent, nil)
	if err != nil {
		return false, err
	}
	if moved {
		t, ok, err := s.store.GetTask(ctx, id)
		if err == nil && ok {
			s.notifyChanged(ctx, t.UserKey)
		}
	}
	return moved, nil
}

// Expire moves an overdue active task to expired.
func (s *Service) Expire(ctx context.Context, id string) (bool, error) {
	moved, err := s.store.TransitionTask(ctx, id,
		[]storage.TaskStatus{storage.StatusPending, storage.StatusReminderSent},
		storage.StatusExpired, nil)
	if err != nil {
		return false, err
	}
	if moved {
		s.log.Debug("task expired", logx.String("task", id))
		if t, ok, err := s.store.GetTask(ctx, id); err == nil && ok {
			s.notifyChanged(ctx, t.UserKey)
		}
	}
	return moved, nil
}

// Get returns one task.
func (s *Service) Get(ctx context.Context, id string) (Task, error) {
	t, ok, err := s.store.GetTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// TasksInWindow lists a user's tasks ordered by scheduled time.
func (s *Service) TasksInWindow(ctx context.Context, userKey string, from, to time.Time) ([]Task, error) {
	return s.store.TasksInWindow(ctx, userKey, from, to)
}

// Subscribe returns a channel receiving the user's current task list
// after every change. Updates are coalesced: when the subscriber lags,
// older snapshots are replaced by the newest one, so the terminal state
// always arrives.
func (s *Service) Subscribe(userKey string, buffer int) (<-chan []Task, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan []Task, buffer)
	s.subsMu.Lock()
	s.subs[userKey] = append(s.subs[userKey], ch)
	s.subsMu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			s.subsMu.Lock()
			list := s.subs[userKey]
			for i, c := range list {
				if c == ch {
					list[i] = list[len(list)-1]
					s.subs[userKey] = list[:len(list)-1]
					break
				}
			}
			if len(s.subs[userKey]) == 0 {
				delete(s.subs, userKey)
			}
			s.subsMu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// notifyChanged pushes a fresh snapshot to subscribers and the bus.
func (s *Service) notifyChanged(ctx context.Context, userKey string) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskChanged, User: userKey})
	}

	s.subsMu.Lock()
	list := append([]chan []Task(nil), s.subs[userKey]...)
	s.subsMu.Unlock()
	if len(list) == 0 {
		return
	}

	now := s.clk.Now()
	snapshot, err := s.store.TasksInWindow(ctx, userKey, now.AddDate(0, 0, -1), now.AddDate(0, 0, 7))
	if err != nil {
		s.log.Warn("subscriber snapshot failed", logx.String("user", userKey), logx.Err(err))
		return
	}
	for _, ch := range list {
		// coalesce: drop one stale snapshot to make room for the latest
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- snapshot:
			default:
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- snapshot:
				default:
				}
			}
		}()
	}
}
