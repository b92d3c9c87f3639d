package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmhodges/clock"

	"visaquest/internal/storage"
	"visaquest/pkg/logx"
)

func newTestService(t *testing.T) (*Service, clock.FakeClock) {
	t.Helper()
	clk := clock.NewFake()
	return NewService(storage.NewMemory(), nil, clk, logx.Nop()), clk
}

func mustSchedule(t *testing.T, svc *Service, user, ref string, at time.Time) string {
	t.Helper()
	id, err := svc.Schedule(context.Background(), user, TaskDef{Ref: ref, Title: ref}, at, ScheduleOptions{})
	if err != nil {
		t.Fatalf("Schedule(%s) error: %v", ref, err)
	}
	return id
}

func TestScheduleRejectsPast(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)

	_, err := svc.Schedule(context.Background(), "u1", TaskDef{Ref: "water"},
		clk.Now().Add(-time.Minute), ScheduleOptions{})
	if !errors.Is(err, ErrInvalidTime) {
		t.Fatalf("err = %v, want ErrInvalidTime", err)
	}

	// Immediate bypasses the check
	id, err := svc.Schedule(context.Background(), "u1", TaskDef{Ref: "water"},
		clk.Now().Add(-time.Minute), ScheduleOptions{Immediate: true})
	if err != nil {
		t.Fatalf("immediate Schedule error: %v", err)
	}
	if id == "" {
		t.Fatal("empty task id")
	}
}

func TestScheduleDuplicateActiveSameDay(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()

	at := clk.Now().Add(2 * time.Hour)
	id := mustSchedule(t, svc, "u1", "water", at)

	_, err := svc.Schedule(ctx, "u1", TaskDef{Ref: "water"}, at.Add(time.Hour), ScheduleOptions{})
	if !errors.Is(err, ErrDuplicateActive) {
		t.Fatalf("err = %v, want ErrDuplicateActive", err)
	}

	// a different ref on the same day is fine
	if _, err := svc.Schedule(ctx, "u1", TaskDef{Ref: "stretch"}, at, ScheduleOptions{}); err != nil {
		t.Fatalf("different ref rejected: %v", err)
	}
	// another user is independent
	if _, err := svc.Schedule(ctx, "u2", TaskDef{Ref: "water"}, at, ScheduleOptions{}); err != nil {
		t.Fatalf("other user rejected: %v", err)
	}
	// completing the first frees the slot
	if err := svc.Complete(ctx, id); err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if _, err := svc.Schedule(ctx, "u1", TaskDef{Ref: "water"}, at.Add(time.Hour), ScheduleOptions{}); err != nil {
		t.Fatalf("slot not freed after complete: %v", err)
	}
}

func TestCompleteLifecycle(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()

	id := mustSchedule(t, svc, "u1", "water", clk.Now().Add(time.Hour))

	if err := svc.Complete(ctx, id); err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	got, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != storage.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not stamped")
	}

	// idempotent
	if err := svc.Complete(ctx, id); err != nil {
		t.Fatalf("second Complete should be a no-op, got %v", err)
	}

	if err := svc.Complete(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCompleteExpiredTask(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()

	id := mustSchedule(t, svc, "u1", "water", clk.Now().Add(time.Hour))
	moved, err := svc.Expire(ctx, id)
	if err != nil || !moved {
		t.Fatalf("Expire = (%v, %v), want (true, nil)", moved, err)
	}
	// late completion of an expired task is allowed
	if err := svc.Complete(ctx, id); err != nil {
		t.Fatalf("Complete of expired task: %v", err)
	}
}

func TestRescheduleBumpsGeneration(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()

	id := mustSchedule(t, svc, "u1", "water", clk.Now().Add(time.Hour))
	before, _ := svc.Get(ctx, id)

	if _, err := svc.MarkReminderSent(ctx, id); err != nil {
		t.Fatalf("MarkReminderSent error: %v", err)
	}

	newAt := clk.Now().Add(3 * time.Hour)
	if err := svc.Reschedule(ctx, id, newAt); err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}
	after, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if after.Generation != before.Generation+1 {
		t.Fatalf("generation = %d, want %d", after.Generation, before.Generation+1)
	}
	if after.Status != storage.StatusPending {
		t.Fatalf("status = %s, want pending after reschedule", after.Status)
	}
	if !after.ScheduledAt.Equal(newAt) {
		t.Fatalf("scheduled_at = %v, want %v", after.ScheduledAt, newAt)
	}

	if err := svc.Reschedule(ctx, id, clk.Now().Add(-time.Minute)); !errors.Is(err, ErrInvalidTime) {
		t.Fatalf("past reschedule err = %v, want ErrInvalidTime", err)
	}
	if err := svc.Reschedule(ctx, "nope", newAt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSnoozeDefaultsToTenMinutes(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()

	id := mustSchedule(t, svc, "u1", "water", clk.Now().Add(time.Hour))
	if err := svc.Snooze(ctx, id, 0); err != nil {
		t.Fatalf("Snooze error: %v", err)
	}
	got, _ := svc.Get(ctx, id)
	if want := clk.Now().Add(10 * time.Minute); !got.ScheduledAt.Equal(want) {
		t.Fatalf("scheduled_at = %v, want %v", got.ScheduledAt, want)
	}
}

func TestMarkReminderSentOnce(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()

	id := mustSchedule(t, svc, "u1", "water", clk.Now().Add(time.Hour))
	sent, err := svc.MarkReminderSent(ctx, id)
	if err != nil || !sent {
		t.Fatalf("first MarkReminderSent = (%v, %v), want (true, nil)", sent, err)
	}
	sent, err = svc.MarkReminderSent(ctx, id)
	if err != nil || sent {
		t.Fatalf("second MarkReminderSent = (%v, %v), want (false, nil)", sent, err)
	}
}

func TestTasksInWindowOrdering(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()
	now := clk.Now()

	mustSchedule(t, svc, "u1", "late", now.Add(5*time.Hour))
	mustSchedule(t, svc, "u1", "early", now.Add(1*time.Hour))
	mustSchedule(t, svc, "u1", "mid", now.Add(3*time.Hour))
	mustSchedule(t, svc, "u2", "other", now.Add(2*time.Hour))

	got, err := svc.TasksInWindow(ctx, "u1", now, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("TasksInWindow error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, ref := range []string{"early", "mid", "late"} {
		if got[i].TaskRef != ref {
			t.Fatalf("got[%d] = %s, want %s", i, got[i].TaskRef, ref)
		}
	}
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()

	ch, unsub := svc.Subscribe("u1", 1)
	defer unsub()

	id := mustSchedule(t, svc, "u1", "water", clk.Now().Add(time.Hour))

	select {
	case snap := <-ch:
		if len(snap) != 1 || snap[0].ID != id {
			t.Fatalf("unexpected snapshot: %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after schedule")
	}

	// A burst of changes coalesces: the latest state always arrives.
	if err := svc.Complete(ctx, id); err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	select {
	case snap := <-ch:
		if len(snap) != 1 || snap[0].Status != storage.StatusCompleted {
			t.Fatalf("unexpected snapshot: %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after complete")
	}
}
