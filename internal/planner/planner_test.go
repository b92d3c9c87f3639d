package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmhodges/clock"

	"visaquest/internal/registry"
	"visaquest/internal/schedule"
	"visaquest/internal/storage"
	"visaquest/internal/timectx"
	"visaquest/pkg/logx"
)

type fixture struct {
	clk       clock.FakeClock
	tasks     *registry.Service
	schedules *schedule.Service
	plan      *Planner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake()
	// Wednesday 08:00 UTC, before the working day starts
	clk.Set(time.Date(2026, 1, 7, 8, 0, 0, 0, time.UTC))
	store := storage.NewMemory()
	tasks := registry.NewService(store, nil, clk, logx.Nop())
	schedules := schedule.NewService(store, nil, logx.Nop())
	resolver := timectx.NewResolver(clk)
	return &fixture{
		clk:       clk,
		tasks:     tasks,
		schedules: schedules,
		plan:      New(schedules, tasks, resolver, logx.Nop()),
	}
}

func TestSuggestSlotFirstFreeSlot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// "visa" prefers morning/afternoon; working day starts 09:00, so
	// the first acceptable slot is the opening one.
	at, err := f.plan.SuggestSlot(context.Background(), "u1", "visa", f.clk.Now())
	if err != nil {
		t.Fatalf("SuggestSlot error: %v", err)
	}
	want := time.Date(2026, 1, 7, 9, 0, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Fatalf("at = %v, want %v", at, want)
	}
}

func TestSuggestSlotSkipsOccupiedAndBreaks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// an active task at 09:00 blocks everything within 30 minutes
	if _, err := f.tasks.Schedule(ctx, "u1", registry.TaskDef{Ref: "a", Category: "visa"},
		time.Date(2026, 1, 7, 9, 0, 0, 0, time.UTC), registry.ScheduleOptions{}); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	at, err := f.plan.SuggestSlot(ctx, "u1", "visa", f.clk.Now())
	if err != nil {
		t.Fatalf("SuggestSlot error: %v", err)
	}
	want := time.Date(2026, 1, 7, 9, 30, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Fatalf("at = %v, want %v", at, want)
	}

	// fill the morning: the walk then has to clear the coffee break,
	// the occupied slots and the whole lunch window (inclusive end).
	// "chores" has no preference entry, so no bucket or count limits.
	for i, hhmm := range []string{"09:30", "10:00", "10:30", "11:00", "11:30", "12:00"} {
		h, m, _ := timectx.ParseHHMM(hhmm)
		ref := []string{"b", "c", "d", "e", "f", "g"}[i]
		if _, err := f.tasks.Schedule(ctx, "u1", registry.TaskDef{Ref: ref, Category: "chores"},
			time.Date(2026, 1, 7, h, m, 0, 0, time.UTC), registry.ScheduleOptions{}); err != nil {
			t.Fatalf("Schedule error: %v", err)
		}
	}
	at, err = f.plan.SuggestSlot(ctx, "u1", "chores", f.clk.Now())
	if err != nil {
		t.Fatalf("SuggestSlot error: %v", err)
	}
	// 12:30/13:00/13:30 sit inside lunch, so the first free slot is 14:00
	want = time.Date(2026, 1, 7, 14, 0, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Fatalf("at = %v, want %v", at, want)
	}
}

func TestSuggestSlotHonorsPreferredBuckets(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// wellness prefers early_morning/evening; within the 09:00-18:00
	// working window only evening (17:00+) qualifies.
	at, err := f.plan.SuggestSlot(ctx, "u1", "wellness", f.clk.Now())
	if err != nil {
		t.Fatalf("SuggestSlot error: %v", err)
	}
	if at.Hour() < 17 {
		t.Fatalf("at = %v, want an evening slot", at)
	}
}

func TestSuggestSlotDailyLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// wellness caps at 2 per day
	for i, hhmm := range []time.Time{
		time.Date(2026, 1, 7, 17, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 7, 17, 30, 0, 0, time.UTC),
	} {
		ref := []string{"walk", "stretch"}[i]
		if _, err := f.tasks.Schedule(ctx, "u1", registry.TaskDef{Ref: ref, Category: "wellness"}, hhmm, registry.ScheduleOptions{}); err != nil {
			t.Fatalf("Schedule error: %v", err)
		}
	}
	if _, err := f.plan.SuggestSlot(ctx, "u1", "wellness", f.clk.Now()); !errors.Is(err, ErrNoSlot) {
		t.Fatalf("err = %v, want ErrNoSlot at the daily limit", err)
	}
}

func TestSuggestSlotNeverInThePast(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// mid-afternoon: morning slots are gone
	f.clk.Add(7 * time.Hour) // 15:00
	at, err := f.plan.SuggestSlot(context.Background(), "u1", "visa", f.clk.Now())
	if err != nil {
		t.Fatalf("SuggestSlot error: %v", err)
	}
	if at.Before(f.clk.Now()) {
		t.Fatalf("suggested past slot %v (now %v)", at, f.clk.Now())
	}
}

func TestSuggestSlotSkipsFocusSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	fm := schedule.FocusMode{
		Enabled: true,
		Sessions: []schedule.FocusSession{
			// all Wednesday working hours until 15:00
			{Name: "deep work", Start: "09:00", End: "15:00", Days: []int{3}},
		},
	}
	if _, err := f.schedules.Update(ctx, "u1", schedule.Patch{FocusMode: &fm}); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	at, err := f.plan.SuggestSlot(ctx, "u1", "visa", f.clk.Now())
	if err != nil {
		t.Fatalf("SuggestSlot error: %v", err)
	}
	// 15:00 HH:MM is still inside the inclusive window end, so the
	// first clear afternoon slot is 15:30
	want := time.Date(2026, 1, 7, 15, 30, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Fatalf("at = %v, want %v", at, want)
	}
}
