// Package planner suggests where a new task should land on a user's
// day: inside working hours, in the category's preferred buckets,
// clear of breaks and focus sessions, under the daily count limits.
package planner

import (
	"context"
	"errors"
	"time"

	"visaquest/internal/registry"
	"visaquest/internal/schedule"
	"visaquest/internal/storage"
	"visaquest/internal/timectx"
	"visaquest/pkg/logx"
)

var ErrNoSlot = errors.New("no free slot available")

// slotStep is the granularity of suggestions.
const slotStep = 30 * time.Minute

type Planner struct {
	schedules *schedule.Service
	tasks     *registry.Service
	resolver  *timectx.Resolver
	log       logx.Logger
}

func New(schedules *schedule.Service, tasks *registry.Service, resolver *timectx.Resolver, log logx.Logger) *Planner {
	return &Planner{schedules: schedules, tasks: tasks, resolver: resolver, log: log}
}

// SuggestSlot returns a scheduling instant for a task of the given
// category on the given local day. It walks the working window in
// slotStep increments and returns the first acceptable slot.
func (p *Planner) SuggestSlot(ctx context.Context, userKey, category string, day time.Time) (time.Time, error) {
	cfg, err := p.schedules.Get(ctx, userKey)
	if err != nil && !errors.Is(err, schedule.ErrStoreUnavailable) {
		return time.Time{}, err
	}
	loc := cfg.Location()
	day = day.In(loc)

	sh, sm, err := timectx.ParseHHMM(cfg.WorkingHours.Start)
	if err != nil {
		sh, sm = 9, 0
	}
	eh, em, err := timectx.ParseHHMM(cfg.WorkingHours.End)
	if err != nil {
		eh, em = 18, 0
	}
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	winStart := dayStart.Add(time.Duration(sh)*time.Hour + time.Duration(sm)*time.Minute)
	winEnd := dayStart.Add(time.Duration(eh)*time.Hour + time.Duration(em)*time.Minute)

	existing, err := p.tasks.TasksInWindow(ctx, userKey, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return time.Time{}, err
	}
	if limit := p.dailyLimit(cfg, category, day); limit > 0 {
		count := 0
		for _, t := range existing {
			if t.Category == category && t.Status != storage.StatusExpired {
				count++
			}
		}
		if count >= limit {
			return time.Time{}, ErrNoSlot
		}
	}

	pref := cfg.TaskPrefs[category].PreferredBuckets
	now := p.resolver.Now()

	for at := winStart; at.Before(winEnd); at = at.Add(slotStep) {
		if at.Before(now) {
			continue
		}
		if len(pref) > 0 && !bucketPreferred(pref, p.resolver.ResolveBucket(at)) {
			continue
		}
		if _, onBreak := p.resolver.ActiveBreak(at, cfg); onBreak {
			continue
		}
		if _, inFocus := p.resolver.ActiveFocusSession(at, cfg); inFocus {
			continue
		}
		if occupied(existing, at, slotStep) {
			continue
		}
		return at, nil
	}
	return time.Time{}, ErrNoSlot
}

// dailyLimit is the category's max daily count, tightened by the
// weekend task limit on weekends.
func (p *Planner) dailyLimit(cfg schedule.Config, category string, day time.Time) int {
	limit := cfg.TaskPrefs[category].MaxDailyCount
	if p.resolver.IsWeekend(day, cfg) && cfg.WeekendMode.TaskLimit > 0 {
		if limit == 0 || cfg.WeekendMode.TaskLimit < limit {
			limit = cfg.WeekendMode.TaskLimit
		}
	}
	return limit
}

func bucketPreferred(pref []string, b timectx.Bucket) bool {
	for _, p := range pref {
		if p == string(b) {
			return true
		}
	}
	return false
}

func occupied(tasks []registry.Task, at time.Time, width time.Duration) bool {
	for _, t := range tasks {
		if !t.Status.Active() {
			continue
		}
		d := t.ScheduledAt.Sub(at)
		if d < 0 {
			d = -d
		}
		if d < width {
			return true
		}
	}
	return false
}
