package reminder

import (
	"sort"
	"time"

	"visaquest/internal/registry"
	"visaquest/internal/schedule"
)

// Job is the derived, schedulable unit: fire one notification at
// FireAt for one task. Jobs are never stored; they are recomputed from
// the durable task + schedule config whenever either changes, which is
// what makes armed reminders survive restarts.
type Job struct {
	TaskID      string
	UserKey     string
	LeadMinutes int
	Generation  int64
	ScheduledAt time.Time
	FireAt      time.Time
}

// ComputeJobs derives the reminder jobs for one task.
//
//   - one job per distinct lead minute, fireAt = scheduledTime - lead
//   - jobs whose fireAt is already past at computation time are dropped
//     (a fireAt equal to now still fires)
//   - result ordered by fireAt ascending
//   - empty when notifications are off globally or for this task
//   - weekend mode with reduced notifications keeps only the closest
//     lead, so a weekend task pings once instead of N times
func ComputeJobs(t registry.Task, cfg schedule.Config, now time.Time, weekend bool) []Job {
	if !cfg.Notifications.Enabled || !t.NotifyOn {
		return nil
	}
	leads := distinctPositive(cfg.Notifications.ReminderLeadMinutes)
	if len(leads) == 0 {
		return nil
	}
	if weekend && cfg.WeekendMode.ReducedNotifications {
		min := leads[0]
		for _, l := range leads[1:] {
			if l < min {
				min = l
			}
		}
		leads = []int{min}
	}

	jobs := make([]Job, 0, len(leads))
	for _, lead := range leads {
		fireAt := t.ScheduledAt.Add(-time.Duration(lead) * time.Minute)
		if fireAt.Before(now) {
			continue
		}
		jobs = append(jobs, Job{
			TaskID:      t.ID,
			UserKey:     t.UserKey,
			LeadMinutes: lead,
			Generation:  t.Generation,
			ScheduledAt: t.ScheduledAt,
			FireAt:      fireAt,
		})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].FireAt.Before(jobs[j].FireAt) })
	return jobs
}

func distinctPositive(leads []int) []int {
	seen := map[int]bool{}
	out := make([]int, 0, len(leads))
	for _, l := range leads {
		if l <= 0 || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
