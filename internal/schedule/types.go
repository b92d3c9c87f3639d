// Package schedule owns the per-user ScheduleConfig: working hours,
// breaks, notification settings, per-category preferences, focus
// sessions and weekend mode.
//
// The config is a soft system of record: it is created with defaults on
// first access, mutated by partial patches, and never deleted.
package schedule

import "time"

// Config is the durable per-user schedule record.
//
// Time-of-day fields are "HH:MM" strings in the working-hours timezone.
type Config struct {
	WorkingHours  WorkingHours              `json:"working_hours"`
	Breaks        map[string]BreakWindow    `json:"breaks"`
	Notifications Notifications             `json:"notifications"`
	TaskPrefs     map[string]TaskPreference `json:"task_preferences"`
	FocusMode     FocusMode                 `json:"focus_mode"`
	WeekendMode   WeekendMode               `json:"weekend_mode"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

type WorkingHours struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

// BreakWindow supports two shapes:
//   - explicit window: Start/End set
//   - point + duration: Time set, DurationMin > 0 (may roll past midnight)
type BreakWindow struct {
	Start       string `json:"start,omitempty"`
	End         string `json:"end,omitempty"`
	Time        string `json:"time,omitempty"`
	DurationMin int    `json:"duration_min,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type Notifications struct {
	Enabled             bool          `json:"enabled"`
	Sound               bool          `json:"sound"`
	Vibration           bool          `json:"vibration"`
	ReminderLeadMinutes []int         `json:"reminder_lead_minutes"`
	DailySummary        DigestSetting `json:"daily_summary"`
	WeeklyReview        WeeklyReview  `json:"weekly_review"`
}

type DigestSetting struct {
	Enabled bool   `json:"enabled"`
	Time    string `json:"time"`
}

type WeeklyReview struct {
	Enabled bool   `json:"enabled"`
	Day     int    `json:"day"` // time.Weekday numbering, Sunday=0
	Time    string `json:"time"`
}

type TaskPreference struct {
	PreferredBuckets []string `json:"preferred_buckets"`
	MaxDailyCount    int      `json:"max_daily_count"`
}

type FocusMode struct {
	Enabled  bool           `json:"enabled"`
	Sessions []FocusSession `json:"sessions,omitempty"`
}

type FocusSession struct {
	Name  string `json:"name"`
	Start string `json:"start"`
	End   string `json:"end"`
	Days  []int  `json:"days"` // time.Weekday numbering, Sunday=0
}

type WeekendMode struct {
	Enabled              bool `json:"enabled"`
	ReducedNotifications bool `json:"reduced_notifications"`
	TaskLimit            int  `json:"task_limit"`
}

// Patch is a partial update. Each non-nil section replaces the stored
// section wholesale; the merge is intentionally shallow. A caller that
// wants to change breaks.lunch must send the whole breaks map.
type Patch struct {
	WorkingHours  *WorkingHours              `json:"working_hours,omitempty"`
	Breaks        *map[string]BreakWindow    `json:"breaks,omitempty"`
	Notifications *Notifications             `json:"notifications,omitempty"`
	TaskPrefs     *map[string]TaskPreference `json:"task_preferences,omitempty"`
	FocusMode     *FocusMode                 `json:"focus_mode,omitempty"`
	WeekendMode   *WeekendMode               `json:"weekend_mode,omitempty"`
}

// IsZero reports whether the patch changes nothing.
func (p Patch) IsZero() bool {
	return p.WorkingHours == nil && p.Breaks == nil && p.Notifications == nil &&
		p.TaskPrefs == nil && p.FocusMode == nil && p.WeekendMode == nil
}

// apply merges the patch into cfg, shallow at the top level.
func (p Patch) apply(cfg Config) Config {
	if p.WorkingHours != nil {
		cfg.WorkingHours = *p.WorkingHours
	}
	if p.Breaks != nil {
		cfg.Breaks = *p.Breaks
	}
	if p.Notifications != nil {
		cfg.Notifications = *p.Notifications
	}
	if p.TaskPrefs != nil {
		cfg.TaskPrefs = *p.TaskPrefs
	}
	if p.FocusMode != nil {
		cfg.FocusMode = *p.FocusMode
	}
	if p.WeekendMode != nil {
		cfg.WeekendMode = *p.WeekendMode
	}
	return cfg
}

// Location resolves the config timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	if c.WorkingHours.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.WorkingHours.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
