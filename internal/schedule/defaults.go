package schedule

// Defaults returns the config a user gets on first access. It mirrors
// the product defaults: a 9-to-6 working day, a lunch break, reminders
// at 15 and 5 minutes, and a morning daily summary.
func Defaults() Config {
	return Config{
		WorkingHours: WorkingHours{Start: "09:00", End: "18:00", Timezone: "UTC"},
		Breaks: map[string]BreakWindow{
			"lunch":  {Start: "12:30", End: "13:30", Enabled: true},
			"coffee": {Time: "10:30", DurationMin: 15, Enabled: true},
		},
		Notifications: Notifications{
			Enabled:             true,
			Sound:               true,
			Vibration:           true,
			ReminderLeadMinutes: []int{15, 5},
			DailySummary:        DigestSetting{Enabled: true, Time: "08:30"},
			WeeklyReview:        WeeklyReview{Enabled: false, Day: 0, Time: "19:00"},
		},
		TaskPrefs: map[string]TaskPreference{
			"visa":     {PreferredBuckets: []string{"morning", "afternoon"}, MaxDailyCount: 3},
			"work":     {PreferredBuckets: []string{"morning", "afternoon"}, MaxDailyCount: 5},
			"wellness": {PreferredBuckets: []string{"early_morning", "evening"}, MaxDailyCount: 2},
		},
		FocusMode:   FocusMode{Enabled: false},
		WeekendMode: WeekendMode{Enabled: true, ReducedNotifications: true, TaskLimit: 3},
	}
}
