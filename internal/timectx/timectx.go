// Package timectx maps wall-clock time onto the discrete contexts the
// scheduling core cares about: time-of-day buckets, break windows and
// focus sessions.
package timectx

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmhodges/clock"

	"visaquest/internal/schedule"
)

// Bucket is a named portion of the day.
type Bucket string

const (
	EarlyMorning Bucket = "early_morning"
	Morning      Bucket = "morning"
	Afternoon    Bucket = "afternoon"
	Evening      Bucket = "evening"
	Night        Bucket = "night"
)

// bucketRange covers [startHour, endHour). start > end means the range
// wraps midnight. The table must cover all 24 hours; first match wins.
type bucketRange struct {
	start, end int
	name       Bucket
}

var bucketTable = []bucketRange{
	{5, 8, EarlyMorning},
	{8, 12, Morning},
	{12, 17, Afternoon},
	{17, 21, Evening},
	{21, 5, Night}, // wraps
}

// Resolver answers "what kind of moment is now" questions against a
// schedule config. The clock is injected so tests can use a fake.
type Resolver struct {
	clk clock.Clock
}

func NewResolver(clk clock.Clock) *Resolver {
	if clk == nil {
		clk = clock.New()
	}
	return &Resolver{clk: clk}
}

func (r *Resolver) Now() time.Time { return r.clk.Now() }

// ResolveBucket returns the bucket covering now. The table covers the
// full day, so the Morning fallback should be unreachable; it exists so
// a future table edit cannot make this function partial.
func (r *Resolver) ResolveBucket(now time.Time) Bucket {
	h := now.Hour()
	for _, br := range bucketTable {
		if br.start <= br.end {
			if h >= br.start && h < br.end {
				return br.name
			}
		} else if h >= br.start || h < br.end {
			return br.name
		}
	}
	return Morning
}

// ActiveBreak reports the first enabled break window covering now.
//
// Start/End windows compare time-of-day only, inclusive on both ends.
// Time+Duration windows are anchored to today's date and checked as
// real instants, so a break starting near midnight stays active after
// the day rolls over.
func (r *Resolver) ActiveBreak(now time.Time, cfg schedule.Config) (string, bool) {
	for _, name := range sortedKeys(cfg.Breaks) {
		bw := cfg.Breaks[name]
		if !bw.Enabled {
			continue
		}
		if bw.Start != "" && bw.End != "" {
			if withinTimeOfDay(now, bw.Start, bw.End) {
				return name, true
			}
			continue
		}
		if bw.Time != "" && bw.DurationMin > 0 {
			if withinAnchoredWindow(now, bw.Time, time.Duration(bw.DurationMin)*time.Minute) {
				return name, true
			}
		}
	}
	return "", false
}

// ActiveFocusSession reports the first configured session covering now.
// First match wins; session order is caller-defined.
func (r *Resolver) ActiveFocusSession(now time.Time, cfg schedule.Config) (string, bool) {
	if !cfg.FocusMode.Enabled {
		return "", false
	}
	wd := int(now.Weekday())
	for _, s := range cfg.FocusMode.Sessions {
		if !containsInt(s.Days, wd) {
			continue
		}
		if withinTimeOfDay(now, s.Start, s.End) {
			return s.Name, true
		}
	}
	return "", false
}

// IsWeekend reports Saturday/Sunday for now, only when weekend mode is
// enabled in the config.
func (r *Resolver) IsWeekend(now time.Time, cfg schedule.Config) bool {
	if !cfg.WeekendMode.Enabled {
		return false
	}
	wd := now.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// withinTimeOfDay checks now's HH:MM against an inclusive [start, end]
// window, ignoring the date.
func withinTimeOfDay(now time.Time, start, end string) bool {
	sh, sm, err := ParseHHMM(start)
	if err != nil {
		return false
	}
	eh, em, err := ParseHHMM(end)
	if err != nil {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	lo := sh*60 + sm
	hi := eh*60 + em
	if lo <= hi {
		return cur >= lo && cur <= hi
	}
	// window wraps midnight
	return cur >= lo || cur <= hi
}

// withinAnchoredWindow checks now against [anchor, anchor+dur) where
// anchor is today's date at the given HH:MM. A window opened yesterday
// that runs past midnight is checked by also trying yesterday's anchor.
func withinAnchoredWindow(now time.Time, hhmm string, dur time.Duration) bool {
	h, m, err := ParseHHMM(hhmm)
	if err != nil || dur <= 0 {
		return false
	}
	anchor := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
	if !now.Before(anchor) && now.Before(anchor.Add(dur)) {
		return true
	}
	y := anchor.AddDate(0, 0, -1)
	return !now.Before(y) && now.Before(y.Add(dur))
}

// ParseHHMM parses a "HH:MM" string with range validation.
func ParseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]schedule.BreakWindow) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// map order is random; a stable order keeps "first match" meaningful
	sort.Strings(keys)
	return keys
}
