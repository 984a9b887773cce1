package backup

import (
	"fmt"
	"time"
)

// Schedule defaults
const (
	DefaultTimeOfDay     = "03:00"
	DefaultTimezone      = "UTC"
	DefaultRetentionDays = 30
	DefaultMaxBackups    = 10
	DefaultDayOfWeek     = int(time.Monday)
	DefaultDayOfMonth    = 1
)

// ValidateSchedule checks the fields NextRun depends on
func ValidateSchedule(s *Schedule) error {
	var errors ValidationErrors

	switch s.Frequency {
	case FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
	default:
		errors.Add("frequency", "must be one of hourly, daily, weekly, monthly", s.Frequency)
	}
	if _, _, err := parseTimeOfDay(s.TimeOfDay); err != nil {
		errors.Add("time_of_day", err.Error(), s.TimeOfDay)
	}
	if _, err := scheduleLocation(s.Timezone); err != nil {
		errors.Add("timezone", "unknown timezone", s.Timezone)
	}
	if s.DayOfWeek != nil && (*s.DayOfWeek < 0 || *s.DayOfWeek > 6) {
		errors.Add("day_of_week", "must be between 0 (Sunday) and 6 (Saturday)", *s.DayOfWeek)
	}
	if s.DayOfMonth != nil && (*s.DayOfMonth < 1 || *s.DayOfMonth > 31) {
		errors.Add("day_of_month", "must be between 1 and 31", *s.DayOfMonth)
	}
	if s.RetentionDays < 0 {
		errors.Add("retention_days", "cannot be negative", s.RetentionDays)
	}
	if s.MaxBackups < 0 {
		errors.Add("max_backups", "cannot be negative", s.MaxBackups)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// NextRun returns the first slot of s strictly after from. The slot is
// computed in the schedule's timezone and returned in UTC. A slot equal to
// from counts as passed.
func NextRun(s *Schedule, from time.Time) (time.Time, error) {
	loc, err := scheduleLocation(s.Timezone)
	if err != nil {
		return time.Time{}, NewValidationError(fmt.Sprintf("unknown timezone %q", s.Timezone), err)
	}
	hour, minute, err := parseTimeOfDay(s.TimeOfDay)
	if err != nil {
		return time.Time{}, NewValidationError(err.Error(), nil)
	}

	now := from.In(loc)
	y, m, d := now.Date()

	var next time.Time
	switch s.Frequency {
	case FrequencyHourly:
		next = time.Date(y, m, d, now.Hour(), 0, 0, 0, loc).Add(time.Hour)

	case FrequencyDaily:
		next = time.Date(y, m, d, hour, minute, 0, 0, loc)
		if !next.After(now) {
			next = time.Date(y, m, d+1, hour, minute, 0, 0, loc)
		}

	case FrequencyWeekly:
		weekday := DefaultDayOfWeek
		if s.DayOfWeek != nil {
			weekday = *s.DayOfWeek
		}
		days := (weekday - int(now.Weekday()) + 7) % 7
		next = time.Date(y, m, d+days, hour, minute, 0, 0, loc)
		if !next.After(now) {
			next = time.Date(y, m, d+days+7, hour, minute, 0, 0, loc)
		}

	case FrequencyMonthly:
		day := DefaultDayOfMonth
		if s.DayOfMonth != nil {
			day = *s.DayOfMonth
		}
		next = monthlySlot(y, m, day, hour, minute, loc)
		if !next.After(now) {
			next = monthlySlot(y, m+1, day, hour, minute, loc)
		}

	default:
		return time.Time{}, NewValidationError(fmt.Sprintf("unknown frequency %q", s.Frequency), nil)
	}

	return next.UTC(), nil
}

// monthlySlot clamps day to the length of the month
func monthlySlot(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, minute, 0, 0, loc)
}

// ExpiresAt returns now plus retentionDays, or nil when retention is disabled
func ExpiresAt(now time.Time, retentionDays int) *time.Time {
	if retentionDays <= 0 {
		return nil
	}
	t := now.UTC().AddDate(0, 0, retentionDays)
	return &t
}

func scheduleLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimezone
	}
	return time.LoadLocation(name)
}

func parseTimeOfDay(value string) (int, int, error) {
	if value == "" {
		value = DefaultTimeOfDay
	}
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, fmt.Errorf("time of day must be HH:MM, got %q", value)
	}
	return t.Hour(), t.Minute(), nil
}
