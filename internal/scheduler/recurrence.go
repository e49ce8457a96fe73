package scheduler

import (
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/apperr"
)

// Pattern is the unit a recurrence advances by.
type Pattern string

const (
	PatternDaily   Pattern = "daily"
	PatternWeekly  Pattern = "weekly"
	PatternMonthly Pattern = "monthly"
	PatternYearly  Pattern = "yearly"
	PatternCustom  Pattern = "custom"
)

// Recurrence repeats a scheduled notification. DaysOfWeek uses 0 for Sunday.
type Recurrence struct {
	Enabled           bool       `json:"enabled"`
	Pattern           Pattern    `json:"pattern,omitempty"`
	Interval          int        `json:"interval,omitempty"`
	DaysOfWeek        []int      `json:"daysOfWeek,omitempty"`
	EndDate           *time.Time `json:"endDate,omitempty"`
	MaxOccurrences    int        `json:"maxOccurrences,omitempty"`
	CurrentOccurrence int        `json:"currentOccurrence"`
}

const opValidateRecurrence = "scheduler.validate_recurrence"

func (r Recurrence) normalized() (Recurrence, error) {
	if !r.Enabled {
		return Recurrence{}, nil
	}
	switch r.Pattern {
	case PatternDaily, PatternWeekly, PatternMonthly, PatternYearly, PatternCustom:
	default:
		return Recurrence{}, apperr.New(apperr.KindValidation, opValidateRecurrence, "unknown_pattern", nil)
	}
	if r.Interval == 0 {
		r.Interval = 1
	}
	if r.Interval < 0 {
		return Recurrence{}, apperr.New(apperr.KindValidation, opValidateRecurrence, "invalid_interval", nil)
	}
	if r.MaxOccurrences < 0 {
		return Recurrence{}, apperr.New(apperr.KindValidation, opValidateRecurrence, "invalid_max_occurrences", nil)
	}
	if r.Pattern == PatternCustom {
		if len(r.DaysOfWeek) == 0 {
			return Recurrence{}, apperr.New(apperr.KindValidation, opValidateRecurrence, "missing_days_of_week", nil)
		}
		unique := make(map[int]struct{}, len(r.DaysOfWeek))
		days := make([]int, 0, len(r.DaysOfWeek))
		for _, day := range r.DaysOfWeek {
			if day < 0 || day > 6 {
				return Recurrence{}, apperr.New(apperr.KindValidation, opValidateRecurrence, "invalid_day_of_week", nil)
			}
			if _, seen := unique[day]; seen {
				continue
			}
			unique[day] = struct{}{}
			days = append(days, day)
		}
		sort.Ints(days)
		r.DaysOfWeek = days
	}
	if r.EndDate != nil {
		end := r.EndDate.UTC()
		r.EndDate = &end
	}
	r.CurrentOccurrence = 0
	return r, nil
}

// Exhausted reports whether occurrence has reached the series limit.
func (r Recurrence) Exhausted(occurrence int) bool {
	return r.MaxOccurrences > 0 && occurrence >= r.MaxOccurrences
}

// Next returns the occurrence after previous, computed on the wall clock of loc.
func (r Recurrence) Next(previous time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	interval := r.Interval
	if interval <= 0 {
		interval = 1
	}
	local := previous.In(loc)
	switch r.Pattern {
	case PatternDaily:
		return shiftDays(local, interval)
	case PatternWeekly:
		return shiftDays(local, 7*interval)
	case PatternMonthly:
		return shiftMonths(local, interval)
	case PatternYearly:
		return shiftMonths(local, 12*interval)
	case PatternCustom:
		return nextWeekday(local, r.DaysOfWeek, interval)
	default:
		return shiftDays(local, interval)
	}
}

func shiftDays(local time.Time, days int) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day()+days,
		local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), local.Location())
}

// shiftMonths keeps the day of month, clamped to the length of the target month.
func shiftMonths(local time.Time, months int) time.Time {
	firstOfTarget := time.Date(local.Year(), local.Month()+time.Month(months), 1, 0, 0, 0, 0, local.Location())
	day := local.Day()
	if last := daysIn(firstOfTarget); day > last {
		day = last
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day,
		local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), local.Location())
}

func daysIn(firstOfMonth time.Time) int {
	return firstOfMonth.AddDate(0, 1, -1).Day()
}

// nextWeekday moves to the next listed weekday later in the same Sunday-based week,
// or to the first listed weekday interval weeks later.
func nextWeekday(local time.Time, days []int, interval int) time.Time {
	current := int(local.Weekday())
	for _, day := range days {
		if day > current {
			return shiftDays(local, day-current)
		}
	}
	if len(days) == 0 {
		return shiftDays(local, 7*interval)
	}
	startOfWeek := -current
	return shiftDays(local, startOfWeek+7*interval+days[0])
}
