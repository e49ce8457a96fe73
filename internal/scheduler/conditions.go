package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/apperr"
)

// TimeWindow is a local-time range in "HH:MM". End before start wraps past midnight.
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Conditions gate the execution of a due notification.
type Conditions struct {
	UserOnline bool        `json:"userOnline,omitempty"`
	UserActive bool        `json:"userActive,omitempty"`
	TimeWindow *TimeWindow `json:"timeWindow,omitempty"`
	Timezone   string      `json:"timezone,omitempty"`
}

const opValidateConditions = "scheduler.validate_conditions"

func (c Conditions) normalized() (Conditions, error) {
	c.Timezone = strings.TrimSpace(c.Timezone)
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return Conditions{}, apperr.New(apperr.KindValidation, opValidateConditions, "invalid_timezone", err)
		}
	}
	if c.TimeWindow != nil {
		if _, err := parseClock(c.TimeWindow.Start); err != nil {
			return Conditions{}, apperr.New(apperr.KindValidation, opValidateConditions, "invalid_window_start", err)
		}
		if _, err := parseClock(c.TimeWindow.End); err != nil {
			return Conditions{}, apperr.New(apperr.KindValidation, opValidateConditions, "invalid_window_end", err)
		}
	}
	return c, nil
}

// Contains reports whether the wall clock of local falls inside the window.
// Start is inclusive and end exclusive; equal bounds never match.
func (w TimeWindow) Contains(local time.Time) bool {
	start, startErr := parseClock(w.Start)
	end, endErr := parseClock(w.End)
	if startErr != nil || endErr != nil {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// parseClock converts "HH:MM" to minutes after midnight.
func parseClock(value string) (int, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", value, err)
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}
