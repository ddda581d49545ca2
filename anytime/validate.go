package anytime

import (
	"fmt"
	"time"
)

const (
	MinWindowDays = 2
	MaxWindowDays = 14
)

// ValidateWindow enforces the span and lead-time rules for a new window.
// Only the first failing rule is reported. The lead-time rule compares
// calendar dates, taking today from now in now's own location.
func ValidateWindow(start, end, now time.Time) error {
	start, end = DateOf(start), DateOf(end)

	if !end.After(start) || daysBetween(start, end) < MinWindowDays {
		return validationError(fmt.Sprintf("window must span at least %d days", MinWindowDays))
	}
	if !start.After(DateOf(now)) {
		return validationError("start date must be in the future")
	}
	if daysBetween(start, end) > MaxWindowDays {
		return validationError(fmt.Sprintf("window cannot exceed %d days", MaxWindowDays))
	}
	return nil
}

// WindowValidation is the record form of ValidateWindow.
type WindowValidation struct {
	Valid bool
	Error string
}

func ValidateWindowResult(start, end, now time.Time) WindowValidation {
	if err := ValidateWindow(start, end, now); err != nil {
		return WindowValidation{Error: Reason(err)}
	}
	return WindowValidation{Valid: true}
}
