package anytime

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a flexible window.
type Status string

const (
	StatusPendingClaim Status = "pending_claim"
	StatusClaimed      Status = "claimed"
	StatusScheduled    Status = "scheduled"
	StatusReleased     Status = "released"
	StatusExpired      Status = "expired"
	StatusCancelled    Status = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingClaim, StatusClaimed, StatusScheduled, StatusReleased, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions leave s.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusCancelled || s == StatusScheduled
}

// ParseStatus converts a stored status string, rejecting unknown values.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("anytime: unknown status %q", v)
	}
	return s, nil
}

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityHigh
}

// Claim is the exclusive hold a worker has on a window. It is present only
// while the window is in StatusClaimed.
type Claim struct {
	WorkerID  string
	ClaimedAt time.Time
}

// FlexibleWindow mirrors the flexible_windows table.
type FlexibleWindow struct {
	ID                 string
	ListingID          string
	TerritoryID        string
	StartDate          time.Time
	EndDate            time.Time
	AccessInstructions string
	IsVacant           bool
	HasLockbox         bool
	Status             Status
	Claim              *Claim
	ScheduledDate      *time.Time
	AssignedWorkerID   *string
	Priority           Priority
	IsExpedited        bool
	CancelReason       *string
	CreatedBy          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ClaimedBy returns the worker currently holding the claim, or "".
func (w FlexibleWindow) ClaimedBy() string {
	if w.Claim == nil {
		return ""
	}
	return w.Claim.WorkerID
}

// Contains reports whether day falls within [StartDate, EndDate].
func (w FlexibleWindow) Contains(day time.Time) bool {
	d := DateOf(day)
	return !d.Before(DateOf(w.StartDate)) && !d.After(DateOf(w.EndDate))
}

// Overlaps reports whether any day of the window falls within [from, to].
// A nil bound is open.
func (w FlexibleWindow) Overlaps(from, to *time.Time) bool {
	if from != nil && DateOf(w.EndDate).Before(DateOf(*from)) {
		return false
	}
	if to != nil && DateOf(w.StartDate).After(DateOf(*to)) {
		return false
	}
	return true
}

// PropertyFacts are the caller-supplied facts consumed by the eligibility gate.
type PropertyFacts struct {
	IsVacant           bool
	HasLockbox         bool
	AccessInstructions string
}

// CreateWindowParams enumerates the inputs for opening a new window.
type CreateWindowParams struct {
	ListingID          string
	TerritoryID        string
	StartDate          time.Time
	EndDate            time.Time
	AccessInstructions string
	IsVacant           bool
	HasLockbox         bool
	Priority           Priority
	IsExpedited        bool
	CreatedBy          string
}

func (p CreateWindowParams) facts() PropertyFacts {
	return PropertyFacts{
		IsVacant:           p.IsVacant,
		HasLockbox:         p.HasLockbox,
		AccessInstructions: p.AccessInstructions,
	}
}

// DetailsUpdate carries the mutable, non-claim fields of a window. Nil fields
// are left untouched.
type DetailsUpdate struct {
	AccessInstructions *string
	Priority           *Priority
	IsExpedited        *bool
}

const dateLayout = "2006-01-02"

// DateOf truncates t to its calendar date at UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(v string) (time.Time, error) {
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("anytime: invalid date %q", v)
	}
	return t, nil
}

// FormatDate renders a calendar date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return DateOf(t).Format(dateLayout)
}

func daysBetween(start, end time.Time) int {
	return int(DateOf(end).Sub(DateOf(start)).Hours() / 24)
}
