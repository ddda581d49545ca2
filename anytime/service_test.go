package anytime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestService(store *fakeStore) (*Service, *fakePool, *fakeEvents) {
	pool := &fakePool{}
	events := &fakeEvents{}
	svc := NewService(pool, store).
		WithClock(func() time.Time { return fixedNow }).
		WithIDGenerator(func() string { return "window-1" }).
		WithEvents(events, events)
	return svc, pool, events
}

func validParams() CreateWindowParams {
	return CreateWindowParams{
		ListingID:          "listing-9",
		TerritoryID:        "T1",
		StartDate:          mustDate("2025-01-07"),
		EndDate:            mustDate("2025-01-14"),
		AccessInstructions: "  Lockbox on the back door, code 2468  ",
		IsVacant:           true,
		HasLockbox:         true,
		CreatedBy:          "agent-1",
	}
}

func TestCreateWindow_Success(t *testing.T) {
	store := newFakeStore()
	svc, pool, events := newTestService(store)

	w, err := svc.CreateWindow(context.Background(), validParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if w.ID != "window-1" || w.Status != StatusPendingClaim || w.Claim != nil {
		t.Fatalf("unexpected window %+v", w)
	}
	if w.Priority != PriorityNormal {
		t.Errorf("expected default priority normal, got %q", w.Priority)
	}
	if w.AccessInstructions != "Lockbox on the back door, code 2468" {
		t.Errorf("expected trimmed access instructions, got %q", w.AccessInstructions)
	}
	if !pool.last().committed {
		t.Errorf("expected commit")
	}
	if events.count(EventWindowCreated) != 1 || len(events.topics) != 1 || events.topics[0] != TopicWindowCreated {
		t.Errorf("expected one created event and outbox message, got %+v %v", events.events, events.topics)
	}
}

func TestCreateWindow_RejectionsNeverTouchStore(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CreateWindowParams)
		reason string
	}{
		{"occupied", func(p *CreateWindowParams) { p.IsVacant = false }, "occupied"},
		{"no lockbox", func(p *CreateWindowParams) { p.HasLockbox = false }, "lockbox"},
		{"no access", func(p *CreateWindowParams) { p.AccessInstructions = " " }, "Access"},
		{"too short", func(p *CreateWindowParams) { p.EndDate = mustDate("2025-01-08") }, "at least 2 days"},
		{"too long", func(p *CreateWindowParams) { p.EndDate = mustDate("2025-01-22") }, "14 days"},
		{"past", func(p *CreateWindowParams) {
			p.StartDate = mustDate("2025-01-01")
			p.EndDate = mustDate("2025-01-05")
		}, "future"},
		{"bad priority", func(p *CreateWindowParams) { p.Priority = "urgent" }, "priority"},
		{"no territory", func(p *CreateWindowParams) { p.TerritoryID = "" }, "territory"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			svc, pool, _ := newTestService(store)
			params := validParams()
			tc.mutate(&params)

			_, err := svc.CreateWindow(context.Background(), params)
			if !errors.Is(err, ErrValidation) || !strings.Contains(Reason(err), tc.reason) {
				t.Fatalf("expected validation error naming %q, got %v", tc.reason, err)
			}
			if store.inserts != 0 || pool.last() != nil {
				t.Fatalf("rejected window reached the store")
			}
		})
	}
}

func TestCreateWindow_Duplicate(t *testing.T) {
	store := newFakeStore(openWindow("window-1", "T1", "2025-01-07", "2025-01-14"))
	svc, pool, _ := newTestService(store)

	_, err := svc.CreateWindow(context.Background(), validParams())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if tx := pool.last(); tx.committed || !tx.rolled {
		t.Errorf("expected rollback on duplicate")
	}
}

func TestUpdateDetails(t *testing.T) {
	ctx := context.Background()
	closed := openWindow("W2", "T1", "2025-01-07", "2025-01-14")
	closed.Status = StatusCancelled
	store := newFakeStore(openWindow("W1", "T1", "2025-01-07", "2025-01-14"), closed)
	svc, _, _ := newTestService(store)

	high := PriorityHigh
	yes := true
	w, err := svc.UpdateDetails(ctx, "W1", DetailsUpdate{Priority: &high, IsExpedited: &yes})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if w.Priority != PriorityHigh || !w.IsExpedited {
		t.Fatalf("update not applied: %+v", w)
	}

	blank := "   "
	if _, err := svc.UpdateDetails(ctx, "W1", DetailsUpdate{AccessInstructions: &blank}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for blank access, got %v", err)
	}
	if _, err := svc.UpdateDetails(ctx, "W1", DetailsUpdate{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty update, got %v", err)
	}
	if _, err := svc.UpdateDetails(ctx, "W2", DetailsUpdate{IsExpedited: &yes}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on cancelled window, got %v", err)
	}
	if _, err := svc.UpdateDetails(ctx, "missing", DetailsUpdate{IsExpedited: &yes}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
