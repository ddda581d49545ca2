package anytime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ClaimRequest asks for an exclusive claim on a window for one day.
type ClaimRequest struct {
	WindowID     string
	WorkerID     string
	ProposedDate time.Time
}

type ClaimResult struct {
	WindowID      string
	WorkerID      string
	ScheduledDate time.Time
	ClaimedAt     time.Time
}

type ReleaseRequest struct {
	WindowID string
	WorkerID string
}

type ReleaseResult struct {
	WindowID string
	Status   Status
}

type CancelRequest struct {
	WindowID string
	ActorID  string
	Reason   string
}

type ScheduleRequest struct {
	WindowID string
	WorkerID string
}

// Coordinator owns every write to a window's claim state. Mutual exclusion
// comes from the store's conditional update, never from process-local locks,
// so any number of coordinator instances may run against the same database.
type Coordinator struct {
	pool   TxBeginner
	store  Store
	events eventRecorder
	now    func() time.Time
	logger *slog.Logger
	tracer trace.Tracer
}

func NewCoordinator(pool TxBeginner, store Store) *Coordinator {
	return &Coordinator{
		pool:   pool,
		store:  store,
		now:    time.Now,
		tracer: otel.Tracer("mediaflow/anytime"),
	}
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

func (c *Coordinator) WithLogger(logger *slog.Logger) *Coordinator {
	c.logger = logger
	return c
}

func (c *Coordinator) WithEvents(timeline EventWriter, outbox OutboxWriter) *Coordinator {
	c.events = eventRecorder{timeline: timeline, outbox: outbox}
	return c
}

// Get re-reads a window. Callers whose claim attempt timed out use it to
// learn the outcome instead of retrying the write.
func (c *Coordinator) Get(ctx context.Context, windowID string) (FlexibleWindow, error) {
	return c.store.GetByID(ctx, windowID)
}

// Claim gives workerID the exclusive claim on a window for the proposed day.
// Exactly one of any number of concurrent claimants succeeds; the others get
// a Conflict naming "claimed".
func (c *Coordinator) Claim(ctx context.Context, req ClaimRequest) (res ClaimResult, err error) {
	ctx, span := c.startSpan(ctx, "anytime.Claim", req.WindowID, req.WorkerID)
	defer func() { endSpan(span, err) }()
	logger := serviceLogger(ctx, c.logger, "claim", "window_id", req.WindowID, "worker_id", req.WorkerID)

	if strings.TrimSpace(req.WindowID) == "" {
		return ClaimResult{}, validationError("window id is required")
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		return ClaimResult{}, validationError("worker id is required")
	}
	if req.ProposedDate.IsZero() {
		return ClaimResult{}, validationError("proposed date is required")
	}

	w, err := c.store.GetByID(ctx, req.WindowID)
	if err != nil {
		return ClaimResult{}, err
	}

	proposed := DateOf(req.ProposedDate)
	if !w.Contains(proposed) {
		return ClaimResult{}, conflictError(fmt.Sprintf("proposed date %s is outside the window %s to %s",
			FormatDate(proposed), FormatDate(w.StartDate), FormatDate(w.EndDate)))
	}
	if w.Claim != nil {
		return ClaimResult{}, conflictError("window is already claimed")
	}
	if w.Status != StatusPendingClaim {
		return ClaimResult{}, conflictError(fmt.Sprintf("window is %s and not open for claims", w.Status))
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("anytime: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	claimedAt := c.now().UTC()
	claimed, err := c.store.ClaimIfUnclaimed(ctx, tx, ClaimWrite{
		WindowID:      w.ID,
		WorkerID:      req.WorkerID,
		ScheduledDate: proposed,
		ClaimedAt:     claimedAt,
	})
	if err != nil {
		if errors.Is(err, errStaleWrite) {
			err = c.classifyClaimMiss(ctx, w.ID)
			logger.Info("claim lost", "error_kind", ErrorKind(err), "reason", Reason(err))
		}
		return ClaimResult{}, err
	}

	payload := map[string]any{
		"worker_id":      req.WorkerID,
		"scheduled_date": FormatDate(proposed),
		"territory_id":   claimed.TerritoryID,
		"listing_id":     claimed.ListingID,
	}
	if err := c.events.record(ctx, tx, w.ID, EventWindowClaimed, req.WorkerID, TopicWindowClaimed, payload); err != nil {
		return ClaimResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		// The outcome is unknown to the caller; they must re-read with Get.
		return ClaimResult{}, fmt.Errorf("anytime: commit claim: %w", err)
	}

	logger.Info("window claimed", "scheduled_date", FormatDate(proposed))
	return ClaimResult{
		WindowID:      claimed.ID,
		WorkerID:      req.WorkerID,
		ScheduledDate: proposed,
		ClaimedAt:     claimedAt,
	}, nil
}

func (c *Coordinator) classifyClaimMiss(ctx context.Context, windowID string) error {
	current, err := c.store.GetByID(ctx, windowID)
	if err != nil {
		return err
	}
	if current.Claim != nil {
		return conflictError("window is already claimed")
	}
	if current.Status != StatusPendingClaim {
		return conflictError(fmt.Sprintf("window is %s and not open for claims", current.Status))
	}
	return conflictError("window was claimed concurrently; re-read before retrying")
}

// Release returns a claimed window to the unclaimed pool. Only the current
// holder may release.
func (c *Coordinator) Release(ctx context.Context, req ReleaseRequest) (res ReleaseResult, err error) {
	ctx, span := c.startSpan(ctx, "anytime.Release", req.WindowID, req.WorkerID)
	defer func() { endSpan(span, err) }()
	logger := serviceLogger(ctx, c.logger, "release", "window_id", req.WindowID, "worker_id", req.WorkerID)

	if strings.TrimSpace(req.WorkerID) == "" {
		return ReleaseResult{}, validationError("worker id is required")
	}

	w, err := c.store.GetByID(ctx, req.WindowID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if w.ClaimedBy() != req.WorkerID {
		return ReleaseResult{}, notAuthorizedToRelease(req)
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("anytime: begin release tx: %w", err)
	}
	defer tx.Rollback(ctx)

	released, err := c.store.ReleaseIfHeld(ctx, tx, w.ID, req.WorkerID)
	if err != nil {
		if errors.Is(err, errStaleWrite) {
			if _, gerr := c.store.GetByID(ctx, w.ID); gerr != nil {
				return ReleaseResult{}, gerr
			}
			return ReleaseResult{}, notAuthorizedToRelease(req)
		}
		return ReleaseResult{}, err
	}

	payload := map[string]any{
		"worker_id":      req.WorkerID,
		"scheduled_date": dateOrNil(w.ScheduledDate),
		"territory_id":   released.TerritoryID,
	}
	if err := c.events.record(ctx, tx, w.ID, EventWindowReleased, req.WorkerID, TopicWindowReleased, payload); err != nil {
		return ReleaseResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ReleaseResult{}, fmt.Errorf("anytime: commit release: %w", err)
	}

	logger.Info("window released")
	return ReleaseResult{WindowID: released.ID, Status: released.Status}, nil
}

func notAuthorizedToRelease(req ReleaseRequest) error {
	return unauthorizedError(fmt.Sprintf("worker %s is not authorized to release window %s", req.WorkerID, req.WindowID))
}

// Schedule confirms a claim: the holder commits to the visit and the window
// leaves the claimable lifecycle with the worker recorded as assignee.
func (c *Coordinator) Schedule(ctx context.Context, req ScheduleRequest) (res FlexibleWindow, err error) {
	ctx, span := c.startSpan(ctx, "anytime.Schedule", req.WindowID, req.WorkerID)
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(req.WorkerID) == "" {
		return FlexibleWindow{}, validationError("worker id is required")
	}

	w, err := c.store.GetByID(ctx, req.WindowID)
	if err != nil {
		return FlexibleWindow{}, err
	}
	if w.ClaimedBy() != req.WorkerID {
		return FlexibleWindow{}, unauthorizedError(fmt.Sprintf("worker %s is not authorized to schedule window %s", req.WorkerID, req.WindowID))
	}

	worker := req.WorkerID
	scheduled, err := c.transition(ctx, Transition{
		WindowID:         w.ID,
		From:             []Status{StatusClaimed},
		To:               StatusScheduled,
		RequireHolder:    req.WorkerID,
		AssignedWorkerID: &worker,
	}, req.WorkerID, EventWindowScheduled, TopicWindowScheduled, map[string]any{
		"worker_id":      req.WorkerID,
		"scheduled_date": dateOrNil(w.ScheduledDate),
	})
	if errors.Is(err, errStaleWrite) {
		return FlexibleWindow{}, unauthorizedError(fmt.Sprintf("worker %s is not authorized to schedule window %s", req.WorkerID, req.WindowID))
	}
	return scheduled, err
}

// Cancel withdraws an open or claimed window. Authorising the actor is the
// host's concern.
func (c *Coordinator) Cancel(ctx context.Context, req CancelRequest) (res FlexibleWindow, err error) {
	ctx, span := c.startSpan(ctx, "anytime.Cancel", req.WindowID, req.ActorID)
	defer func() { endSpan(span, err) }()

	w, err := c.store.GetByID(ctx, req.WindowID)
	if err != nil {
		return FlexibleWindow{}, err
	}
	if w.Status != StatusPendingClaim && w.Status != StatusClaimed {
		return FlexibleWindow{}, conflictError(fmt.Sprintf("window is %s and cannot be cancelled", w.Status))
	}

	var reason *string
	if trimmed := strings.TrimSpace(req.Reason); trimmed != "" {
		reason = &trimmed
	}

	payload := map[string]any{"previous_status": string(w.Status)}
	if holder := w.ClaimedBy(); holder != "" {
		payload["released_worker_id"] = holder
	}
	if reason != nil {
		payload["reason"] = *reason
	}

	cancelled, err := c.transition(ctx, Transition{
		WindowID:     w.ID,
		From:         []Status{StatusPendingClaim, StatusClaimed},
		To:           StatusCancelled,
		CancelReason: reason,
	}, req.ActorID, EventWindowCancelled, TopicWindowCancelled, payload)
	if errors.Is(err, errStaleWrite) {
		current, gerr := c.store.GetByID(ctx, w.ID)
		if gerr != nil {
			return FlexibleWindow{}, gerr
		}
		return FlexibleWindow{}, conflictError(fmt.Sprintf("window is %s and cannot be cancelled", current.Status))
	}
	return cancelled, err
}

func (c *Coordinator) transition(ctx context.Context, t Transition, actorID, eventType, topic string, payload map[string]any) (FlexibleWindow, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return FlexibleWindow{}, fmt.Errorf("anytime: begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := c.store.TransitionIfStatus(ctx, tx, t)
	if err != nil {
		return FlexibleWindow{}, err
	}
	if err := c.events.record(ctx, tx, t.WindowID, eventType, actorID, topic, payload); err != nil {
		return FlexibleWindow{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return FlexibleWindow{}, fmt.Errorf("anytime: commit transition to %s: %w", t.To, err)
	}

	serviceLogger(ctx, c.logger, "transition", "window_id", t.WindowID, "status", string(updated.Status)).Info("window transitioned")
	return updated, nil
}

// ExpireOverdue expires every unclaimed window whose end date is before asOf
// and returns how many were expired.
func (c *Coordinator) ExpireOverdue(ctx context.Context, asOf time.Time) (int, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("anytime: begin expiry tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ids, err := c.store.ExpireBefore(ctx, tx, asOf)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		payload := map[string]any{"as_of": FormatDate(asOf)}
		if err := c.events.record(ctx, tx, id, EventWindowExpired, "", TopicWindowExpired, payload); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("anytime: commit expiry: %w", err)
	}
	return len(ids), nil
}

func (c *Coordinator) startSpan(ctx context.Context, name, windowID, actorID string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("window.id", windowID),
		attribute.String("actor.id", actorID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("error.kind", ErrorKind(err)))
		if ErrorKind(err) == "internal" {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

func dateOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatDate(*t)
}
