package anytime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Service opens new windows and edits their non-claim details.
type Service struct {
	pool        TxBeginner
	store       Store
	events      eventRecorder
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
	tracer      trace.Tracer
}

func NewService(pool TxBeginner, store Store) *Service {
	return &Service{
		pool:        pool,
		store:       store,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		tracer:      otel.Tracer("mediaflow/anytime"),
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

func (s *Service) WithEvents(timeline EventWriter, outbox OutboxWriter) *Service {
	s.events = eventRecorder{timeline: timeline, outbox: outbox}
	return s
}

// CreateWindow runs the eligibility gate and the window validator, then
// persists the window as pending_claim. Rejected input never reaches the store.
func (s *Service) CreateWindow(ctx context.Context, params CreateWindowParams) (w FlexibleWindow, err error) {
	ctx, span := s.tracer.Start(ctx, "anytime.CreateWindow", trace.WithAttributes(
		attribute.String("listing.id", params.ListingID),
		attribute.String("territory.id", params.TerritoryID),
	))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(params.ListingID) == "" {
		return FlexibleWindow{}, validationError("listing id is required")
	}
	if strings.TrimSpace(params.TerritoryID) == "" {
		return FlexibleWindow{}, validationError("territory id is required")
	}
	if err := CheckEligibility(params.facts()).Err(); err != nil {
		return FlexibleWindow{}, err
	}
	if err := ValidateWindow(params.StartDate, params.EndDate, s.now()); err != nil {
		return FlexibleWindow{}, err
	}

	priority := params.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return FlexibleWindow{}, validationError(fmt.Sprintf("unknown priority %q", priority))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return FlexibleWindow{}, fmt.Errorf("anytime: begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.store.Insert(ctx, tx, FlexibleWindow{
		ID:                 s.idGenerator(),
		ListingID:          params.ListingID,
		TerritoryID:        params.TerritoryID,
		StartDate:          DateOf(params.StartDate),
		EndDate:            DateOf(params.EndDate),
		AccessInstructions: strings.TrimSpace(params.AccessInstructions),
		IsVacant:           params.IsVacant,
		HasLockbox:         params.HasLockbox,
		Status:             StatusPendingClaim,
		Priority:           priority,
		IsExpedited:        params.IsExpedited,
		CreatedBy:          params.CreatedBy,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateWindow) {
			return FlexibleWindow{}, conflictError("window already exists")
		}
		return FlexibleWindow{}, err
	}

	payload := map[string]any{
		"listing_id":   created.ListingID,
		"territory_id": created.TerritoryID,
		"start_date":   FormatDate(created.StartDate),
		"end_date":     FormatDate(created.EndDate),
		"priority":     string(created.Priority),
		"is_expedited": created.IsExpedited,
	}
	if err := s.events.record(ctx, tx, created.ID, EventWindowCreated, params.CreatedBy, TopicWindowCreated, payload); err != nil {
		return FlexibleWindow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return FlexibleWindow{}, fmt.Errorf("anytime: commit create: %w", err)
	}

	serviceLogger(ctx, s.logger, "create", "window_id", created.ID, "territory_id", created.TerritoryID).
		Info("window created", "start_date", FormatDate(created.StartDate), "end_date", FormatDate(created.EndDate))
	return created, nil
}

// UpdateDetails edits access instructions, priority, or the expedited flag.
// Claim state and the date span are never touched here.
func (s *Service) UpdateDetails(ctx context.Context, windowID string, upd DetailsUpdate) (FlexibleWindow, error) {
	if upd.AccessInstructions == nil && upd.Priority == nil && upd.IsExpedited == nil {
		return FlexibleWindow{}, validationError("no fields to update")
	}
	if upd.AccessInstructions != nil {
		trimmed := strings.TrimSpace(*upd.AccessInstructions)
		if trimmed == "" {
			return FlexibleWindow{}, validationError("Access instructions are required")
		}
		upd.AccessInstructions = &trimmed
	}
	if upd.Priority != nil && !upd.Priority.Valid() {
		return FlexibleWindow{}, validationError(fmt.Sprintf("unknown priority %q", *upd.Priority))
	}

	current, err := s.store.GetByID(ctx, windowID)
	if err != nil {
		return FlexibleWindow{}, err
	}
	if current.Status.Terminal() {
		return FlexibleWindow{}, conflictError(fmt.Sprintf("window is %s and can no longer be edited", current.Status))
	}

	return s.store.UpdateDetails(ctx, windowID, upd)
}
