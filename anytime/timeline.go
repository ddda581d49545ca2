package anytime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const (
	EventWindowCreated   = "WINDOW_CREATED"
	EventWindowClaimed   = "WINDOW_CLAIMED"
	EventWindowReleased  = "WINDOW_RELEASED"
	EventWindowScheduled = "WINDOW_SCHEDULED"
	EventWindowCancelled = "WINDOW_CANCELLED"
	EventWindowExpired   = "WINDOW_EXPIRED"
)

const (
	TopicWindowCreated   = "window.created"
	TopicWindowClaimed   = "window.claimed"
	TopicWindowReleased  = "window.released"
	TopicWindowScheduled = "window.scheduled"
	TopicWindowCancelled = "window.cancelled"
	TopicWindowExpired   = "window.expired"
)

// EventWriter appends an immutable history entry for a window inside the
// caller's transaction.
type EventWriter interface {
	Append(ctx context.Context, tx pgx.Tx, windowID, eventType, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues a message for downstream delivery inside the caller's
// transaction. Notification fan-out happens elsewhere.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type PGTimeline struct{}

func NewTimeline() *PGTimeline {
	return &PGTimeline{}
}

func (PGTimeline) Append(ctx context.Context, tx pgx.Tx, windowID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("anytime: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	const q = `
INSERT INTO window_events (window_id, type, actor_id, payload)
VALUES ($1, $2, $3, $4::jsonb)
`
	if _, err := tx.Exec(ctx, q, windowID, eventType, actor, string(body)); err != nil {
		return fmt.Errorf("anytime: insert timeline event: %w", err)
	}
	return nil
}

type PGOutbox struct{}

func NewOutbox() *PGOutbox {
	return &PGOutbox{}
}

func (PGOutbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("anytime: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, string(body)); err != nil {
		return fmt.Errorf("anytime: enqueue outbox: %w", err)
	}
	return nil
}

type eventRecorder struct {
	timeline EventWriter
	outbox   OutboxWriter
}

func (e eventRecorder) record(ctx context.Context, tx pgx.Tx, windowID, eventType, actorID, topic string, payload map[string]any) error {
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["window_id"] = windowID

	if e.timeline != nil {
		if err := e.timeline.Append(ctx, tx, windowID, eventType, actorID, payload); err != nil {
			return err
		}
	}
	if e.outbox != nil {
		if err := e.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
			return err
		}
	}
	return nil
}
