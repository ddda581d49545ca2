package anytime

import (
	"context"
	"strings"
	"time"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// AvailableQuery selects unclaimed windows in a territory overlapping the
// inclusive [From, To] date range. Nil bounds are open.
type AvailableQuery struct {
	TerritoryID   string
	From          *time.Time
	To            *time.Time
	FloatPriority bool
	Limit         int
}

func (q AvailableQuery) limit() int {
	if q.Limit <= 0 {
		return defaultListLimit
	}
	if q.Limit > maxListLimit {
		return maxListLimit
	}
	return q.Limit
}

// Queries serves the worker-facing read views. It never mutates windows.
type Queries struct {
	reader Reader
}

func NewQueries(reader Reader) *Queries {
	return &Queries{reader: reader}
}

// ListAvailable returns the windows a worker in the territory may still claim.
func (q *Queries) ListAvailable(ctx context.Context, query AvailableQuery) ([]FlexibleWindow, error) {
	if strings.TrimSpace(query.TerritoryID) == "" {
		return nil, validationError("territory id is required")
	}
	if query.From != nil && query.To != nil && DateOf(*query.To).Before(DateOf(*query.From)) {
		return nil, validationError("date range end is before its start")
	}
	return q.reader.ListByTerritory(ctx, query)
}

// ListClaimed returns the worker's current claims, earliest visit first.
func (q *Queries) ListClaimed(ctx context.Context, workerID string) ([]FlexibleWindow, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, validationError("worker id is required")
	}
	return q.reader.ListClaimedBy(ctx, workerID)
}
