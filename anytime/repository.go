package anytime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the booking store used by the coordinator and the create-window
// service. Conditional writes return errStaleWrite when their guard fails.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, w FlexibleWindow) (FlexibleWindow, error)
	GetByID(ctx context.Context, id string) (FlexibleWindow, error)
	UpdateDetails(ctx context.Context, id string, upd DetailsUpdate) (FlexibleWindow, error)
	ClaimIfUnclaimed(ctx context.Context, tx pgx.Tx, write ClaimWrite) (FlexibleWindow, error)
	ReleaseIfHeld(ctx context.Context, tx pgx.Tx, windowID, workerID string) (FlexibleWindow, error)
	TransitionIfStatus(ctx context.Context, tx pgx.Tx, t Transition) (FlexibleWindow, error)
	ExpireBefore(ctx context.Context, tx pgx.Tx, asOf time.Time) ([]string, error)
}

// Reader is the read-only side of the booking store.
type Reader interface {
	ListByTerritory(ctx context.Context, q AvailableQuery) ([]FlexibleWindow, error)
	ListClaimedBy(ctx context.Context, workerID string) ([]FlexibleWindow, error)
}

// ClaimWrite is the compare-and-set claim transition.
type ClaimWrite struct {
	WindowID      string
	WorkerID      string
	ScheduledDate time.Time
	ClaimedAt     time.Time
}

// Transition moves a window out of one of From into To, clearing any claim.
// When RequireHolder is set the current claim must belong to that worker.
type Transition struct {
	WindowID         string
	From             []Status
	To               Status
	RequireHolder    string
	AssignedWorkerID *string
	CancelReason     *string
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const windowColumns = `id::text, listing_id, territory_id, start_date, end_date, access_instructions,
       is_vacant, has_lockbox, status::text, claimed_by, claimed_at, scheduled_date,
       assigned_worker_id, priority::text, is_expedited, cancel_reason, created_by, created_at, updated_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, w FlexibleWindow) (FlexibleWindow, error) {
	query := `
		INSERT INTO flexible_windows (id, listing_id, territory_id, start_date, end_date, access_instructions,
			is_vacant, has_lockbox, status, priority, is_expedited, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::window_status, $10::window_priority, $11, $12)
		RETURNING ` + windowColumns

	row := tx.QueryRow(ctx, query,
		w.ID,
		w.ListingID,
		w.TerritoryID,
		DateOf(w.StartDate),
		DateOf(w.EndDate),
		w.AccessInstructions,
		w.IsVacant,
		w.HasLockbox,
		string(w.Status),
		string(w.Priority),
		w.IsExpedited,
		w.CreatedBy,
	)

	created, err := scanWindow(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return FlexibleWindow{}, ErrDuplicateWindow
		}
		return FlexibleWindow{}, fmt.Errorf("anytime: insert window: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (FlexibleWindow, error) {
	if _, err := uuid.Parse(id); err != nil {
		return FlexibleWindow{}, notFoundError(id)
	}

	query := `SELECT ` + windowColumns + ` FROM flexible_windows WHERE id = $1`
	w, err := scanWindow(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FlexibleWindow{}, notFoundError(id)
		}
		return FlexibleWindow{}, fmt.Errorf("anytime: get window: %w", err)
	}
	return w, nil
}

func (r *PGRepository) UpdateDetails(ctx context.Context, id string, upd DetailsUpdate) (FlexibleWindow, error) {
	if _, err := uuid.Parse(id); err != nil {
		return FlexibleWindow{}, notFoundError(id)
	}

	var priority *string
	if upd.Priority != nil {
		p := string(*upd.Priority)
		priority = &p
	}

	query := `
		UPDATE flexible_windows
		SET access_instructions = COALESCE($2, access_instructions),
		    priority = COALESCE($3::window_priority, priority),
		    is_expedited = COALESCE($4, is_expedited),
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + windowColumns

	w, err := scanWindow(r.pool.QueryRow(ctx, query, id, upd.AccessInstructions, priority, upd.IsExpedited))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FlexibleWindow{}, notFoundError(id)
		}
		return FlexibleWindow{}, fmt.Errorf("anytime: update window details: %w", err)
	}
	return w, nil
}

// ClaimIfUnclaimed sets the claim only if nobody holds it at write time.
// Concurrent callers serialise on the row lock; losers re-evaluate the guard
// after the winner commits and match no row.
func (r *PGRepository) ClaimIfUnclaimed(ctx context.Context, tx pgx.Tx, write ClaimWrite) (FlexibleWindow, error) {
	query := `
		UPDATE flexible_windows
		SET status = 'claimed',
		    claimed_by = $2,
		    claimed_at = $3,
		    scheduled_date = $4,
		    updated_at = now()
		WHERE id = $1
		  AND claimed_by IS NULL
		  AND status = 'pending_claim'
		  AND $4::date BETWEEN start_date AND end_date
		RETURNING ` + windowColumns

	w, err := scanWindow(tx.QueryRow(ctx, query, write.WindowID, write.WorkerID, write.ClaimedAt, DateOf(write.ScheduledDate)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FlexibleWindow{}, errStaleWrite
		}
		return FlexibleWindow{}, fmt.Errorf("anytime: claim window: %w", err)
	}
	return w, nil
}

func (r *PGRepository) ReleaseIfHeld(ctx context.Context, tx pgx.Tx, windowID, workerID string) (FlexibleWindow, error) {
	query := `
		UPDATE flexible_windows
		SET status = 'pending_claim',
		    claimed_by = NULL,
		    claimed_at = NULL,
		    scheduled_date = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'claimed'
		  AND claimed_by = $2
		RETURNING ` + windowColumns

	w, err := scanWindow(tx.QueryRow(ctx, query, windowID, workerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FlexibleWindow{}, errStaleWrite
		}
		return FlexibleWindow{}, fmt.Errorf("anytime: release window: %w", err)
	}
	return w, nil
}

func (r *PGRepository) TransitionIfStatus(ctx context.Context, tx pgx.Tx, t Transition) (FlexibleWindow, error) {
	from := make([]string, 0, len(t.From))
	for _, s := range t.From {
		from = append(from, string(s))
	}

	// scheduled keeps the committed date; every other target drops it.
	query := `
		UPDATE flexible_windows
		SET status = $2::window_status,
		    claimed_by = NULL,
		    claimed_at = NULL,
		    scheduled_date = CASE WHEN $2::window_status = 'scheduled' THEN scheduled_date ELSE NULL END,
		    assigned_worker_id = COALESCE($4, assigned_worker_id),
		    cancel_reason = COALESCE($5, cancel_reason),
		    updated_at = now()
		WHERE id = $1
		  AND status::text = ANY($3)
		  AND ($6 = '' OR claimed_by = $6)
		RETURNING ` + windowColumns

	w, err := scanWindow(tx.QueryRow(ctx, query, t.WindowID, string(t.To), from, t.AssignedWorkerID, t.CancelReason, t.RequireHolder))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FlexibleWindow{}, errStaleWrite
		}
		return FlexibleWindow{}, fmt.Errorf("anytime: transition window to %s: %w", t.To, err)
	}
	return w, nil
}

// ExpireBefore moves every unclaimed window whose end date precedes asOf to
// expired and returns the affected ids.
func (r *PGRepository) ExpireBefore(ctx context.Context, tx pgx.Tx, asOf time.Time) ([]string, error) {
	const query = `
		UPDATE flexible_windows
		SET status = 'expired',
		    updated_at = now()
		WHERE status = 'pending_claim'
		  AND claimed_by IS NULL
		  AND end_date < $1
		RETURNING id::text
	`

	rows, err := tx.Query(ctx, query, DateOf(asOf))
	if err != nil {
		return nil, fmt.Errorf("anytime: expire windows: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("anytime: scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("anytime: iterate expired ids: %w", err)
	}
	return ids, nil
}

func (r *PGRepository) ListByTerritory(ctx context.Context, q AvailableQuery) ([]FlexibleWindow, error) {
	where := []string{"territory_id = $1", "status = 'pending_claim'"}
	args := []any{q.TerritoryID}

	if q.From != nil {
		args = append(args, DateOf(*q.From))
		where = append(where, fmt.Sprintf("end_date >= $%d", len(args)))
	}
	if q.To != nil {
		args = append(args, DateOf(*q.To))
		where = append(where, fmt.Sprintf("start_date <= $%d", len(args)))
	}

	order := "start_date ASC, id ASC"
	if q.FloatPriority {
		order = "is_expedited DESC, (priority = 'high') DESC, " + order
	}

	args = append(args, q.limit())
	query := fmt.Sprintf(`SELECT %s FROM flexible_windows WHERE %s ORDER BY %s LIMIT $%d`,
		windowColumns, strings.Join(where, " AND "), order, len(args))

	return r.list(ctx, query, args...)
}

func (r *PGRepository) ListClaimedBy(ctx context.Context, workerID string) ([]FlexibleWindow, error) {
	query := `SELECT ` + windowColumns + `
		FROM flexible_windows
		WHERE status = 'claimed' AND claimed_by = $1
		ORDER BY scheduled_date ASC, id ASC`

	return r.list(ctx, query, workerID)
}

func (r *PGRepository) list(ctx context.Context, query string, args ...any) ([]FlexibleWindow, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("anytime: list windows: %w", err)
	}
	defer rows.Close()

	out := make([]FlexibleWindow, 0, 16)
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, fmt.Errorf("anytime: scan window: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("anytime: iterate windows: %w", err)
	}
	return out, nil
}

func scanWindow(row pgx.Row) (FlexibleWindow, error) {
	var (
		w         FlexibleWindow
		status    string
		priority  string
		claimedBy *string
		claimedAt *time.Time
	)
	err := row.Scan(
		&w.ID,
		&w.ListingID,
		&w.TerritoryID,
		&w.StartDate,
		&w.EndDate,
		&w.AccessInstructions,
		&w.IsVacant,
		&w.HasLockbox,
		&status,
		&claimedBy,
		&claimedAt,
		&w.ScheduledDate,
		&w.AssignedWorkerID,
		&priority,
		&w.IsExpedited,
		&w.CancelReason,
		&w.CreatedBy,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return FlexibleWindow{}, err
	}

	if w.Status, err = ParseStatus(status); err != nil {
		return FlexibleWindow{}, err
	}
	w.Priority = Priority(priority)
	if claimedBy != nil && claimedAt != nil {
		w.Claim = &Claim{WorkerID: *claimedBy, ClaimedAt: *claimedAt}
	}
	return w, nil
}
