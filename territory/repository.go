package territory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested territory does not exist.
var ErrNotFound = errors.New("territory: not found")

const maxListLimit = 100

// Repository provides access to the territories table.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) GetByID(ctx context.Context, id string) (Territory, error) {
	const query = `
		SELECT id, name, region, active, created_at
		FROM territories
		WHERE id = $1
	`

	t, err := scanTerritory(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Territory{}, ErrNotFound
		}
		return Territory{}, fmt.Errorf("territory: query by id: %w", err)
	}
	return t, nil
}

// List fetches up to limit territories ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Territory, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	const query = `
		SELECT id, name, region, active, created_at
		FROM territories
		ORDER BY name ASC, id ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("territory: list: %w", err)
	}
	defer rows.Close()

	out := make([]Territory, 0, limit)
	for rows.Next() {
		t, err := scanTerritory(rows)
		if err != nil {
			return nil, fmt.Errorf("territory: scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("territory: iterate: %w", err)
	}
	return out, nil
}

// Upsert creates or replaces a territory. Used by seeding and the load harness.
func (r *Repository) Upsert(ctx context.Context, t Territory) (Territory, error) {
	const query = `
		INSERT INTO territories (id, name, region, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, region = EXCLUDED.region, active = EXCLUDED.active
		RETURNING id, name, region, active, created_at
	`

	region := t.Region
	if region == nil {
		region = []string{}
	}
	saved, err := scanTerritory(r.pool.QueryRow(ctx, query, t.ID, t.Name, region, t.Active))
	if err != nil {
		return Territory{}, fmt.Errorf("territory: upsert: %w", err)
	}
	return saved, nil
}

func scanTerritory(row pgx.Row) (Territory, error) {
	var t Territory
	if err := row.Scan(&t.ID, &t.Name, &t.Region, &t.Active, &t.CreatedAt); err != nil {
		return Territory{}, err
	}
	return t, nil
}
