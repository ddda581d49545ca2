package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"mediaflow/anytime"
)

// Board is the shared set of window ids the actors contend over.
type Board struct {
	mu  sync.Mutex
	ids []string
}

func (b *Board) Add(id string) {
	b.mu.Lock()
	b.ids = append(b.ids, id)
	b.mu.Unlock()
}

func (b *Board) Pick(r *rand.Rand) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ids) == 0 {
		return "", false
	}
	// Bias toward the newest windows so most of them are still open.
	n := len(b.ids)
	window := n
	if window > 8 {
		window = 8
	}
	return b.ids[n-1-r.Intn(window)], true
}

func (b *Board) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ids)
}

// Stats counts outcomes across all actors.
type Stats struct {
	Claims    atomic.Int64
	Conflicts atomic.Int64
	Releases  atomic.Int64
	Schedules atomic.Int64
	Cancels   atomic.Int64
	Expired   atomic.Int64
	// Internal counts failures with no domain kind, e.g. a backend killed mid-transaction.
	Internal atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("claims=%d conflicts=%d releases=%d schedules=%d cancels=%d expired=%d internal=%d",
		s.Claims.Load(), s.Conflicts.Load(), s.Releases.Load(), s.Schedules.Load(),
		s.Cancels.Load(), s.Expired.Load(), s.Internal.Load())
}

// observe classifies err. Domain failures are expected under contention;
// anything else is counted but tolerated since chaos kills backends.
func (s *Stats) observe(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, anytime.ErrConflict), errors.Is(err, anytime.ErrUnauthorized), errors.Is(err, anytime.ErrNotFound):
		s.Conflicts.Add(1)
	case errors.Is(err, anytime.ErrValidation):
		return fmt.Errorf("unexpected validation failure: %w", err)
	default:
		s.Internal.Add(1)
	}
	return nil
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func jitter(r *rand.Rand, base, spread int) time.Duration {
	return time.Duration(base+r.Intn(spread)) * time.Millisecond
}

// Creator opens a new window in territoryID every so often and posts it to
// the board.
func Creator(ctx context.Context, svc *anytime.Service, board *Board, territoryID string, seed int64, stop <-chan struct{}) error {
	r := rand.New(rand.NewSource(seed))
	for i := 0; ; i++ {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		start := anytime.DateOf(time.Now()).AddDate(0, 0, 1+r.Intn(3))
		w, err := svc.CreateWindow(ctx, anytime.CreateWindowParams{
			ListingID:          fmt.Sprintf("listing-%d-%d", seed, i),
			TerritoryID:        territoryID,
			StartDate:          start,
			EndDate:            start.AddDate(0, 0, anytime.MinWindowDays+r.Intn(anytime.MaxWindowDays-anytime.MinWindowDays+1)),
			AccessInstructions: "Lockbox on the side door",
			IsVacant:           true,
			HasLockbox:         true,
			CreatedBy:          "agent-stress",
		})
		if err == nil {
			board.Add(w.ID)
		} else if errors.Is(err, anytime.ErrValidation) {
			return fmt.Errorf("creator: %w", err)
		}
		time.Sleep(jitter(r, 150, 150))
	}
}

// Claimer races other claimers for windows on the board. After a win it
// mostly releases, occasionally schedules.
func Claimer(ctx context.Context, coord *anytime.Coordinator, board *Board, stats *Stats, workerID string, seed int64, stop <-chan struct{}) error {
	r := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id, ok := board.Pick(r)
		if !ok {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		current, err := coord.Get(ctx, id)
		if err != nil {
			if err := stats.observe(ctx, err); err != nil {
				return err
			}
			continue
		}

		// One attempt in ten proposes a date just past the window.
		day := current.StartDate.AddDate(0, 0, r.Intn(daysIn(current)+1))
		if r.Intn(10) == 0 {
			day = current.EndDate.AddDate(0, 0, 1)
		}
		_, err = coord.Claim(ctx, anytime.ClaimRequest{WindowID: id, WorkerID: workerID, ProposedDate: day})
		if err != nil {
			if err := stats.observe(ctx, err); err != nil {
				return err
			}
			time.Sleep(jitter(r, 5, 15))
			continue
		}
		stats.Claims.Add(1)
		time.Sleep(jitter(r, 10, 30))

		if r.Intn(10) == 0 {
			_, err = coord.Schedule(ctx, anytime.ScheduleRequest{WindowID: id, WorkerID: workerID})
			if err == nil {
				stats.Schedules.Add(1)
			}
		} else {
			_, err = coord.Release(ctx, anytime.ReleaseRequest{WindowID: id, WorkerID: workerID})
			if err == nil {
				stats.Releases.Add(1)
			}
		}
		if err := stats.observe(ctx, err); err != nil {
			return err
		}
	}
}

// Canceller occasionally withdraws a window, racing whoever holds it.
func Canceller(ctx context.Context, coord *anytime.Coordinator, board *Board, stats *Stats, seed int64, stop <-chan struct{}) error {
	r := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		time.Sleep(jitter(r, 300, 400))
		id, ok := board.Pick(r)
		if !ok {
			continue
		}
		_, err := coord.Cancel(ctx, anytime.CancelRequest{WindowID: id, ActorID: "agent-stress", Reason: "listing withdrawn"})
		if err == nil {
			stats.Cancels.Add(1)
		}
		if err := stats.observe(ctx, err); err != nil {
			return err
		}
	}
}

// Sweeper runs the expiry sweep with an as-of date a few days out so some
// short windows expire while claimers still hold them.
func Sweeper(ctx context.Context, coord *anytime.Coordinator, stats *Stats, seed int64, stop <-chan struct{}) error {
	r := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		time.Sleep(jitter(r, 500, 500))
		asOf := anytime.DateOf(time.Now()).AddDate(0, 0, 4)
		n, err := coord.ExpireOverdue(ctx, asOf)
		stats.Expired.Add(int64(n))
		if err := stats.observe(ctx, err); err != nil {
			return err
		}
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, failing one in ten to exercise retries.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, seed int64, stop <-chan struct{}) error {
	r := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if r.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

func daysIn(w anytime.FlexibleWindow) int {
	return int(w.EndDate.Sub(w.StartDate).Hours() / 24)
}
