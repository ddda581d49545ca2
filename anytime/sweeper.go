package anytime

import (
	"context"
	"log/slog"
	"time"
)

// Expirer is the part of the coordinator the sweeper drives.
type Expirer interface {
	ExpireOverdue(ctx context.Context, asOf time.Time) (int, error)
}

// Sweeper periodically expires windows whose end date has passed without a
// claim.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

func NewSweeper(expirer Expirer, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		expirer:  expirer,
		interval: interval,
		now:      time.Now,
		logger:   logger.With("component", "sweeper"),
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info("sweeper disabled")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce expires overdue windows as of today and reports how many.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	n, err := s.expirer.ExpireOverdue(ctx, DateOf(s.now()))
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("expiry sweep failed", "error", err)
		}
		return 0
	}
	if n > 0 {
		s.logger.Info("expired overdue windows", "count", n)
	}
	return n
}
