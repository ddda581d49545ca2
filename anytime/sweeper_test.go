package anytime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeExpirer struct {
	mu    sync.Mutex
	calls []time.Time
	n     int
	err   error
}

func (f *fakeExpirer) ExpireOverdue(ctx context.Context, asOf time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, asOf)
	return f.n, f.err
}

func (f *fakeExpirer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestSweepOnce_UsesCalendarDate(t *testing.T) {
	exp := &fakeExpirer{n: 3}
	s := NewSweeper(exp, time.Minute, nil).WithClock(func() time.Time { return fixedNow })

	if got := s.SweepOnce(context.Background()); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if !exp.calls[0].Equal(DateOf(fixedNow)) {
		t.Fatalf("expected asOf %v, got %v", DateOf(fixedNow), exp.calls[0])
	}

	exp.err = errors.New("db down")
	if got := s.SweepOnce(context.Background()); got != 0 {
		t.Fatalf("expected 0 on error, got %d", got)
	}
}

func TestSweeperRun_SweepsUntilCancelled(t *testing.T) {
	exp := &fakeExpirer{}
	s := NewSweeper(exp, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for exp.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if exp.callCount() < 3 {
		t.Fatalf("expected repeated sweeps, got %d", exp.callCount())
	}
}

func TestSweeperRun_Disabled(t *testing.T) {
	exp := &fakeExpirer{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewSweeper(exp, 0, nil).Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if exp.callCount() != 0 {
		t.Fatalf("disabled sweeper must not sweep")
	}
}
