// Package throttle limits how often a single worker may attempt claims.
// It protects the store from hammering clients; it is not part of claim
// correctness, which rests entirely on the conditional write.
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

const staleAfter = 10 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Local is an in-process per-key token bucket. Each process instance keeps
// its own buckets, so the effective limit scales with replica count.
type Local struct {
	mu        sync.Mutex
	buckets   map[string]*entry
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastPrune time.Time
}

// NewLocal allows perMinute attempts per key with the given burst.
func NewLocal(perMinute, burst int) *Local {
	if perMinute <= 0 {
		perMinute = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Local{
		buckets: make(map[string]*entry),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		now:     time.Now,
	}
}

func (l *Local) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	e, ok := l.buckets[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1), nil
}

// pruneLocked drops buckets idle long enough to have refilled completely.
func (l *Local) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < time.Minute {
		return
	}
	l.lastPrune = now
	for key, e := range l.buckets {
		if now.Sub(e.lastSeen) > staleAfter {
			delete(l.buckets, key)
		}
	}
}

func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
