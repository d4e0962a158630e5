// Package dedup implements the at-most-once claim gate keyed by killmail
// id. A live claim is the sole authority for "already processed": exactly
// one concurrent claimer wins, everyone else short-circuits.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/riftwatch/killwatch/internal/metrics"
)

// Store is the atomic check-and-set backend. Claim returns true when the
// caller is the first to see id within the TTL window.
type Store interface {
	Claim(ctx context.Context, id int64, ttl time.Duration) (bool, error)
	Release(ctx context.Context, id int64) error
}

// Guard wraps a Store with a fixed TTL and claim metrics.
type Guard struct {
	store Store
	ttl   time.Duration
}

func NewGuard(store Store, ttl time.Duration) *Guard {
	return &Guard{store: store, ttl: ttl}
}

// Claim attempts to claim id. False means a live claim already exists and
// the event must be skipped with no side effects.
func (g *Guard) Claim(ctx context.Context, id int64) (bool, error) {
	claimed, err := g.store.Claim(ctx, id, g.ttl)
	if err != nil {
		metrics.DedupClaims.WithLabelValues("error").Inc()
		return false, err
	}
	if claimed {
		metrics.DedupClaims.WithLabelValues("claimed").Inc()
	} else {
		metrics.DedupClaims.WithLabelValues("duplicate").Inc()
	}
	return claimed, nil
}

// Release drops the claim for id so a later replay can be reprocessed.
// Used when a claimed event fails before producing any side effect.
func (g *Guard) Release(ctx context.Context, id int64) error {
	return g.store.Release(ctx, id)
}

// MemoryStore is the process-local Store. Claims do not survive a restart;
// deployments needing durable dedup use the Redis store instead.
type MemoryStore struct {
	mu      sync.Mutex
	claims  map[int64]time.Time
	nowFn   func() time.Time
	lastGC  time.Time
	gcEvery time.Duration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims:  make(map[int64]time.Time),
		nowFn:   time.Now,
		gcEvery: time.Minute,
	}
}

func (s *MemoryStore) Claim(_ context.Context, id int64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	s.maybeSweep(now)

	if expiry, ok := s.claims[id]; ok && now.Before(expiry) {
		return false, nil
	}
	s.claims[id] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, id)
	return nil
}

// Len reports live (unexpired) claims.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	n := 0
	for _, expiry := range s.claims {
		if now.Before(expiry) {
			n++
		}
	}
	return n
}

// maybeSweep drops expired claims at most once per gcEvery. Must be called
// with mu held.
func (s *MemoryStore) maybeSweep(now time.Time) {
	if now.Sub(s.lastGC) < s.gcEvery {
		return
	}
	s.lastGC = now
	for id, expiry := range s.claims {
		if !now.Before(expiry) {
			delete(s.claims, id)
		}
	}
}
