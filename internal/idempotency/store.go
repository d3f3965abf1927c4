// Package idempotency provides the delivery-id dedup store and the
// per-ticket lock. Both come in a process-local and a Redis-backed flavor
// behind the same ClaimStore interface; the Registry composes them and owns
// the in-flight bookkeeping for the whole process.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// ClaimStore hands out at-most-once claims on string keys with a TTL.
type ClaimStore interface {
	// TryClaim returns true when the caller now owns key.
	TryClaim(ctx context.Context, key string) (bool, error)
	// Release frees key before its TTL expires.
	Release(ctx context.Context, key string) error
	Close() error
}

// MemoryStore is a TTL set guarded by a mutex. Expired entries are swept
// lazily on access, at most once per sweep interval, so a quiet store never
// grows without bound.
type MemoryStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	expiry    map[string]time.Time
	sweepEach time.Duration
	lastSweep time.Time
}

func NewMemoryStore(ttl time.Duration, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		ttl:       ttl,
		now:       now,
		expiry:    make(map[string]time.Time),
		sweepEach: clampSweepInterval(ttl),
	}
}

func clampSweepInterval(ttl time.Duration) time.Duration {
	switch {
	case ttl < time.Second:
		return time.Second
	case ttl > time.Minute:
		return time.Minute
	}
	return ttl
}

func (s *MemoryStore) TryClaim(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	if deadline, ok := s.expiry[key]; ok && now.Before(deadline) {
		return false, nil
	}
	s.expiry[key] = now.Add(s.ttl)
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expiry, key)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry = make(map[string]time.Time)
	return nil
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < s.sweepEach {
		return
	}
	s.lastSweep = now
	for key, deadline := range s.expiry {
		if !now.Before(deadline) {
			delete(s.expiry, key)
		}
	}
}

var _ ClaimStore = (*MemoryStore)(nil)
