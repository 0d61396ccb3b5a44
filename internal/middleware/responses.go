package middleware

import (
	"context"
	"sync"
	"time"

	"lastmile/internal/clock"
)

type storedEntry struct {
	resp    StoredResponse
	expires time.Time
}

// MemoryResponseStore keeps idempotent responses in process. It serves a single replica
// running without Redis. Expired entries are dropped when they are next looked at.
type MemoryResponseStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	done     map[string]storedEntry
	inFlight map[string]time.Time
}

// NewMemoryResponseStore creates a new MemoryResponseStore. A nil clock uses wall time.
func NewMemoryResponseStore(clk clock.Clock) *MemoryResponseStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryResponseStore{
		clock:    clk,
		done:     make(map[string]storedEntry),
		inFlight: make(map[string]time.Time),
	}
}

func (s *MemoryResponseStore) Lookup(ctx context.Context, key string) (*StoredResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.done[key]
	if !ok {
		return nil, nil
	}
	if !s.clock.Now().Before(entry.expires) {
		delete(s.done, key)
		return nil, nil
	}
	resp := entry.resp
	return &resp, nil
}

func (s *MemoryResponseStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if expires, ok := s.inFlight[key]; ok && now.Before(expires) {
		return false, nil
	}
	s.inFlight[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryResponseStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, key)
	return nil
}

func (s *MemoryResponseStore) Remember(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp.Body = append([]byte(nil), resp.Body...)
	s.done[key] = storedEntry{resp: resp, expires: s.clock.Now().Add(ttl)}
	return nil
}

var (
	_ ResponseStore = (*MemoryResponseStore)(nil)
	_ ResponseStore = (*RedisResponseStore)(nil)
)
