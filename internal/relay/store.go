package relay

import (
	"context"
	"sync"
	"time"
)

// GrantStore records POP-before-SMTP authentication grants by client IP.
// Implementations must be safe for concurrent use by all connection workers.
type GrantStore interface {
	// Grant records a successful authentication for the IP at the given time.
	Grant(ctx context.Context, clientIP string, at time.Time) error
	// LastGrant returns the time of the most recent grant for the IP.
	// The second return value is false when no grant exists.
	LastGrant(ctx context.Context, clientIP string) (time.Time, bool, error)
	// Revoke removes the grant for the IP, if any.
	Revoke(ctx context.Context, clientIP string) error
}

// MemoryGrantStore is an in-process GrantStore backed by a mutex-guarded map.
type MemoryGrantStore struct {
	mu     sync.Mutex
	grants map[string]time.Time
}

// NewMemoryGrantStore creates an empty MemoryGrantStore.
func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{
		grants: make(map[string]time.Time),
	}
}

// Grant records a successful authentication for the IP.
func (s *MemoryGrantStore) Grant(ctx context.Context, clientIP string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[clientIP] = at
	return nil
}

// LastGrant returns the time of the most recent grant for the IP.
func (s *MemoryGrantStore) LastGrant(ctx context.Context, clientIP string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.grants[clientIP]
	return at, ok, nil
}

// Revoke removes the grant for the IP.
func (s *MemoryGrantStore) Revoke(ctx context.Context, clientIP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, clientIP)
	return nil
}
