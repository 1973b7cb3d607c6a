package revocation

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	defaultTTL time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemory returns an in-process revocation store. Expired fingerprints are
// reaped lazily on lookup and on Size.
func NewMemory(defaultTTL time.Duration) Store {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &memoryStore{defaultTTL: defaultTTL, entries: make(map[string]time.Time)}
}

func (s *memoryStore) Revoke(_ context.Context, sessionID string, ttl time.Duration) error {
	if sessionID == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionID] = time.Now().Add(ttl)
	return nil
}

func (s *memoryStore) IsRevoked(_ context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.entries[sessionID]
	if !ok {
		return false, nil
	}
	if time.Now().After(until) {
		delete(s.entries, sessionID)
		return false, nil
	}
	return true, nil
}

func (s *memoryStore) Size(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, until := range s.entries {
		if now.After(until) {
			delete(s.entries, id)
		}
	}
	return int64(len(s.entries)), nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}
