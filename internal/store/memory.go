package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used in tests and local development.
// Records are deep-copied on the way in and out so callers cannot mutate
// stored state without going through Set.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]Record)}
}

// Get returns the stored record, or a zero Record when none exists.
func (s *MemoryStore) Get(ctx context.Context, userID, providerName string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyRecord(s.records[Key{UserID: userID, Provider: providerName}]), nil
}

// Set overwrites the stored record.
func (s *MemoryStore) Set(ctx context.Context, userID, providerName string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[Key{UserID: userID, Provider: providerName}] = copyRecord(rec)
	return nil
}

// ListRefreshable returns keys of flows holding a validated token expiring
// before the given instant.
func (s *MemoryStore) ListRefreshable(ctx context.Context, before time.Time) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []Key
	for k, rec := range s.records {
		if rec.Token.Usable() && rec.Token.ExpirationTime.Before(before) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func copyRecord(rec Record) Record {
	if rec.Token == nil {
		return rec
	}
	tok := *rec.Token
	rec.Token = &tok
	return rec
}
