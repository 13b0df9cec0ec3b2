package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process. Used by tests and single-instance local runs.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]memoryEntry
}

type memoryEntry struct {
	record  Record
	expires time.Time
}

// NewMemoryStore constructs an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, records: make(map[string]memoryEntry)}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, ttl time.Duration) (Outcome, Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.records[key]; ok && now.Before(entry.expires) {
		outcome, err := classify(entry.record, fingerprint)
		return outcome, entry.record, err
	}
	record := Record{Fingerprint: fingerprint}
	s.records[key] = memoryEntry{record: record, expires: now.Add(ttl)}
	return Proceed, record, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key string, record Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.Completed = true
	s.records[key] = memoryEntry{record: record, expires: s.now().Add(ttl)}
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}
