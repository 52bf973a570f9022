package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store backed by a map.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// TryGet implements Store.
func (s *MemoryStore) TryGet(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return Record{}, false, nil
	}
	rec.Snapshot = rec.Snapshot.Clone()
	return rec, true, nil
}

// TryInsertIfAbsent implements Store.
func (s *MemoryStore) TryInsertIfAbsent(ctx context.Context, rec Record, now time.Time) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.Key]; ok && !existing.Expired(now) {
		existing.Snapshot = existing.Snapshot.Clone()
		return existing, false, nil
	}

	rec.Snapshot = rec.Snapshot.Clone()
	s.records[rec.Key] = rec
	rec.Snapshot = rec.Snapshot.Clone()
	return rec, true, nil
}

// DeleteExpired implements Store.
func (s *MemoryStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, rec := range s.records {
		if rec.ExpiresAt.Before(before) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
