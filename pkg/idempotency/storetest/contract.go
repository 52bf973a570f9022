// Package storetest provides contract tests for [idempotency.Store]
// implementations.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mintflow/mintflow/pkg/idempotency"
)

// Factory creates a fresh [idempotency.Store] for each test.
type Factory func(t *testing.T) idempotency.Store

// Run exercises the [idempotency.Store] contract.
func Run(t *testing.T, factory Factory) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	record := func(key, fingerprint string, createdAt time.Time) idempotency.Record {
		return idempotency.Record{
			Key:         key,
			Fingerprint: fingerprint,
			Snapshot: idempotency.Snapshot{
				StatusCode: 201,
				Payload:    json.RawMessage(`{"deployment_id":"d1"}`),
			},
			CreatedAt: createdAt,
			ExpiresAt: createdAt.Add(time.Hour),
		}
	}

	t.Run("GetMissing", func(t *testing.T) {
		s := factory(t)
		_, found, err := s.TryGet(context.Background(), "missing")
		if err != nil {
			t.Fatalf("TryGet: %v", err)
		}
		if found {
			t.Fatal("TryGet: found = true for missing key")
		}
	})

	t.Run("InsertAndGet", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		stored, inserted, err := s.TryInsertIfAbsent(ctx, record("k1", "fp-a", base), base)
		if err != nil {
			t.Fatalf("TryInsertIfAbsent: %v", err)
		}
		if !inserted {
			t.Fatal("TryInsertIfAbsent: inserted = false on empty store")
		}
		if stored.Fingerprint != "fp-a" {
			t.Errorf("stored.Fingerprint = %q, want fp-a", stored.Fingerprint)
		}

		got, found, err := s.TryGet(ctx, "k1")
		if err != nil {
			t.Fatalf("TryGet: %v", err)
		}
		if !found {
			t.Fatal("TryGet: record not found after insert")
		}
		if got.Snapshot.StatusCode != 201 {
			t.Errorf("StatusCode = %d, want 201", got.Snapshot.StatusCode)
		}
		if string(got.Snapshot.Payload) != `{"deployment_id":"d1"}` {
			t.Errorf("Payload = %s", got.Snapshot.Payload)
		}
		if !got.ExpiresAt.Equal(base.Add(time.Hour)) {
			t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, base.Add(time.Hour))
		}
	})

	t.Run("FirstWriterWins", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		if _, _, err := s.TryInsertIfAbsent(ctx, record("k1", "fp-a", base), base); err != nil {
			t.Fatalf("first insert: %v", err)
		}
		stored, inserted, err := s.TryInsertIfAbsent(ctx, record("k1", "fp-b", base), base.Add(time.Minute))
		if err != nil {
			t.Fatalf("second insert: %v", err)
		}
		if inserted {
			t.Fatal("second insert: inserted = true over unexpired record")
		}
		if stored.Fingerprint != "fp-a" {
			t.Errorf("stored.Fingerprint = %q, want fp-a", stored.Fingerprint)
		}
	})

	t.Run("ReplaceExpired", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		if _, _, err := s.TryInsertIfAbsent(ctx, record("k1", "fp-a", base), base); err != nil {
			t.Fatalf("first insert: %v", err)
		}
		later := base.Add(2 * time.Hour)
		stored, inserted, err := s.TryInsertIfAbsent(ctx, record("k1", "fp-b", later), later)
		if err != nil {
			t.Fatalf("second insert: %v", err)
		}
		if !inserted {
			t.Fatal("second insert: inserted = false over expired record")
		}
		if stored.Fingerprint != "fp-b" {
			t.Errorf("stored.Fingerprint = %q, want fp-b", stored.Fingerprint)
		}
	})

	t.Run("ConcurrentInsert", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		const workers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				fp := "fp-" + string(rune('a'+i))
				_, inserted, err := s.TryInsertIfAbsent(ctx, record("k1", fp, base), base)
				if err != nil {
					t.Errorf("insert %d: %v", i, err)
					return
				}
				if inserted {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		if wins != 1 {
			t.Fatalf("wins = %d, want exactly 1", wins)
		}
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		if _, _, err := s.TryInsertIfAbsent(ctx, record("old", "fp", base), base); err != nil {
			t.Fatalf("insert old: %v", err)
		}
		fresh := base.Add(90 * time.Minute)
		if _, _, err := s.TryInsertIfAbsent(ctx, record("fresh", "fp", fresh), fresh); err != nil {
			t.Fatalf("insert fresh: %v", err)
		}

		n, err := s.DeleteExpired(ctx, base.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("DeleteExpired: %v", err)
		}
		if n != 1 {
			t.Errorf("DeleteExpired removed %d, want 1", n)
		}
		if _, found, _ := s.TryGet(ctx, "old"); found {
			t.Error("expired record still present")
		}
		if _, found, _ := s.TryGet(ctx, "fresh"); !found {
			t.Error("unexpired record was deleted")
		}
	})
}
