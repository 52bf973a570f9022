// Package idempotency deduplicates operations by a caller-supplied key.
//
// A Guard runs a producer at most once per unexpired key and replays the stored
// Snapshot on later calls with the same request fingerprint. Reusing a key for
// a request with a different fingerprint is rejected with ErrKeyMismatch and
// never overwrites the stored record.
//
// Concurrent first-time calls sharing a key are collapsed in-process with a
// singleflight group, and across processes by the Store's atomic
// TryInsertIfAbsent, so at most one result is ever stored per key.
package idempotency

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultTTL is how long a stored result is replayed.
const DefaultTTL = 24 * time.Hour

// Snapshot is the stored outcome of a producer, replayed verbatim on
// duplicate calls.
type Snapshot struct {
	StatusCode int             `json:"status_code"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{StatusCode: s.StatusCode}
	if s.Payload != nil {
		out.Payload = append(json.RawMessage(nil), s.Payload...)
	}
	return out
}

// Record is one stored idempotency entry.
type Record struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	Snapshot    Snapshot  `json:"snapshot"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the record is no longer valid at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store persists idempotency records. Implementations must be safe for
// concurrent use.
type Store interface {
	// TryGet returns the record for key, including expired ones. The bool is
	// false when no record exists.
	TryGet(ctx context.Context, key string) (Record, bool, error)

	// TryInsertIfAbsent atomically stores rec unless an unexpired record
	// (relative to now) already exists for the key. It returns the record that
	// is stored afterwards and whether rec was the one written.
	TryInsertIfAbsent(ctx context.Context, rec Record, now time.Time) (Record, bool, error)

	// DeleteExpired removes records that expired before the given time and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
