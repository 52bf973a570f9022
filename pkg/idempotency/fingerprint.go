package idempotency

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
)

// Fingerprint returns a deterministic hash of v: its JSON encoding (map keys
// sorted) hashed with SHA-256 and base64 encoded.
//
// When v cannot be encoded the empty string is returned. An empty fingerprint
// never matches a stored one, so the call runs uncached instead of failing.
func Fingerprint(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}
