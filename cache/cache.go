// Package cache provides a shared classification-result cache keyed by
// content hash. Classifier verdicts for identical text are invariant and
// expensive to recompute, so the cache is deliberately process-wide:
// shared across runs and across processor instances.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Cache stores small opaque values under content-hash keys. A miss is not
// an error: Get reports presence separately so a transient backend failure
// can be distinguished from absence.
type Cache interface {
	// Get returns the cached value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores val under key, replacing any previous value.
	Set(ctx context.Context, key string, val []byte) error
}

// Key derives the cache key for the given content parts. Identical content
// always maps to the same key regardless of which processor computed it.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
