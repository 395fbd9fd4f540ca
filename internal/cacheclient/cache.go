// Package cacheclient implements the Cache Client component (spec §4.3): an
// advisory key/value store with TTL used for response caching, profile and
// history snapshots, and rate-limit counters. Every operation is bounded by
// a short timeout; on timeout reads report a miss and writes report
// best-effort success — the cache is never load-bearing.
package cacheclient

import (
	"context"
	"time"
)

// DefaultTimeout bounds every Cache operation unless the caller's context
// already carries a tighter deadline.
const DefaultTimeout = 200 * time.Millisecond

// Default TTLs for the key namespaces in keys.go (spec §4.3). Callers may
// override with config-supplied values; these are the reference defaults.
const (
	ResponseTTL  = 2 * time.Hour
	EmbeddingTTL = 24 * time.Hour
	ProfileTTL   = 5 * time.Minute
	HistoryTTL   = 60 * time.Second
)

// Cache is the abstract key/value API consumed by the rest of the chat
// serving core. Values are opaque byte strings; callers own encoding.
type Cache interface {
	// Get returns the stored value and true, or nil and false on a miss
	// (including a miss caused by a timeout).
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores value under key with the given TTL. A TTL of zero means no
	// expiry. Set is last-writer-wins and never returns an error the caller
	// must act on — failures are swallowed and logged by the adapter.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	// Incr atomically increments the integer stored at key (treating a
	// missing key as zero) and returns the new value. Returns ok=false if
	// the operation could not be completed within the timeout; callers must
	// treat ok=false as "admit the request" (fail open), never as a denial.
	Incr(ctx context.Context, key string) (value int64, ok bool)
	// Expire sets or refreshes the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration)
	// Delete removes key, if present.
	Delete(ctx context.Context, key string)
}

// boundedContext caps ctx at DefaultTimeout, but never loosens a tighter
// deadline the caller already set.
func boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, hasDeadline := ctx.Deadline(); hasDeadline && time.Until(deadline) <= DefaultTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}
