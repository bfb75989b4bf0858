// Package store defines the backing-store abstraction required by the
// Dynamic Profile Store, the Secondary Index Maintainer, and the TTL-Aware
// Expiry Reaper: a keyed opaque-bytes store with per-key TTL, an
// ordered-by-score set, a plain set, an atomic integer, a server-side
// scripting primitive, and a non-blocking TTL-bounded lease.
//
// internal/store/redisstore provides the only concrete implementation,
// backed by github.com/redis/go-redis/v9, but domain packages depend on
// these interfaces so that a test double (or a future non-Redis backend)
// can stand in without touching domain logic.
package store

import (
	"context"
	"time"
)

// KeyedStore is a keyed opaque-bytes store with per-key TTL.
type KeyedStore interface {
	// Set writes value under key without altering any existing TTL.
	Set(ctx context.Context, key string, value []byte) error

	// SetWithTTL writes value under key and sets its TTL.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value stored under key. ok is false if the key is
	// absent; this is never represented as an error (NotFound is
	// not raised from get/delete).
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Delete removes key. found reports whether the key existed.
	Delete(ctx context.Context, key string) (found bool, err error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// GetTTL returns the remaining TTL for key. A negative duration means
	// the key has no TTL (or is absent); callers should pair with Exists.
	GetTTL(ctx context.Context, key string) (time.Duration, error)

	// ExtendTTL resets key's TTL to ttl without rewriting its value.
	ExtendTTL(ctx context.Context, key string, ttl time.Duration) error
}

// ScoredMember pairs a set member with its score, returned by range queries
// that need the score alongside the member (e.g. query_top_by_pageviews_with_score).
type ScoredMember struct {
	Member string
	Score  float64
}

// OrderedSet is a keyed set ordered by a floating-point score, backed by
// Redis sorted sets (ZADD/ZRANGEBYSCORE/ZREVRANGEBYSCORE/ZREMRANGEBYSCORE).
type OrderedSet interface {
	// AddWithScore inserts or re-scores member. Re-adding an existing member
	// overwrites its score (idempotent under concurrent writers).
	AddWithScore(ctx context.Context, key, member string, score float64) error

	// RemoveScored deletes members from the set. Absent members are ignored.
	RemoveScored(ctx context.Context, key string, members ...string) error

	// RangeByScore returns members with min <= score <= max, ascending,
	// applying offset/count as a LIMIT clause (count < 0 means unlimited).
	RangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]string, error)

	// RangeByScoreWithScores is RangeByScore but also returns each member's score.
	RangeByScoreWithScores(ctx context.Context, key string, min, max float64, offset, count int64) ([]ScoredMember, error)

	// ReverseRangeByScore returns members with min <= score <= max, descending.
	ReverseRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]string, error)

	// CountInScoreRange returns the number of members with min <= score <= max.
	CountInScoreRange(ctx context.Context, key string, min, max float64) (int64, error)

	// RemoveByScoreRange removes all members with min <= score <= max and
	// returns the number removed.
	RemoveByScoreRange(ctx context.Context, key string, min, max float64) (int64, error)

	// Expire sets (or refreshes) the TTL on the set key itself.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// PlainSet is an unordered keyed set, backed by Redis sets (SADD/SREM/SMEMBERS/SCARD).
type PlainSet interface {
	Add(ctx context.Context, key string, members ...string) error
	Remove(ctx context.Context, key string, members ...string) error
	Members(ctx context.Context, key string) ([]string, error)
	Size(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// AtomicCounter is a single store-side integer. The total-user
// counter MUST live here, never in a process-local cache.
type AtomicCounter interface {
	Increment(ctx context.Context, key string, delta int64) (int64, error)
	Decrement(ctx context.Context, key string, delta int64) (int64, error)
	GetCounter(ctx context.Context, key string) (int64, error)
	SetCounter(ctx context.Context, key string, value int64) error
}

// Scripter runs a server-side script atomically against the store. Used by
// the reaper for its reconciliation contract.
type Scripter interface {
	// Eval runs script against keys with the given positional args and
	// returns its raw result (the caller type-asserts per the script's
	// documented return shape).
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
}

// Lease is a non-blocking, TTL-bounded mutual-exclusion primitive. It
// the reaper lease is the only mutex in the system.
type Lease interface {
	// Acquire attempts to take the lease non-blockingly. ok is false if
	// another holder already owns it; token identifies this acquisition
	// and must be presented to Release/Extend.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)

	// Release gives up the lease if token still matches the current holder.
	// Releasing a lease this caller doesn't hold is a safe no-op.
	Release(ctx context.Context, key, token string) error

	// Extend refreshes the lease's TTL if token still matches the current
	// holder. ok is false if the lease was lost (expired or stolen).
	Extend(ctx context.Context, key, token string, ttl time.Duration) (ok bool, err error)
}

// Store is the full backing-store surface required by the Core: a keyed
// store, an ordered set, a plain set, an atomic counter, a scripting
// primitive, and a lease, all addressable from a single client.
type Store interface {
	KeyedStore
	OrderedSet
	PlainSet
	AtomicCounter
	Scripter
	Lease
}
