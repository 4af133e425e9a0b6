package interfaces

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned when a key is not found in the state store
var ErrKeyNotFound = errors.New("key not found")

// ErrStoreUnavailable is returned when the store cannot be reached after retries
var ErrStoreUnavailable = errors.New("state store unavailable")

// ScoredMember is a sorted-set member with its score
type ScoredMember struct {
	Member string
	Score  float64
}

// StateStore defines the coordination primitives the scheduler and crawl
// registry are built on. All operations are atomic with respect to each
// other; multi-step protocols (admission, finalization) compose them.
type StateStore interface {
	// Sorted sets
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key string, members ...string) (int, error)
	ZCard(ctx context.Context, key string) (int, error)
	ZScore(ctx context.Context, key, member string) (float64, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error)
	ZPopMin(ctx context.Context, key string, count int) ([]ScoredMember, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int, error)
	// ZAddIfCardBelow removes members scored at or below sweepBelow, then
	// adds the member only while the surviving cardinality is under limit,
	// all in one transaction. Concurrent callers on the same key serialize,
	// which is how admission keeps the active set under the plan ceiling.
	ZAddIfCardBelow(ctx context.Context, key, member string, score, sweepBelow float64, limit int) (bool, error)

	// Sets. SAdd returns the number of members that were newly added,
	// which is how lock_url detects already-visited URLs.
	SAdd(ctx context.Context, key string, members ...string) (int, error)
	SRem(ctx context.Context, key string, members ...string) (int, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int, error)

	// Lists
	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, error)
	LRange(ctx context.Context, key string, start, stop int) ([]string, error)
	LLen(ctx context.Context, key string) (int, error)

	// Hashes
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) (int, error)

	// Strings with TTL. SetNX returns false when the key already exists,
	// which is how try_finalize runs at most once per crawl.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) (int, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Close releases the underlying database
	Close() error
}
