package cache

import (
	"context"
	"time"
)

// Cache defines the unified interface for cache operations. The
// abstraction keeps the analysis status store swappable without
// touching business logic.
type Cache interface {
	BasicOps
	ZSetOps
	ListOps
	LockOps
	PipelineOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get retrieves the value for the given key
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL
	// If ttl is 0, the key will not expire
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetNX sets the value only if the key does not exist (atomic operation)
	// Returns true if the key was set, false if it already existed
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error

	// Exists checks if one or more keys exist
	// Returns the number of keys that exist
	Exists(ctx context.Context, keys ...string) (int64, error)

	// Expire sets a timeout on a key
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining time to live of a key
	// Returns -1 if the key exists but has no expiration
	// Returns -2 if the key does not exist
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Incr increments the integer value of a key by 1
	Incr(ctx context.Context, key string) (int64, error)
}

// ZSetOps defines sorted set operations used for time-ordered indexes
type ZSetOps interface {
	// ZAdd adds one or more members with scores to a sorted set
	ZAdd(ctx context.Context, key string, members ...ZMember) error

	// ZRem removes one or more members from a sorted set
	ZRem(ctx context.Context, key string, members ...string) error

	// ZRevRangeWithScores returns members with scores in descending order
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)

	// ZCard returns the number of members in a sorted set
	ZCard(ctx context.Context, key string) (int64, error)

	// ZRemRangeByRank removes members in a sorted set by index range
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error
}

// ListOps defines list operations used for capped feeds
type ListOps interface {
	// LPush prepends one or more values to a list
	LPush(ctx context.Context, key string, values ...interface{}) error

	// LRange returns elements from a list by index range
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// LLen returns the length of a list
	LLen(ctx context.Context, key string) (int64, error)

	// LTrim trims a list to the specified range
	LTrim(ctx context.Context, key string, start, stop int64) error
}

// LockOps defines distributed lock operations
type LockOps interface {
	// TryLock attempts to acquire a distributed lock
	// Returns true if lock was acquired, false otherwise
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock releases a distributed lock
	Unlock(ctx context.Context, key string) error
}

// PipelineOps defines pipeline operations for batching commands
type PipelineOps interface {
	// Pipeline executes multiple commands in a pipeline
	Pipeline(ctx context.Context, fn func(pipe Pipeliner) error) error
}

// Pipeliner defines the interface for pipeline operations
type Pipeliner interface {
	Set(key string, value interface{}, ttl time.Duration) error
	Del(keys ...string) error
	Expire(key string, ttl time.Duration) error
	ZAdd(key string, members ...ZMember) error
	ZRemRangeByRank(key string, start, stop int64) error
}

// ZMember represents a member in a sorted set with its score
type ZMember struct {
	Score  float64
	Member string
}
