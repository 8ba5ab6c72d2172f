package cache

import (
	"context"
	"time"
)

// Cache is the subset of key-value operations the node uses to publish its state.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Ping verifies the connection is alive
	Ping(ctx context.Context) error

	// Close closes the connection
	Close() error

	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	// HSet writes fields into the hash stored at key
	HSet(ctx context.Context, key string, fields map[string]interface{}) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// ZRangeWithScores returns members with scores in ascending score order.
	// start and stop are zero-based indexes, -1 is the last element.
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)

	// ReplaceSortedSet atomically swaps the content of key for members and sets ttl.
	// An empty members slice deletes the key.
	ReplaceSortedSet(ctx context.Context, key string, members []ZMember, ttl time.Duration) error
}

// ZMember is one member of a sorted set
type ZMember struct {
	Score  float64
	Member string
}
