// Package kv defines the typed key-value interface the gateway core depends
// on. Consumers never import a Redis driver — cmd/gateway creates the concrete
// adapter (internal/infra) and injects it.
//
// The interface is deliberately minimal: plain keys with TTLs, capped lists,
// non-blocking SCAN iteration, server-side scripts for atomic read-modify-write,
// and pub/sub for the dashboard threat channel.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist. Callers that
// treat absence as a normal condition must check for it with errors.Is.
var ErrNotFound = errors.New("kv: key not found")

// Store is the contract between the gateway core and its backing store.
// All operations honor ctx cancellation and deadlines.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value at key. ttl == 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes value at key only if the key is absent. Returns true if
	// the write happened, false if the key already existed.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// Incr atomically increments the integer at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// LPush prepends values to the list at key.
	LPush(ctx context.Context, key string, values ...[]byte) error

	// LTrim trims the list at key to the given inclusive range.
	LTrim(ctx context.Context, key string, start, stop int64) error

	// LRange returns the list elements in the given inclusive range.
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// Scan iterates keys matching pattern starting at cursor. Returns the
	// matched keys and the next cursor (0 when iteration is complete).
	// Implementations must use non-blocking iteration, never KEYS.
	Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error)

	// Eval runs a server-side script with the given keys and args in a single
	// atomic step. Used for the reputation read-modify-write.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)

	// Publish sends message on a pub/sub channel.
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe registers handler for messages on channel and returns an
	// unsubscribe function. The handler runs on the subscriber goroutine.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)

	// Ping verifies connectivity, for health checks.
	Ping(ctx context.Context) error

	// Close releases the connection pool.
	Close() error
}
