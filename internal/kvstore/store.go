package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned by Get when the key does not exist.
var ErrNil = errors.New("kvstore: key not found")

// Store is the shared key-value backend used by admission control.
// Every method is bounded by the implementation's operation timeout;
// transport failures and timeouts are reported wrapped in
// models.ErrStoreUnavailable.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining lifetime of key, or 0 when the key is
	// missing or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// IncrWindow atomically adds delta to key and returns the new count
	// together with the key's remaining lifetime. The expiry is set to ttl
	// when the key is created, or on every call when rolling is true.
	IncrWindow(ctx context.Context, key string, delta int64, ttl time.Duration, rolling bool) (int64, time.Duration, error)

	Ping(ctx context.Context) error
	Close() error
}
