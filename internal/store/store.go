// Package store abstracts the key-value persistence used for subscription
// records and cached provider credentials. Both deployment backends (redis
// and postgres) implement the same contract; the relay core never sees
// which one is in use.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key has no live entry.
var ErrNotFound = errors.New("store: key not found")

// Store is a replace-only key-value contract. A zero ttl means the entry
// never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
