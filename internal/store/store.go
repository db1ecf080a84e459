// Package store defines the shared key/value store the lease manager runs on.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLocked is returned by TryLock when another holder owns the lock.
	ErrLocked = errors.New("store: already locked")
	// ErrNotFound is returned for absent or expired keys.
	ErrNotFound = errors.New("store: key not found")
)

// Release gives up a lock obtained through TryLock.
type Release func(ctx context.Context) error

// Store is a cluster-visible key/value store with TTLs and a mutual exclusion
// primitive. Locks live in their own namespace and never collide with values.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set writes value; ttl <= 0 means the key never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// GetWithTTL returns the value and its remaining ttl, 0 if it never expires.
	GetWithTTL(ctx context.Context, key string) (string, time.Duration, error)
	// TryLock acquires the lock for key, held at most for timeout.
	TryLock(ctx context.Context, key string, timeout time.Duration) (Release, error)
	Close() error
}
