// Package storetest is a conformance suite every store backend runs.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/dim/internal/store"
)

// Options tune the suite for backends with coarse expiry.
type Options struct {
	// ExpiryWait is slept after writing a 1s TTL before checking it expired.
	// Zero skips the expiry checks.
	ExpiryWait time.Duration
}

// Run exercises s against the Store contract.
func Run(t *testing.T, s store.Store, opts Options) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
	})

	t.Run("SetGetDelete", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "svc.leader", "node-a", 0))
		v, err := s.Get(ctx, "svc.leader")
		require.NoError(t, err)
		assert.Equal(t, "node-a", v)

		v, ttl, err := s.GetWithTTL(ctx, "svc.leader")
		require.NoError(t, err)
		assert.Equal(t, "node-a", v)
		assert.Equal(t, time.Duration(0), ttl)

		require.NoError(t, s.Delete(ctx, "svc.leader"))
		_, err = s.Get(ctx, "svc.leader")
		assert.True(t, errors.Is(err, store.ErrNotFound))
		require.NoError(t, s.Delete(ctx, "svc.leader"), "deleting an absent key")
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k", "one", 30*time.Second))
		require.NoError(t, s.Set(ctx, "k", "two", 30*time.Second))
		v, ttl, err := s.GetWithTTL(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "two", v)
		assert.True(t, ttl > 0 && ttl <= 30*time.Second, "ttl %v", ttl)
	})

	t.Run("LockConflict", func(t *testing.T) {
		release, err := s.TryLock(ctx, "svc.leader", 30*time.Second)
		require.NoError(t, err)
		_, err = s.TryLock(ctx, "svc.leader", 30*time.Second)
		assert.True(t, errors.Is(err, store.ErrLocked), "got %v", err)
		require.NoError(t, release(ctx))

		release, err = s.TryLock(ctx, "svc.leader", 30*time.Second)
		require.NoError(t, err, "lock must be free after release")
		require.NoError(t, release(ctx))
	})

	t.Run("LockNamespace", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "ns", "value", 0))
		release, err := s.TryLock(ctx, "ns", 30*time.Second)
		require.NoError(t, err, "a value must not block the lock")
		v, err := s.Get(ctx, "ns")
		require.NoError(t, err)
		assert.Equal(t, "value", v)
		require.NoError(t, release(ctx))
		require.NoError(t, s.Delete(ctx, "ns"))
	})

	t.Run("MutualExclusion", func(t *testing.T) {
		const n = 16
		var wins atomic.Int32
		var wg sync.WaitGroup
		releases := make(chan store.Release, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				release, err := s.TryLock(ctx, "race", 30*time.Second)
				if err == nil {
					wins.Add(1)
					releases <- release
					return
				}
				if !errors.Is(err, store.ErrLocked) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		close(releases)
		assert.Equal(t, int32(1), wins.Load())
		for r := range releases {
			require.NoError(t, r(ctx))
		}
	})

	if opts.ExpiryWait == 0 {
		return
	}

	t.Run("Expiry", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "short", "v", time.Second))
		_, err := s.TryLock(ctx, "short", time.Second)
		require.NoError(t, err)
		time.Sleep(opts.ExpiryWait)

		_, err = s.Get(ctx, "short")
		assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
		release, err := s.TryLock(ctx, "short", time.Second)
		require.NoError(t, err, "expired lock must be acquirable")
		require.NoError(t, release(ctx))
	})
}
