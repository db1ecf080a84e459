package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/dim/internal/store"
	"github.com/3cpo-dev/dim/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "dim.db"))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))
	storetest.Run(t, s, storetest.Options{ExpiryWait: 1100 * time.Millisecond})
}

func TestPurgeAndTakeover(t *testing.T) {
	// the test drives the clock, so nothing purges behind its back
	s, err := OpenWith(":memory:", Options{PurgeInterval: -1})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	now := time.UnixMilli(1_000_000)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "svc.leader", "node-a", 30*time.Second))
	_, ttl, err := s.GetWithTTL(ctx, "svc.leader")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ttl)

	_, err = s.TryLock(ctx, "svc.leader", 30*time.Second)
	require.NoError(t, err)
	_, err = s.TryLock(ctx, "svc.leader", 30*time.Second)
	assert.ErrorIs(t, err, store.ErrLocked)

	now = now.Add(31 * time.Second)
	_, err = s.Get(ctx, "svc.leader")
	assert.ErrorIs(t, err, store.ErrNotFound)

	release, err := s.TryLock(ctx, "svc.leader", 30*time.Second)
	require.NoError(t, err, "expired lock must be taken over")
	require.NoError(t, release(ctx))

	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBackgroundPurge(t *testing.T) {
	s, err := OpenWith(filepath.Join(t.TempDir(), "dim.db"), Options{PurgeInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "svc.leader", "node-a", 50*time.Millisecond))
	require.NoError(t, s.Set(ctx, "svc.config", "kept", 0))
	_, err = s.TryLock(ctx, "svc.leader", 50*time.Millisecond)
	require.NoError(t, err)

	rows := func(table string) int {
		var n int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return -1
		}
		return n
	}
	assert.Eventually(t, func() bool {
		return rows("kv") == 1 && rows("locks") == 0
	}, 5*time.Second, 20*time.Millisecond)

	v, err := s.Get(ctx, "svc.config")
	require.NoError(t, err)
	assert.Equal(t, "kept", v)
}
