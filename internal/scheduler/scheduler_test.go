package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("*/15 * * * * *"))
	assert.NoError(t, Validate("@every 1s"))
	assert.Error(t, Validate("*/15 * * * *"))
	assert.Error(t, Validate("nope"))
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := New()
	var runs atomic.Int32
	require.NoError(t, s.Add(Healthcheck, "@every 1s", func(context.Context) error {
		runs.Add(1)
		return errors.New("logged and retried")
	}))
	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
	s.Stop()
	after := runs.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestSchedulerReplacesJob(t *testing.T) {
	s := New()
	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Add(RefreshLock, "*/15 * * * * *", noop))
	require.NoError(t, s.Add(RefreshLock, "*/5 * * * * *", noop))
	require.NoError(t, s.Add(LeaderCheck, "*/5 * * * * *", noop))
	assert.ElementsMatch(t, []string{RefreshLock, LeaderCheck}, s.Jobs())
	assert.Error(t, s.Add("bad", "x", noop))
}

func TestStopWaitsAndCancels(t *testing.T) {
	s := New()
	started := make(chan struct{}, 1)
	var finished atomic.Bool
	require.NoError(t, s.Add(LeaderCheck, "@every 1s", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	}))
	s.Start()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
	}
	s.Stop()
	assert.True(t, finished.Load())
}
