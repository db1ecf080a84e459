// Package health probes the instances managed by this node and recreates
// the ones that fail.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/dim/internal/fingerprint"
	"github.com/3cpo-dev/dim/internal/rebalance"
	"github.com/3cpo-dev/dim/internal/telemetry"
	"github.com/3cpo-dev/dim/pkg/api"
)

// Monitor runs one health cycle per Check call; the scheduler provides the
// cadence.
type Monitor struct {
	prober  api.Prober
	rec     *rebalance.Reconciler
	timeout time.Duration
}

// New creates a monitor. When app does not implement api.Prober every
// cycle is a no-op. A timeout of zero leaves probes unbounded by the
// monitor itself.
func New(app api.Application, rec *rebalance.Reconciler, timeout time.Duration) *Monitor {
	m := &Monitor{rec: rec, timeout: timeout}
	if p, ok := app.(api.Prober); ok {
		m.prober = p
	}
	return m
}

// Enabled reports whether the application can be probed.
func (m *Monitor) Enabled() bool { return m.prober != nil }

// Sweep probes every managed instance concurrently and evicts the ones that
// fail. It returns the evicted fingerprints.
func (m *Monitor) Sweep(ctx context.Context) []fingerprint.Fingerprint {
	if m.prober == nil {
		return nil
	}
	log.Debug().Msg("Performing healthcheck for instances")

	type target struct {
		fp   fingerprint.Fingerprint
		inst api.Instance
	}
	var targets []target
	m.rec.State().Range(func(fp fingerprint.Fingerprint, inst api.Instance) bool {
		targets = append(targets, target{fp, inst})
		return true
	})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		evicted []fingerprint.Fingerprint
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			if err := m.probe(ctx, t.inst); err != nil {
				telemetry.ProbeFailures.Inc()
				log.Warn().Err(err).Str("fingerprint", t.fp.Short()).Msg("Healthcheck failed for instance")
				if m.rec.Evict(ctx, t.fp) {
					mu.Lock()
					evicted = append(evicted, t.fp)
					mu.Unlock()
				}
				return
			}
			log.Debug().Str("fingerprint", t.fp.Short()).Msg("Healthcheck passed for instance")
		}(t)
	}
	wg.Wait()
	return evicted
}

// Check runs a sweep and, when anything was evicted, reconciles against
// the last applied configurations so the evicted instances are recreated.
func (m *Monitor) Check(ctx context.Context) (api.ApplyBatchResponse, error) {
	evicted := m.Sweep(ctx)
	if len(evicted) == 0 {
		return api.ApplyBatchResponse{Managed: m.rec.State().Len()}, nil
	}
	log.Info().Int("count", len(evicted)).Msg("Recreating unhealthy instances")
	return m.rec.Reapply(ctx)
}

// probe turns a panic in the application probe into a failure of that
// instance alone.
func (m *Monitor) probe(ctx context.Context, inst api.Instance) (err error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", api.ErrHealth, r)
		}
	}()
	if err := m.prober.ProbeInstance(ctx, inst); err != nil {
		return fmt.Errorf("%w: %w", api.ErrHealth, err)
	}
	return nil
}
