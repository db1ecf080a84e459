package rebalance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/dim/internal/fingerprint"
	"github.com/3cpo-dev/dim/internal/telemetry"
	"github.com/3cpo-dev/dim/pkg/api"
)

// ErrClosed is returned by Apply after TeardownAll until Open is called.
var ErrClosed = errors.New("reconciler closed")

// Reconciler converges the local table to a desired configuration list.
// Reconciliations, evictions and teardown are serialized by one lock per
// node; the creations and removals inside a single call run concurrently.
type Reconciler struct {
	app    api.Application
	state  *LocalState
	mu     sync.Mutex
	closed bool
}

// NewReconciler creates a reconciler writing to state.
func NewReconciler(app api.Application, state *LocalState) *Reconciler {
	return &Reconciler{app: app, state: state}
}

func (r *Reconciler) State() *LocalState { return r.state }

// Open lets Apply create instances again after TeardownAll.
func (r *Reconciler) Open() {
	r.mu.Lock()
	r.closed = false
	r.mu.Unlock()
}

// Apply makes the local table match cfgs. Create failures are collected and
// returned joined; the instances that were created stay in the table.
// Teardown failures are logged and never fail the call. A closed reconciler
// returns ErrClosed without touching the table.
func (r *Reconciler) Apply(ctx context.Context, cfgs []api.Configuration) (api.ApplyBatchResponse, error) {
	fps, err := fingerprint.List(cfgs)
	if err != nil {
		return api.ApplyBatchResponse{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return api.ApplyBatchResponse{}, ErrClosed
	}

	target := make(map[fingerprint.Fingerprint]api.Configuration, len(cfgs))
	for i, fp := range fps {
		if _, dup := target[fp]; !dup {
			target[fp] = cfgs[i]
		}
	}
	toAdd := make(map[fingerprint.Fingerprint]api.Configuration)
	for fp, cfg := range target {
		if _, ok := r.state.Instance(fp); !ok {
			toAdd[fp] = cfg
		}
	}
	var toRemove []fingerprint.Fingerprint
	r.state.Range(func(fp fingerprint.Fingerprint, _ api.Instance) bool {
		if _, ok := target[fp]; !ok {
			toRemove = append(toRemove, fp)
		}
		return true
	})
	r.state.setConfigurations(cfgs)
	telemetry.Reconciliations.Inc()

	log.Debug().
		Int("desired", len(target)).
		Int("add", len(toAdd)).
		Int("remove", len(toRemove)).
		Msg("Reconciling local instances")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	for fp, cfg := range toAdd {
		wg.Add(1)
		go func(fp fingerprint.Fingerprint, cfg api.Configuration) {
			defer wg.Done()
			inst, err := r.app.CreateInstance(ctx, cfg)
			if err != nil {
				telemetry.InstancesCreated.WithLabelValues("error").Inc()
				log.Error().Err(err).Str("fingerprint", fp.Short()).Msg("Failed to create instance")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%w %s: %w", api.ErrCreate, fp.Short(), err))
				mu.Unlock()
				return
			}
			r.state.put(fp, inst)
			telemetry.InstancesCreated.WithLabelValues("ok").Inc()
			log.Info().Str("fingerprint", fp.Short()).Msg("Instance created")
			mu.Lock()
			created++
			mu.Unlock()
		}(fp, cfg)
	}
	for _, fp := range toRemove {
		wg.Add(1)
		go func(fp fingerprint.Fingerprint) {
			defer wg.Done()
			r.evict(ctx, fp)
		}(fp)
	}
	wg.Wait()

	telemetry.InstancesManaged.Set(float64(r.state.Len()))
	resp := api.ApplyBatchResponse{Created: created, Removed: len(toRemove), Managed: r.state.Len()}
	return resp, errors.Join(errs...)
}

// Evict tears down the instance with fingerprint fp and drops it from the
// table. It reports whether the fingerprint was managed.
func (r *Reconciler) Evict(ctx context.Context, fp fingerprint.Fingerprint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok := r.evict(ctx, fp)
	telemetry.InstancesManaged.Set(float64(r.state.Len()))
	return ok
}

// Reapply reconciles against the last applied list, recreating anything
// that was evicted since.
func (r *Reconciler) Reapply(ctx context.Context) (api.ApplyBatchResponse, error) {
	return r.Apply(ctx, r.state.Configurations())
}

// TeardownAll disconnects every managed instance, waiting for all of them,
// then resets the table to empty and closes the reconciler, so a batch
// arriving afterwards cannot repopulate it.
func (r *Reconciler) TeardownAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true

	var wg sync.WaitGroup
	for _, fp := range r.state.Fingerprints() {
		wg.Add(1)
		go func(fp fingerprint.Fingerprint) {
			defer wg.Done()
			r.evict(ctx, fp)
		}(fp)
	}
	wg.Wait()
	r.state.reset()
	telemetry.InstancesManaged.Set(0)
	log.Info().Msg("All instances disconnected")
}

// evict must be called with r.mu held.
func (r *Reconciler) evict(ctx context.Context, fp fingerprint.Fingerprint) bool {
	inst, ok := r.state.Instance(fp)
	if !ok {
		return false
	}
	if d, ok := r.app.(api.Disconnector); ok {
		if err := d.DisconnectInstance(ctx, inst); err != nil {
			telemetry.TeardownFailures.Inc()
			log.Warn().Err(fmt.Errorf("%w: %w", api.ErrTeardown, err)).Str("fingerprint", fp.Short()).Msg("Failed to disconnect instance")
		}
	}
	r.state.remove(fp)
	telemetry.InstancesRemoved.Inc()
	log.Info().Str("fingerprint", fp.Short()).Msg("Instance removed")
	return true
}
