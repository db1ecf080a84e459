// Package lease elects the single node that computes global placement.
//
// Leadership is a momentary read of the record <service>.leader in the
// shared store. Nothing about it is cached locally: every decision reads the
// record again, so a node that lost its lease cannot act on a stale belief.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/dim/internal/store"
	"github.com/3cpo-dev/dim/internal/telemetry"
	"github.com/3cpo-dev/dim/pkg/api"
)

// Pinger reports whether a node answered a liveness ping within timeout.
type Pinger interface {
	Ping(ctx context.Context, nodeID string, timeout time.Duration) bool
}

type Config struct {
	Service     string
	NodeID      string
	TTL         time.Duration
	PingTimeout time.Duration
}

// Manager acquires, renews and fails over the leader lease.
type Manager struct {
	store  store.Store
	pinger Pinger
	cfg    Config
}

func New(s store.Store, p Pinger, cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = time.Second
	}
	return &Manager{store: s, pinger: p, cfg: cfg}
}

// Key is the store key of the lease record.
func (m *Manager) Key() string { return m.cfg.Service + ".leader" }

func (m *Manager) NodeID() string { return m.cfg.NodeID }

// Leader returns the current holder, or "" when nobody holds the lease.
func (m *Manager) Leader(ctx context.Context) (string, error) {
	holder, err := m.store.Get(ctx, m.Key())
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lease %s: %w", m.Key(), err)
	}
	return holder, nil
}

// LeaderWithTTL returns the holder and the remaining lease time.
func (m *Manager) LeaderWithTTL(ctx context.Context) (string, time.Duration, error) {
	holder, ttl, err := m.store.GetWithTTL(ctx, m.Key())
	if errors.Is(err, store.ErrNotFound) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("read lease %s: %w", m.Key(), err)
	}
	return holder, ttl, nil
}

func (m *Manager) IsLeader(holder string) bool {
	return holder != "" && holder == m.cfg.NodeID
}

// State derives this node's view from the lease record.
func (m *Manager) State(ctx context.Context) (api.LeaderState, string, error) {
	holder, err := m.Leader(ctx)
	if err != nil {
		return api.LeaderUnknown, "", err
	}
	switch {
	case holder == "":
		return api.LeaderUnknown, "", nil
	case m.IsLeader(holder):
		return api.LeaderLeading, holder, nil
	default:
		return api.LeaderFollowing, holder, nil
	}
}

// TryAcquire takes the lease through the store mutex: lock, write, release.
// A held mutex or a lease already owned by another node yields false.
func (m *Manager) TryAcquire(ctx context.Context) (bool, error) {
	log.Info().Str("key", m.Key()).Str("node", m.cfg.NodeID).Msg("Attempting to acquire leadership")

	release, err := m.store.TryLock(ctx, m.Key(), m.cfg.TTL)
	if errors.Is(err, store.ErrLocked) {
		telemetry.LeaseTransitions.WithLabelValues("conflict").Inc()
		log.Info().Str("key", m.Key()).Msg("Leadership already being acquired, acting as follower")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", m.Key(), err)
	}

	acquired, err := m.claim(ctx)
	if rerr := release(ctx); rerr != nil {
		log.Warn().Err(rerr).Str("key", m.Key()).Msg("Failed to release leader mutex")
	}
	if err != nil || !acquired {
		return false, err
	}

	telemetry.LeaseTransitions.WithLabelValues("acquired").Inc()
	log.Info().Str("key", m.Key()).Str("node", m.cfg.NodeID).Msg("Leadership acquired, acting as leader")
	return true, nil
}

// claim writes the lease while the mutex is held. A holder that got in
// between the caller's read and the lock keeps the lease.
func (m *Manager) claim(ctx context.Context) (bool, error) {
	holder, err := m.Leader(ctx)
	if err != nil {
		return false, err
	}
	if holder != "" && !m.IsLeader(holder) {
		telemetry.LeaseTransitions.WithLabelValues("conflict").Inc()
		log.Info().Str("key", m.Key()).Str("leader", holder).Msg("Leadership already acquired, acting as follower")
		return false, nil
	}
	if err := m.write(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) write(ctx context.Context) error {
	if err := m.store.Set(ctx, m.Key(), m.cfg.NodeID, m.cfg.TTL); err != nil {
		return fmt.Errorf("write lease %s: %w", m.Key(), err)
	}
	return nil
}

// Refresh runs on the lease-refresh tick. It acquires a vacant lease, renews
// one held by this node and leaves another holder alone. The returned bool
// reports whether leadership was newly acquired.
func (m *Manager) Refresh(ctx context.Context) (bool, error) {
	log.Debug().Str("key", m.Key()).Msg("Refreshing leader lease")

	holder, err := m.Leader(ctx)
	if err != nil {
		log.Error().Err(err).Str("key", m.Key()).Msg("Error refreshing leader lease")
		return false, err
	}
	switch {
	case holder == "":
		log.Debug().Str("key", m.Key()).Msg("There is no leader")
		acquired, err := m.TryAcquire(ctx)
		if err != nil {
			log.Error().Err(err).Str("key", m.Key()).Msg("Error refreshing leader lease")
		}
		return acquired, err
	case m.IsLeader(holder):
		if err := m.write(ctx); err != nil {
			log.Error().Err(err).Str("key", m.Key()).Msg("Error refreshing leader lease")
			return false, err
		}
		telemetry.LeaseTransitions.WithLabelValues("refreshed").Inc()
		log.Debug().Str("key", m.Key()).Msg("Refreshed leader lease")
	}
	return false, nil
}

// LeaderHealthcheck runs on the leader-health tick. An unresponsive leader
// loses its lease; a vacant lease is contested. The returned bool reports
// whether this node became leader, in which case the caller rebalances.
func (m *Manager) LeaderHealthcheck(ctx context.Context) (bool, error) {
	holder, err := m.Leader(ctx)
	if err != nil {
		return false, err
	}
	if m.IsLeader(holder) {
		return false, nil
	}
	if holder != "" {
		if m.pinger.Ping(ctx, holder, m.cfg.PingTimeout) {
			return false, nil
		}
		telemetry.LeaderUnresponsive.Inc()
		log.Warn().Str("leader", holder).Str("key", m.Key()).Msg("Leader is not responding, removing leader lease")
		if deleted, err := m.deleteHolder(ctx, holder); err != nil || !deleted {
			return false, err
		}
	}
	return m.TryAcquire(ctx)
}

// HandleNodeDisconnected fails over at once when the departing node held
// the lease, without waiting for the next leader-health tick.
func (m *Manager) HandleNodeDisconnected(ctx context.Context, nodeID string) (bool, error) {
	holder, err := m.Leader(ctx)
	if err != nil {
		return false, err
	}
	if holder == "" || holder != nodeID {
		return false, nil
	}
	log.Warn().Str("leader", nodeID).Str("key", m.Key()).Msg("Leader disconnected, removing leader lease and attempting to acquire leadership")
	if deleted, err := m.deleteHolder(ctx, nodeID); err != nil || !deleted {
		return false, err
	}
	return m.TryAcquire(ctx)
}

// Release drops the lease if this node holds it, so a successor does not
// have to wait for the TTL.
func (m *Manager) Release(ctx context.Context) error {
	holder, err := m.Leader(ctx)
	if err != nil {
		return err
	}
	if !m.IsLeader(holder) {
		return nil
	}
	if err := m.store.Delete(ctx, m.Key()); err != nil {
		return fmt.Errorf("release lease %s: %w", m.Key(), err)
	}
	telemetry.LeaseTransitions.WithLabelValues("released").Inc()
	log.Info().Str("key", m.Key()).Msg("Leadership released")
	return nil
}

// deleteHolder removes the lease only while stale still holds it, under the
// same mutex TryAcquire takes, so a lease claimed by a successor after the
// caller's read survives. It reports whether the lease was removed; a held
// mutex means another node is acquiring and yields false.
func (m *Manager) deleteHolder(ctx context.Context, stale string) (bool, error) {
	release, err := m.store.TryLock(ctx, m.Key(), m.cfg.TTL)
	if errors.Is(err, store.ErrLocked) {
		log.Info().Str("key", m.Key()).Msg("Leadership being acquired elsewhere, keeping leader lease")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", m.Key(), err)
	}
	defer func() {
		if rerr := release(ctx); rerr != nil {
			log.Warn().Err(rerr).Str("key", m.Key()).Msg("Failed to release leader mutex")
		}
	}()

	holder, err := m.Leader(ctx)
	if err != nil {
		return false, err
	}
	if holder != stale {
		log.Info().Str("key", m.Key()).Str("leader", holder).Msg("Leader lease changed hands, keeping it")
		return holder == "", nil
	}
	if err := m.store.Delete(ctx, m.Key()); err != nil {
		return false, fmt.Errorf("delete lease %s: %w", m.Key(), err)
	}
	telemetry.LeaseTransitions.WithLabelValues("deleted").Inc()
	return true, nil
}
