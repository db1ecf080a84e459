// Package coordinator wires the lease, rebalancer and health monitor of one
// node to its timers and to cluster topology events.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/dim/internal/health"
	"github.com/3cpo-dev/dim/internal/lease"
	"github.com/3cpo-dev/dim/internal/rebalance"
	"github.com/3cpo-dev/dim/internal/scheduler"
	"github.com/3cpo-dev/dim/internal/store"
	"github.com/3cpo-dev/dim/pkg/api"
)

var ErrStopped = errors.New("node not running")

// Membership enumerates the nodes of a service and streams topology events.
type Membership interface {
	rebalance.Membership
	Events() <-chan api.Event
}

// RPC reaches other nodes.
type RPC interface {
	rebalance.Dispatcher
	lease.Pinger
}

type Config struct {
	Service string
	NodeID  string
	Version string

	LeaseTTL     time.Duration
	PingTimeout  time.Duration
	ProbeTimeout time.Duration

	RefreshCron     string
	HealthcheckCron string
	LeaderCheckCron string
}

// Defaults fills unset fields with the reference cadence: refresh every
// 15s against a 30s lease, instance health every 10s, leader health every
// 5s with a 1s ping timeout.
func (c *Config) Defaults() {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = time.Second
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/15 * * * * *"
	}
	if c.HealthcheckCron == "" {
		c.HealthcheckCron = "*/10 * * * * *"
	}
	if c.LeaderCheckCron == "" {
		c.LeaderCheckCron = "*/5 * * * * *"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
}

// Coordinator is one node. Events are handled one at a time, in arrival
// order; inbound apply-batch calls bypass that queue and are serialized by
// the reconciler instead.
type Coordinator struct {
	cfg     Config
	members Membership
	lease   *lease.Manager
	planner *rebalance.Planner
	rec     *rebalance.Reconciler
	health  *health.Monitor
	events  <-chan api.Event

	flow    sync.Mutex
	life    sync.Mutex
	sched   *scheduler.Scheduler
	running atomic.Bool
}

// New creates a stopped coordinator.
func New(app api.Application, s store.Store, members Membership, rpc RPC, cfg Config) *Coordinator {
	cfg.Defaults()
	rec := rebalance.NewReconciler(app, rebalance.NewLocalState())
	return &Coordinator{
		cfg:     cfg,
		members: members,
		lease: lease.New(s, rpc, lease.Config{
			Service:     cfg.Service,
			NodeID:      cfg.NodeID,
			TTL:         cfg.LeaseTTL,
			PingTimeout: cfg.PingTimeout,
		}),
		planner: rebalance.NewPlanner(cfg.Service, app, members, rpc),
		rec:     rec,
		health:  health.New(app, rec, cfg.ProbeTimeout),
		events:  members.Events(),
	}
}

func (c *Coordinator) NodeID() string { return c.cfg.NodeID }

func (c *Coordinator) Lease() *lease.Manager { return c.lease }

func (c *Coordinator) State() *rebalance.LocalState { return c.rec.State() }

func (c *Coordinator) Running() bool { return c.running.Load() }

// Start schedules the three node timers and runs a first leader-conditional
// rebalance.
func (c *Coordinator) Start(ctx context.Context) error {
	c.life.Lock()
	defer c.life.Unlock()
	if c.running.Load() {
		return nil
	}

	sched := scheduler.New()
	jobs := []struct {
		tick Tick
		spec string
	}{
		{tickRefresh, c.cfg.RefreshCron},
		{tickHealth, c.cfg.HealthcheckCron},
		{tickLeaderCheck, c.cfg.LeaderCheckCron},
	}
	for _, j := range jobs {
		tick := j.tick
		if err := sched.Add(tick.Timer, j.spec, func(ctx context.Context) error {
			return c.Handle(ctx, tick)
		}); err != nil {
			return err
		}
	}

	c.rec.Open()
	c.running.Store(true)
	c.sched = sched
	sched.Start()
	log.Info().Str("service", c.cfg.Service).Str("node", c.cfg.NodeID).Msg("Node started")

	c.flow.Lock()
	defer c.flow.Unlock()
	if err := c.rebalanceIfLeader(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial rebalance failed")
	}
	return nil
}

// Stop halts the timers, gives up the lease when held, disconnects every
// managed instance and resets the local table. It returns once all
// teardowns have finished.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.life.Lock()
	defer c.life.Unlock()
	if !c.running.Swap(false) {
		return nil
	}
	c.sched.Stop()
	c.sched = nil

	var errs []error
	if err := c.lease.Release(ctx); err != nil {
		errs = append(errs, err)
	}
	c.rec.TeardownAll(ctx)
	log.Info().Str("service", c.cfg.Service).Str("node", c.cfg.NodeID).Msg("Node stopped")
	return errors.Join(errs...)
}

// Run handles membership events until ctx ends or the event stream closes.
// The subscription is taken in New, so no event is missed between New and
// Run.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.events:
			if !ok {
				return nil
			}
			if err := c.Handle(ctx, ev); err != nil {
				log.Error().Err(err).Str("event", ev.EventName()).Msg("Event handling failed")
			}
		}
	}
}

// Handle processes one event synchronously.
func (c *Coordinator) Handle(ctx context.Context, ev api.Event) error {
	c.flow.Lock()
	defer c.flow.Unlock()

	if d, ok := ev.(api.NodeDisconnected); ok {
		acquired, err := c.lease.HandleNodeDisconnected(ctx, d.ID)
		if err != nil {
			return err
		}
		if !c.running.Load() {
			return nil
		}
		if acquired {
			return c.rebalance(ctx)
		}
		return c.rebalanceIfLeader(ctx)
	}

	if !c.running.Load() {
		return nil
	}
	switch ev := ev.(type) {
	case api.NodeConnected:
		return c.rebalanceIfLeader(ctx)
	case api.ServiceTopologyChanged:
		if ev.Service != c.cfg.Service {
			return nil
		}
		return c.rebalanceIfLeader(ctx)
	case Tick:
		return c.tick(ctx, ev)
	default:
		return fmt.Errorf("unknown event %T", ev)
	}
}

func (c *Coordinator) tick(ctx context.Context, t Tick) error {
	switch t.Timer {
	case scheduler.RefreshLock:
		acquired, err := c.lease.Refresh(ctx)
		if err != nil || !acquired {
			return err
		}
		return c.rebalance(ctx)
	case scheduler.LeaderCheck:
		acquired, err := c.lease.LeaderHealthcheck(ctx)
		if err != nil || !acquired {
			return err
		}
		return c.rebalance(ctx)
	case scheduler.Healthcheck:
		_, err := c.health.Check(ctx)
		return err
	default:
		return fmt.Errorf("unknown timer %q", t.Timer)
	}
}

// rebalanceIfLeader contests a vacant lease, then rebalances if this node
// holds it. Leadership is read from the store every time.
func (c *Coordinator) rebalanceIfLeader(ctx context.Context) error {
	holder, err := c.lease.Leader(ctx)
	if err != nil {
		return err
	}
	if holder == "" {
		if _, err := c.lease.TryAcquire(ctx); err != nil {
			return err
		}
		if holder, err = c.lease.Leader(ctx); err != nil {
			return err
		}
	}
	if !c.lease.IsLeader(holder) {
		return nil
	}
	return c.rebalance(ctx)
}

func (c *Coordinator) rebalance(ctx context.Context) error {
	_, err := c.planner.Rebalance(ctx)
	return err
}

// ApplyBatch is the node-side apply-batch operation.
func (c *Coordinator) ApplyBatch(ctx context.Context, cfgs []api.Configuration) (api.ApplyBatchResponse, error) {
	if !c.running.Load() {
		return api.ApplyBatchResponse{}, ErrStopped
	}
	log.Debug().Int("count", len(cfgs)).Msg("Rebalancing self")
	resp, err := c.rec.Apply(ctx, cfgs)
	if errors.Is(err, rebalance.ErrClosed) {
		return resp, ErrStopped
	}
	return resp, err
}

func (c *Coordinator) Heartbeat() api.HeartbeatResponse {
	return api.HeartbeatResponse{
		Node:    c.cfg.NodeID,
		Service: c.cfg.Service,
		Running: c.running.Load(),
		Time:    time.Now(),
		Version: c.cfg.Version,
	}
}

func (c *Coordinator) Status(ctx context.Context) (api.StatusResponse, error) {
	st, holder, err := c.lease.State(ctx)
	if err != nil {
		return api.StatusResponse{}, err
	}
	fps := c.rec.State().Fingerprints()
	instances := make([]string, len(fps))
	for i, fp := range fps {
		instances[i] = fp.String()
	}
	return api.StatusResponse{
		Node:           c.cfg.NodeID,
		Service:        c.cfg.Service,
		Running:        c.running.Load(),
		Leader:         holder,
		State:          st,
		Configurations: len(c.rec.State().Configurations()),
		Instances:      instances,
	}, nil
}
