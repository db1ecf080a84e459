package rebalance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/dim/internal/telemetry"
	"github.com/3cpo-dev/dim/pkg/api"
)

var ErrDispatch = errors.New("dispatch batch")

// Membership enumerates the nodes hosting a service, in the same order on
// every node.
type Membership interface {
	NodesForService(ctx context.Context, service string) ([]string, error)
}

// Dispatcher delivers a batch to the apply-batch operation of a node.
type Dispatcher interface {
	ApplyBatch(ctx context.Context, nodeID string, cfgs []api.Configuration) (api.ApplyBatchResponse, error)
}

// Assignment is the batch sent to one node.
type Assignment struct {
	Node           string
	Configurations []api.Configuration
	Result         api.ApplyBatchResponse
	Err            error
}

// Planner runs the leader-side global rebalance.
type Planner struct {
	service    string
	app        api.Application
	members    Membership
	dispatcher Dispatcher
}

func NewPlanner(service string, app api.Application, members Membership, d Dispatcher) *Planner {
	return &Planner{service: service, app: app, members: members, dispatcher: d}
}

// Rebalance partitions the desired configurations across the nodes hosting
// the service and dispatches every batch concurrently. A failed dispatch
// does not stop the others and is not retried; the node stays stale until
// the next rebalance. The returned error joins every dispatch failure.
func (p *Planner) Rebalance(ctx context.Context) ([]Assignment, error) {
	start := time.Now()
	defer telemetry.ObserveSince(telemetry.RebalanceDuration, start)

	nodes, err := p.members.NodesForService(ctx, p.service)
	if err != nil {
		telemetry.Rebalances.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("list nodes for %s: %w", p.service, err)
	}
	if len(nodes) == 0 {
		telemetry.Rebalances.WithLabelValues("skipped").Inc()
		log.Info().Str("service", p.service).Msg("No nodes available, skipping rebalance")
		return nil, nil
	}
	cfgs, err := p.app.DesiredConfigurations(ctx)
	if err != nil {
		telemetry.Rebalances.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("desired configurations: %w", err)
	}

	batches := Partition(cfgs, len(nodes))
	log.Info().
		Str("service", p.service).
		Int("nodes", len(nodes)).
		Int("count", len(cfgs)).
		Int("batch", BatchSize(len(cfgs), len(nodes))).
		Msg("Rebalancing configurations")

	assignments := make([]Assignment, len(nodes))
	var wg sync.WaitGroup
	for i, node := range nodes {
		assignments[i] = Assignment{Node: node, Configurations: batches[i]}
		wg.Add(1)
		go func(a *Assignment) {
			defer wg.Done()
			a.Result, a.Err = p.dispatcher.ApplyBatch(ctx, a.Node, a.Configurations)
			if a.Err != nil {
				telemetry.DispatchFailures.Inc()
				log.Error().Err(a.Err).Str("node", a.Node).Int("count", len(a.Configurations)).Msg("Failed to dispatch batch")
				return
			}
			log.Info().Str("node", a.Node).Int("count", len(a.Configurations)).Msg("Batch dispatched")
		}(&assignments[i])
	}
	wg.Wait()

	var errs []error
	for _, a := range assignments {
		if a.Err != nil {
			errs = append(errs, fmt.Errorf("%w to %s: %w", ErrDispatch, a.Node, a.Err))
		}
	}
	if len(errs) > 0 {
		telemetry.Rebalances.WithLabelValues("error").Inc()
		return assignments, errors.Join(errs...)
	}
	telemetry.Rebalances.WithLabelValues("ok").Inc()
	return assignments, nil
}
