// Package membership tells a node which peers host its service and when
// that set changes.
package membership

import (
	"context"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/dim/pkg/api"
)

const eventBuffer = 256

// broadcaster fans events out to every subscriber without blocking.
type broadcaster struct {
	mu   sync.Mutex
	subs []chan api.Event
}

func (b *broadcaster) subscribe() <-chan api.Event {
	ch := make(chan api.Event, eventBuffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *broadcaster) emit(ev api.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("event", ev.EventName()).Msg("Event subscriber is full, dropping event")
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// Static is an in-process membership driven by explicit Join and Leave
// calls. Every node of a single-process cluster shares one Static.
type Static struct {
	mu    sync.RWMutex
	order []string
	nodes map[string]staticNode
	bus   broadcaster
}

type staticNode struct {
	addr     string
	services []string
}

func NewStatic() *Static {
	return &Static{nodes: map[string]staticNode{}}
}

// Join adds nodeID hosting services, or updates its services when it is
// already a member.
func (s *Static) Join(nodeID, addr string, services ...string) {
	s.mu.Lock()
	prev, existed := s.nodes[nodeID]
	s.nodes[nodeID] = staticNode{addr: addr, services: services}
	if !existed {
		s.order = append(s.order, nodeID)
	}
	s.mu.Unlock()

	if !existed {
		s.bus.emit(api.NodeConnected{ID: nodeID})
	}
	for _, svc := range changedServices(prev.services, services) {
		s.bus.emit(api.ServiceTopologyChanged{Service: svc})
	}
}

// Leave removes nodeID.
func (s *Static) Leave(nodeID string) {
	s.mu.Lock()
	prev, existed := s.nodes[nodeID]
	delete(s.nodes, nodeID)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == nodeID })
	s.mu.Unlock()
	if !existed {
		return
	}
	s.bus.emit(api.NodeDisconnected{ID: nodeID})
	for _, svc := range prev.services {
		s.bus.emit(api.ServiceTopologyChanged{Service: svc})
	}
}

// NodesForService returns members hosting service in join order.
func (s *Static) NodesForService(_ context.Context, service string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, id := range s.order {
		if slices.Contains(s.nodes[id].services, service) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Static) Addr(nodeID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeID]
	return n.addr, ok && n.addr != ""
}

// Events returns a new subscription to membership events.
func (s *Static) Events() <-chan api.Event { return s.bus.subscribe() }

// Close ends every subscription.
func (s *Static) Close() { s.bus.close() }

// changedServices is the symmetric difference of a and b.
func changedServices(a, b []string) []string {
	var out []string
	for _, svc := range a {
		if !slices.Contains(b, svc) {
			out = append(out, svc)
		}
	}
	for _, svc := range b {
		if !slices.Contains(a, svc) {
			out = append(out, svc)
		}
	}
	return out
}
