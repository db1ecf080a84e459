package membership

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/dim/pkg/api"
)

func drain(ch <-chan api.Event) []api.Event {
	var out []api.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestStatic(t *testing.T) {
	ctx := context.Background()
	s := NewStatic()
	events := s.Events()

	s.Join("a", "127.0.0.1:1", "svc")
	s.Join("b", "127.0.0.1:2", "svc", "other")
	s.Join("c", "", "other")

	nodes, err := s.NodesForService(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, nodes)

	addr, ok := s.Addr("b")
	assert.True(t, ok)
	assert.Equal(t, "127.0.0.1:2", addr)
	_, ok = s.Addr("c")
	assert.False(t, ok)

	assert.Equal(t, []api.Event{
		api.NodeConnected{ID: "a"},
		api.ServiceTopologyChanged{Service: "svc"},
		api.NodeConnected{ID: "b"},
		api.ServiceTopologyChanged{Service: "svc"},
		api.ServiceTopologyChanged{Service: "other"},
		api.NodeConnected{ID: "c"},
		api.ServiceTopologyChanged{Service: "other"},
	}, drain(events))

	s.Leave("a")
	s.Leave("a")
	nodes, _ = s.NodesForService(ctx, "svc")
	assert.Equal(t, []string{"b"}, nodes)
	assert.Equal(t, []api.Event{
		api.NodeDisconnected{ID: "a"},
		api.ServiceTopologyChanged{Service: "svc"},
	}, drain(events))

	s.Join("b", "127.0.0.1:2", "other")
	assert.Equal(t, []api.Event{api.ServiceTopologyChanged{Service: "svc"}}, drain(events))

	s.Close()
	_, open := <-events
	assert.False(t, open)
}

type fakeHeartbeats struct {
	mu    sync.Mutex
	peers map[string]api.HeartbeatResponse
}

func (f *fakeHeartbeats) set(addr string, hb *api.HeartbeatResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hb == nil {
		delete(f.peers, addr)
		return
	}
	f.peers[addr] = *hb
}

func (f *fakeHeartbeats) Heartbeat(_ context.Context, addr string) (api.HeartbeatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hb, ok := f.peers[addr]
	if !ok {
		return api.HeartbeatResponse{}, errors.New("connection refused")
	}
	return hb, nil
}

func alive(id string) *api.HeartbeatResponse {
	return &api.HeartbeatResponse{Node: id, Service: "svc", Running: true, Time: time.Now()}
}

func TestPoller(t *testing.T) {
	ctx := context.Background()
	hb := &fakeHeartbeats{peers: map[string]api.HeartbeatResponse{}}
	peers := []Peer{{ID: "n1", Addr: "h1"}, {ID: "n2", Addr: "h2"}, {ID: "n3", Addr: "h3"}}
	p := NewPoller(peers, hb, PollerConfig{MaxFailures: 2})
	events := p.Events()

	hb.set("h3", alive("n3"))
	hb.set("h1", alive("n1"))
	p.PollOnce(ctx)

	nodes, err := p.NodesForService(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n3"}, nodes, "configuration order, not response order")
	assert.Equal(t, []api.Event{
		api.NodeConnected{ID: "n1"},
		api.NodeConnected{ID: "n3"},
		api.ServiceTopologyChanged{Service: "svc"},
	}, drain(events))

	// steady state emits nothing
	p.PollOnce(ctx)
	assert.Empty(t, drain(events))

	hb.set("h1", nil)
	p.PollOnce(ctx)
	assert.Empty(t, drain(events), "one failure is tolerated")
	p.PollOnce(ctx)
	assert.Equal(t, []api.Event{
		api.NodeDisconnected{ID: "n1"},
		api.ServiceTopologyChanged{Service: "svc"},
	}, drain(events))
	nodes, _ = p.NodesForService(ctx, "svc")
	assert.Equal(t, []string{"n3"}, nodes)

	// a node reporting itself stopped counts as gone
	stopped := alive("n3")
	stopped.Running = false
	hb.set("h3", stopped)
	p.PollOnce(ctx)
	p.PollOnce(ctx)
	nodes, _ = p.NodesForService(ctx, "svc")
	assert.Empty(t, nodes)

	// wrong identity at an address is ignored
	hb.set("h2", alive("n9"))
	p.PollOnce(ctx)
	nodes, _ = p.NodesForService(ctx, "svc")
	assert.Empty(t, nodes)

	addr, ok := p.Addr("n2")
	assert.True(t, ok)
	assert.Equal(t, "h2", addr)
	_, ok = p.Addr("n9")
	assert.False(t, ok)
}

func TestPollerServiceChange(t *testing.T) {
	ctx := context.Background()
	hb := &fakeHeartbeats{peers: map[string]api.HeartbeatResponse{}}
	p := NewPoller([]Peer{{ID: "n1", Addr: "h1"}}, hb, PollerConfig{})
	events := p.Events()
	hb.set("h1", alive("n1"))
	p.PollOnce(ctx)
	drain(events)

	moved := alive("n1")
	moved.Service = "other"
	hb.set("h1", moved)
	p.PollOnce(ctx)
	got := drain(events)
	assert.ElementsMatch(t, []api.Event{
		api.ServiceTopologyChanged{Service: "svc"},
		api.ServiceTopologyChanged{Service: "other"},
	}, got)
}

func TestPollerStartStop(t *testing.T) {
	hb := &fakeHeartbeats{peers: map[string]api.HeartbeatResponse{}}
	hb.set("h1", alive("n1"))
	p := NewPoller([]Peer{{ID: "n1", Addr: "h1"}}, hb, PollerConfig{Interval: 10 * time.Millisecond})
	events := p.Events()
	p.Start(context.Background())

	select {
	case ev := <-events:
		assert.Equal(t, api.NodeConnected{ID: "n1"}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	p.Stop()
	for range events {
	}
}
