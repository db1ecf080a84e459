package membership

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/dim/pkg/api"
)

// Peer is a cluster member as listed in the configuration.
type Peer struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// Heartbeater fetches the heartbeat of the node listening on addr.
type Heartbeater interface {
	Heartbeat(ctx context.Context, addr string) (api.HeartbeatResponse, error)
}

type PollerConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	// MaxFailures is the number of consecutive failed polls after which a
	// live peer is reported disconnected.
	MaxFailures int
}

type peerState struct {
	live     bool
	fails    int
	services string
}

// Poller derives membership from the heartbeats of a fixed peer list.
// Every node polls the same list, so NodesForService returns the same order
// everywhere.
type Poller struct {
	peers []Peer
	hb    Heartbeater
	cfg   PollerConfig

	mu    sync.RWMutex
	state map[string]*peerState
	bus   broadcaster

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller. Zero config values default to a 2s interval,
// a 1s timeout and 2 failures.
func NewPoller(peers []Peer, hb Heartbeater, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 2
	}
	p := &Poller{peers: peers, hb: hb, cfg: cfg, state: map[string]*peerState{}}
	for _, peer := range peers {
		p.state[peer.ID] = &peerState{}
	}
	return p
}

// Start polls in the background until Stop or ctx ends.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		log.Info().Int("peers", len(p.peers)).Dur("interval", p.cfg.Interval).Msg("Membership poller started")
		p.PollOnce(ctx)
		for {
			select {
			case <-ticker.C:
				p.PollOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends polling and closes every subscription.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.bus.close()
}

type pollResult struct {
	ok      bool
	service string
}

// PollOnce polls every peer concurrently and emits the resulting events.
func (p *Poller) PollOnce(ctx context.Context) {
	results := make([]pollResult, len(p.peers))
	var wg sync.WaitGroup
	for i, peer := range p.peers {
		wg.Add(1)
		go func(i int, peer Peer) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
			defer cancel()
			hb, err := p.hb.Heartbeat(cctx, peer.Addr)
			if err != nil {
				log.Debug().Err(err).Str("node", peer.ID).Msg("Heartbeat failed")
				return
			}
			if hb.Node != "" && hb.Node != peer.ID {
				log.Warn().Str("node", peer.ID).Str("reported", hb.Node).Msg("Peer reports a different node id")
				return
			}
			results[i] = pollResult{ok: hb.Running, service: hb.Service}
		}(i, peer)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return
	}

	var events []api.Event
	changed := map[string]bool{}
	p.mu.Lock()
	for i, peer := range p.peers {
		st := p.state[peer.ID]
		r := results[i]
		switch {
		case r.ok && !st.live:
			st.live, st.fails, st.services = true, 0, r.service
			events = append(events, api.NodeConnected{ID: peer.ID})
			changed[r.service] = true
			log.Info().Str("node", peer.ID).Str("service", r.service).Msg("Node joined")
		case r.ok:
			st.fails = 0
			if st.services != r.service {
				changed[st.services] = true
				changed[r.service] = true
				st.services = r.service
			}
		case st.live:
			st.fails++
			if st.fails >= p.cfg.MaxFailures {
				st.live = false
				events = append(events, api.NodeDisconnected{ID: peer.ID})
				changed[st.services] = true
				log.Warn().Str("node", peer.ID).Int("failures", st.fails).Msg("Node left")
			}
		}
	}
	p.mu.Unlock()

	for _, ev := range events {
		p.bus.emit(ev)
	}
	for svc := range changed {
		if svc != "" {
			p.bus.emit(api.ServiceTopologyChanged{Service: svc})
		}
	}
}

// NodesForService returns the live peers hosting service in configuration
// order.
func (p *Poller) NodesForService(_ context.Context, service string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for _, peer := range p.peers {
		if st := p.state[peer.ID]; st.live && st.services == service {
			out = append(out, peer.ID)
		}
	}
	return out, nil
}

func (p *Poller) Addr(nodeID string) (string, bool) {
	for _, peer := range p.peers {
		if peer.ID == nodeID {
			return peer.Addr, true
		}
	}
	return "", false
}

// Events returns a new subscription to membership events.
func (p *Poller) Events() <-chan api.Event { return p.bus.subscribe() }
