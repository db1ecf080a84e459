package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/3cpo-dev/dim/pkg/api"
)

var ErrUnreachable = errors.New("node unreachable")

// Loopback routes calls to nodes registered in the same process.
type Loopback struct {
	nodes *xsync.Map[string, Node]
	down  *xsync.Map[string, bool]
}

func NewLoopback() *Loopback {
	return &Loopback{
		nodes: xsync.NewMap[string, Node](),
		down:  xsync.NewMap[string, bool](),
	}
}

func (l *Loopback) Register(nodeID string, n Node) { l.nodes.Store(nodeID, n) }

func (l *Loopback) Unregister(nodeID string) { l.nodes.Delete(nodeID) }

// SetReachable makes calls to nodeID fail, or succeed again, without
// unregistering it.
func (l *Loopback) SetReachable(nodeID string, ok bool) {
	if ok {
		l.down.Delete(nodeID)
		return
	}
	l.down.Store(nodeID, true)
}

func (l *Loopback) node(nodeID string) (Node, error) {
	if _, down := l.down.Load(nodeID); down {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, nodeID)
	}
	n, ok := l.nodes.Load(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	return n, nil
}

func (l *Loopback) ApplyBatch(ctx context.Context, nodeID string, cfgs []api.Configuration) (api.ApplyBatchResponse, error) {
	n, err := l.node(nodeID)
	if err != nil {
		return api.ApplyBatchResponse{}, err
	}
	if cfgs == nil {
		cfgs = []api.Configuration{}
	}
	return n.ApplyBatch(ctx, cfgs)
}

func (l *Loopback) Ping(ctx context.Context, nodeID string, _ time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	n, err := l.node(nodeID)
	if err != nil {
		return false
	}
	return n.Heartbeat().Running
}
