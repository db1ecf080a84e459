package coordinator

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/dim/internal/membership"
	"github.com/3cpo-dev/dim/internal/store/memory"
	"github.com/3cpo-dev/dim/internal/store/redisstore"
	"github.com/3cpo-dev/dim/internal/store/resp"
	"github.com/3cpo-dev/dim/internal/transport"
	"github.com/3cpo-dev/dim/pkg/api"
)

// TestHTTPCluster runs two nodes over real sockets: HTTP between nodes and
// the Redis protocol to a shared store.
func TestHTTPCluster(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	storeSrv := resp.NewServer("127.0.0.1:0", memory.New(), "")
	require.NoError(t, storeSrv.Listen())
	go func() { _ = storeSrv.Serve() }()
	t.Cleanup(func() { _ = storeSrv.Close() })

	members := membership.NewStatic()
	c, err := transport.NewClient(members, transport.ClientOptions{Token: "tok", Timeout: 2 * time.Second})
	require.NoError(t, err)

	src := &source{}
	src.set("c1", "c2", "c3")

	nodes := map[string]*Coordinator{}
	for _, id := range []string{"A", "B"} {
		st := redisstore.New(redisstore.Options{Addr: storeSrv.Addr()})
		t.Cleanup(func() { _ = st.Close() })

		n := New(&app{src: src, unhealthy: map[string]bool{}}, st, members, c, Config{
			Service:         "svc",
			NodeID:          id,
			RefreshCron:     never,
			HealthcheckCron: never,
			LeaderCheckCron: never,
		})
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		srv := transport.NewServer(n, transport.ServerOptions{Token: "tok"})
		go func() { _ = srv.Serve(ln) }()
		t.Cleanup(func() {
			_ = n.Stop(ctx)
			sctx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil && err != http.ErrServerClosed {
				t.Log(err)
			}
		})
		members.Join(id, ln.Addr().String(), "svc")
		nodes[id] = n
	}

	require.NoError(t, nodes["A"].Start(ctx))
	require.NoError(t, nodes["B"].Start(ctx))
	require.NoError(t, nodes["A"].Handle(ctx, api.NodeConnected{ID: "B"}))

	leader, ttl, err := nodes["B"].Lease().LeaderWithTTL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", leader)
	assert.Greater(t, ttl, 25*time.Second)

	assert.ElementsMatch(t, fps(t, "c1", "c2"), nodes["A"].State().Fingerprints())
	assert.ElementsMatch(t, fps(t, "c3"), nodes["B"].State().Fingerprints())

	// status over the wire
	addr, _ := members.Addr("B")
	st, err := c.Status(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, api.LeaderFollowing, st.State)
	assert.Equal(t, "A", st.Leader)
	assert.Len(t, st.Instances, 1)

	// A stops cleanly: lease released, B takes over on its next leader check
	require.NoError(t, nodes["A"].Stop(ctx))
	members.Leave("A")
	assert.False(t, c.Ping(ctx, "A", time.Second))
	require.NoError(t, nodes["B"].Handle(ctx, tickLeaderCheck))
	leader, _, err = nodes["B"].Lease().LeaderWithTTL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", leader)
	assert.ElementsMatch(t, fps(t, "c1", "c2", "c3"), nodes["B"].State().Fingerprints())
}
