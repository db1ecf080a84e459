package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/dim/internal/config"
	"github.com/3cpo-dev/dim/internal/coordinator"
	"github.com/3cpo-dev/dim/internal/membership"
	"github.com/3cpo-dev/dim/internal/transport"
	"github.com/3cpo-dev/dim/internal/workload"
)

// Create the node command
func newNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetString("id"); v != "" {
				cfg.Node.ID = v
			}
			if v, _ := cmd.Flags().GetString("listen"); v != "" {
				cfg.Node.Listen = v
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg)
		},
	}
	cmd.Flags().String("id", "", "node id (overrides node.id)")
	cmd.Flags().String("listen", "", "listen address (overrides node.listen)")
	return cmd
}

func runNode(ctx context.Context, cfg config.Config) error {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	// the poller resolves node ids for the client, the client fetches
	// heartbeats for the poller
	var poller *membership.Poller
	client, err := transport.NewClient(resolverFunc(func(id string) (string, bool) {
		return poller.Addr(id)
	}), transport.ClientOptions{Token: cfg.RPC.Token, Timeout: cfg.RPC.Timeout, TLS: cfg.RPC.TLS})
	if err != nil {
		return err
	}
	poller = membership.NewPoller(cfg.Cluster.Peers, client, membership.PollerConfig{
		Interval:    cfg.Cluster.PollInterval,
		Timeout:     cfg.Cluster.PingTimeout,
		MaxFailures: cfg.Cluster.MaxFailures,
	})

	app := workload.New(cfg.Workload.Configurations, cfg.Workload.Grace)
	node := coordinator.New(app, st, poller, client, coordinator.Config{
		Service:         cfg.Node.Service,
		NodeID:          cfg.Node.ID,
		Version:         version,
		LeaseTTL:        cfg.Lease.TTL(),
		PingTimeout:     cfg.Lease.PingTimeout(),
		ProbeTimeout:    cfg.Workload.ProbeTimeout,
		RefreshCron:     cfg.Lease.RefreshCron,
		HealthcheckCron: cfg.Lease.HealthcheckCron,
		LeaderCheckCron: cfg.Lease.LeaderHealthcheckCron,
	})

	srv := transport.NewServer(node, transport.ServerOptions{
		Token:   cfg.RPC.Token,
		Metrics: cfg.Telemetry.Metrics,
		TLS:     cfg.RPC.TLS,
	})
	ln, err := net.Listen("tcp", cfg.Node.Listen)
	if err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if err := node.Start(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = node.Run(runCtx) }()
	poller.Start(runCtx)

	log.Info().
		Str("node", cfg.Node.ID).
		Str("service", cfg.Node.Service).
		Str("listen", cfg.Node.Listen).
		Str("store", cfg.Store.Driver).
		Int("peers", len(cfg.Cluster.Peers)).
		Msg("dim node running")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("dim node shutting down")
	case runErr = <-serveErr:
		log.Error().Err(runErr).Msg("Node server failed")
	}

	cancel()
	poller.Stop()
	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	// no apply-batch may arrive once instances are being torn down
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Node server shutdown failed")
	}
	if err := node.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Stop reported errors")
	}
	return runErr
}

type resolverFunc func(id string) (string, bool)

func (f resolverFunc) Addr(id string) (string, bool) { return f(id) }
