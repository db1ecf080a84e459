package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/dim/internal/config"
	"github.com/3cpo-dev/dim/internal/fingerprint"
	"github.com/3cpo-dev/dim/internal/lease"
	"github.com/3cpo-dev/dim/internal/transport"
	"github.com/3cpo-dev/dim/internal/workload"
)

// Create the fingerprint command
func newFingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <file>",
		Short: "Print the fingerprint of every configuration in a YAML or JSON list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgs, err := workload.LoadConfigurations(args[0])
			if err != nil {
				return err
			}
			fps, err := fingerprint.List(cfgs)
			if err != nil {
				return err
			}
			for i, fp := range fps {
				name, _ := cfgs[i]["name"].(string)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", fp, name)
			}
			return nil
		},
	}
}

type noPinger struct{}

func (noPinger) Ping(context.Context, string, time.Duration) bool { return false }

// Create the leader command
func newLeaderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leader",
		Short: "Print the current lease holder and its remaining TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()
			m := lease.New(st, noPinger{}, lease.Config{Service: cfg.Node.Service, NodeID: cfg.Node.ID})
			holder, ttl, err := m.LeaderWithTTL(cmd.Context())
			if err != nil {
				return err
			}
			if holder == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: no leader\n", m.Key())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (ttl %s)\n", m.Key(), holder, ttl.Round(time.Millisecond))
			return nil
		},
	}
}

// Create the status command
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status of a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				token = os.Getenv("DIM_RPC_TOKEN")
			}
			client, err := transport.NewClient(nil, transport.ClientOptions{Token: token, Timeout: 5 * time.Second})
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context(), addr)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:7420", "node address")
	cmd.Flags().String("token", "", "RPC token (defaults to $DIM_RPC_TOKEN)")
	return cmd
}
