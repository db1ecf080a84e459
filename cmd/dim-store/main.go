package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/dim/internal/store/badgerstore"
	"github.com/3cpo-dev/dim/internal/store/memory"
	"github.com/3cpo-dev/dim/internal/store/resp"
)

func openBackend(driver, path string) (resp.Backend, error) {
	switch driver {
	case "memory":
		return memory.New(), nil
	case "badger":
		return badgerstore.Open(path)
	default:
		return nil, fmt.Errorf("unknown driver %q: want memory or badger", driver)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dim-store",
		Short:         "Serve a dim lease store over the Redis protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			listen, _ := cmd.Flags().GetString("listen")
			driver, _ := cmd.Flags().GetString("driver")
			path, _ := cmd.Flags().GetString("path")
			password := os.Getenv("DIM_STORE_PASSWORD")

			backend, err := openBackend(driver, path)
			if err != nil {
				return err
			}
			defer backend.Close()

			srv := resp.NewServer(listen, backend, password)
			if err := srv.Listen(); err != nil {
				return err
			}
			errc := make(chan error, 1)
			go func() { errc <- srv.Serve() }()
			log.Info().Str("addr", srv.Addr()).Str("driver", driver).Bool("auth", password != "").Msg("dim-store listening")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			select {
			case <-ctx.Done():
				log.Info().Msg("dim-store shutting down")
				return srv.Close()
			case err := <-errc:
				return err
			}
		},
	}
	cmd.Flags().String("listen", "127.0.0.1:6380", "listen address")
	cmd.Flags().String("driver", "memory", "backend: memory or badger")
	cmd.Flags().String("path", "", "badger directory (empty keeps data in memory)")
	return cmd
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root := newRootCmd()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
