package main

import (
	"context"
	"fmt"

	"github.com/3cpo-dev/dim/internal/config"
	"github.com/3cpo-dev/dim/internal/store"
	"github.com/3cpo-dev/dim/internal/store/badgerstore"
	"github.com/3cpo-dev/dim/internal/store/memory"
	"github.com/3cpo-dev/dim/internal/store/redisstore"
	"github.com/3cpo-dev/dim/internal/store/sqlstore"
)

// openStore opens the lease store selected by cfg.Driver.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverBadger:
		return badgerstore.Open(cfg.Path)
	case config.DriverSQLite:
		return sqlstore.Open(cfg.Path)
	case config.DriverRedis:
		s := redisstore.New(redisstore.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("connect store %s: %w", cfg.Addr, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
