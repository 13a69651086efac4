package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/gymcloud/accessd/internal/access/store"
	"github.com/gymcloud/accessd/internal/access/store/memory"
	"github.com/gymcloud/accessd/internal/access/store/postgres"
	"github.com/gymcloud/accessd/internal/access/store/sqlite"
	"github.com/gymcloud/accessd/internal/config"
	"github.com/gymcloud/accessd/internal/db"
	"github.com/gymcloud/accessd/internal/db/pg"
	"github.com/gymcloud/accessd/internal/observability/logger"
)

// stores is one driver's implementation of every access store.
type stores struct {
	devices     store.DeviceStore
	credentials store.CredentialStore
	members     store.MemberStore
	events      store.AccessEventStore
	commands    store.CommandStore
	close       func()
}

// openStores opens the configured driver and applies its migrations.
func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	log := logger.Named("store")

	switch cfg.Store.Driver {
	case "memory":
		log.Warn("using in-memory stores; state is lost on restart")
		return &stores{
			devices:     memory.NewDeviceStore(),
			credentials: memory.NewCredentialStore(),
			members:     memory.NewMemberStore(),
			events:      memory.NewAccessEventStore(),
			commands:    memory.NewCommandStore(),
			close:       func() {},
		}, nil

	case "sqlite":
		conn, err := db.Open(ctx, db.Config{Path: cfg.Store.SQLitePath, Env: cfg.Env})
		if err != nil {
			return nil, err
		}
		w := db.NewWorker(conn)
		log.Info("sqlite store ready", zap.String("path", cfg.Store.SQLitePath))
		return &stores{
			devices:     sqlite.NewDeviceStore(conn, w),
			credentials: sqlite.NewCredentialStore(conn, w),
			members:     sqlite.NewMemberStore(conn, w),
			events:      sqlite.NewAccessEventStore(conn, w),
			commands:    sqlite.NewCommandStore(conn, w),
			close: func() {
				w.Close()
				_ = conn.Close()
			},
		}, nil

	case "postgres":
		pool, err := pg.Open(ctx, pg.Config{DSN: cfg.Store.PostgresDSN, MaxConns: cfg.Store.MaxConns})
		if err != nil {
			return nil, err
		}
		s := postgres.New(pool)
		log.Info("postgres store ready", zap.Int32("max_conns", pool.Config().MaxConns))
		return &stores{
			devices:     s.Devices,
			credentials: s.Credentials,
			members:     s.Members,
			events:      s.Events,
			commands:    s.Commands,
			close:       pool.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
