package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxseedlab/partyroom/internal/config"
	"github.com/foxseedlab/partyroom/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/do/v2"
)

const databaseInitTimeout = 15 * time.Second

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (repository.Store, error) {
		cfg := do.MustInvoke[*config.Config](i)
		ctx, cancel := context.WithTimeout(context.Background(), databaseInitTimeout)
		defer cancel()

		switch cfg.StoreDriver {
		case config.StoreDriverMemory:
			slog.Warn("using in-memory store; records are lost on restart")
			return NewMemoryStore(), nil
		case config.StoreDriverSQLite:
			s, err := OpenSQLite(ctx, cfg.SQLitePath)
			if err != nil {
				return nil, fmt.Errorf("failed to open sqlite database: %w", err)
			}
			slog.Info("using sqlite store", "path", cfg.SQLitePath)
			return s, nil
		}

		p, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect database: %w", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		if err := RunMigration(ctx, p); err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to run migration: %w", err)
		}
		return NewPostgresStore(p), nil
	})
}
