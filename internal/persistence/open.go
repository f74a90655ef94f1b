package persistence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/config"
	"github.com/spec-kit/ticket-lifecycle/internal/observability"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
)

// Open connects the backend named by cfg.Storage.Backend, applies its schema
// when it has one, and returns a facade that owns the connection. The choice
// is fixed for the life of the facade.
func Open(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) (*Facade, error) {
	repo, closer, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	facade := NewFacade(repo, cfg.Storage.Backend, OptionsFromConfig(cfg.Storage), metrics, logger)
	facade.closer = closer
	logger.Info("storage ready", zap.String("backend", cfg.Storage.Backend))
	return facade, nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.TicketRepository, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pool, err := ConnectPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Postgres.RunMigrations {
			if err := RunMigrations(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return repository.NewPostgresTicketRepository(pool), pool.Close, nil

	case config.BackendSQLite:
		lite, err := NewSQLite(ctx, cfg.SQLite, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := RunSQLiteMigrations(ctx, lite.DB, logger); err != nil {
			lite.Close()
			return nil, nil, err
		}
		return repository.NewSQLiteTicketRepository(lite.DB), lite.Close, nil

	case config.BackendRedis:
		client := connectRedis(ctx, cfg.Redis, logger)
		closeClient := func() { _ = client.Close() }
		repo, err := repository.NewRedisTicketRepository(client, cfg.Redis.KeyPrefix)
		if err != nil {
			closeClient()
			return nil, nil, err
		}
		return repo, closeClient, nil
	}
	return nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
}
