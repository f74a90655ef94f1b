package repository_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/config"
	"github.com/spec-kit/ticket-lifecycle/internal/persistence"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
)

type backendFactory struct {
	name string
	open func(t *testing.T) repository.TicketRepository
}

func backends() []backendFactory {
	return []backendFactory{
		{name: "sqlite", open: openSQLite},
		{name: "redis", open: openRedis},
		{name: "postgres", open: openPostgres},
	}
}

func openSQLite(t *testing.T) repository.TicketRepository {
	t.Helper()
	lite, err := persistence.NewSQLite(context.Background(), config.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "tickets.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(lite.Close)
	require.NoError(t, persistence.RunSQLiteMigrations(context.Background(), lite.DB, zap.NewNop()))
	return repository.NewSQLiteTicketRepository(lite.DB)
}

func openRedis(t *testing.T) repository.TicketRepository {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo, err := repository.NewRedisTicketRepository(client, "test:")
	require.NoError(t, err)
	return repo
}

// openPostgres runs against TICKETS_TEST_POSTGRES_DSN when it is set.
func openPostgres(t *testing.T) repository.TicketRepository {
	t.Helper()
	dsn := os.Getenv("TICKETS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TICKETS_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, persistence.RunMigrations(ctx, pool, zap.NewNop()))
	_, err = pool.Exec(ctx, `TRUNCATE ticket_participants, tickets`)
	require.NoError(t, err)
	return repository.NewPostgresTicketRepository(pool)
}

// forEachBackend runs fn once per adapter with a fresh, empty store.
func forEachBackend(t *testing.T, fn func(t *testing.T, repo repository.TicketRepository)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}
