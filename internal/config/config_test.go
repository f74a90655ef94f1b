package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("STORAGE_RETRY_FACTOR", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, BackendSQLite, cfg.Storage.Backend)
	require.Equal(t, 3, cfg.Storage.RetryAttempts)
	require.Equal(t, 100, cfg.Storage.RetryBaseMS)
	require.Equal(t, 2.0, cfg.Storage.RetryFactor)
	require.Equal(t, 2000, cfg.Storage.RetryMaxMS)
	require.Equal(t, 10*time.Second, cfg.Storage.OperationTimeout())
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "mongo")
	_, err := Load()
	require.ErrorContains(t, err, "STORAGE_BACKEND")
}

func TestLoadBackendIsCaseInsensitive(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "Redis")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, BackendRedis, cfg.Storage.Backend)
}

func TestParseGuilds(t *testing.T) {
	doc := []byte(`
guilds:
  7:
    staff_roles: [100, 101]
    staff_users: [9]
    ticket_category: 500
    log_channel: 600
  8:
    staff_roles: [200]
`)
	guilds, err := ParseGuilds(doc)
	require.NoError(t, err)
	require.Equal(t, []int64{7, 8}, guilds.IDs())
	require.Equal(t, int64(500), guilds.Get(7).TicketCategory)
	require.True(t, guilds.IsStaffRole(7, 101))
	require.False(t, guilds.IsStaffRole(8, 101))

	ok, err := guilds.HasStaffRole(context.Background(), 7, 9)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = guilds.HasStaffRole(context.Background(), 8, 9)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParseGuildsRejectsInvalidIDs(t *testing.T) {
	_, err := ParseGuilds([]byte("guilds:\n  7:\n    staff_roles: [-1]\n"))
	require.ErrorContains(t, err, "invalid staff role")
}

func TestLoadGuildsMissingFile(t *testing.T) {
	guilds, err := LoadGuilds(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Empty(t, guilds.IDs())
}

func TestLoadGuildsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guilds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("guilds:\n  3:\n    log_channel: 4\n"), 0o600))
	guilds, err := LoadGuilds(path)
	require.NoError(t, err)
	require.Equal(t, int64(4), guilds.Get(3).LogChannel)
}

func TestGuildsReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guilds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("guilds:\n  3:\n    log_channel: 4\n"), 0o600))
	guilds, err := LoadGuilds(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("guilds:\n  3:\n    log_channel: 5\n"), 0o600))
	require.NoError(t, guilds.Reload(path))
	require.Equal(t, int64(5), guilds.Get(3).LogChannel)

	require.NoError(t, os.WriteFile(path, []byte("guilds: [not a map"), 0o600))
	require.Error(t, guilds.Reload(path))
	require.Equal(t, int64(5), guilds.Get(3).LogChannel)

	require.NoError(t, os.Remove(path))
	require.NoError(t, guilds.Reload(path))
	require.Empty(t, guilds.IDs())
}
