package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/config"
)

// SQLite wraps an embedded database handle.
type SQLite struct {
	DB *sql.DB
}

// SQLiteDSN builds the driver DSN. Write transactions begin IMMEDIATE so the
// reserved lock is taken before any read inside them.
func SQLiteDSN(cfg config.SQLiteConfig) string {
	busy := cfg.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}
	params := url.Values{}
	params.Set("_busy_timeout", strconv.Itoa(busy))
	params.Set("_journal_mode", "WAL")
	params.Set("_txlock", "immediate")
	params.Set("_foreign_keys", "on")
	return "file:" + cfg.Path + "?" + params.Encode()
}

// NewSQLite opens the database file, creating its directory when needed.
func NewSQLite(ctx context.Context, cfg config.SQLiteConfig, logger *zap.Logger) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("SQLITE_PATH is required for the sqlite backend")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", SQLiteDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	logger.Info("opened sqlite database", zap.String("path", cfg.Path))
	return &SQLite{DB: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() {
	if s != nil && s.DB != nil {
		_ = s.DB.Close()
	}
}
