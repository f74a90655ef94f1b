package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const guildReloadDebounce = 200 * time.Millisecond

// GuildReloader re-reads the guild file.
type GuildReloader interface {
	Reload(path string) error
}

// StartGuildConfigWatcher reloads guilds whenever the file at path changes.
// The parent directory is watched because editors and config management
// usually replace the file rather than write it in place.
func StartGuildConfigWatcher(ctx context.Context, path string, guilds GuildReloader, logger *zap.Logger) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("guild config watcher: %w", err)
	}
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	logger = logger.Named("guild_watcher")

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer watcher.Close()

		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
					continue
				}
				debounce = time.After(guildReloadDebounce)
			case <-debounce:
				debounce = nil
				if err := guilds.Reload(target); err != nil {
					logger.Warn("guild config reload rejected; keeping previous settings", zap.String("path", target), zap.Error(err))
					continue
				}
				logger.Info("guild config reloaded", zap.String("path", target))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("guild config watcher error", zap.Error(err))
			}
		}
	}()
	return done, nil
}
