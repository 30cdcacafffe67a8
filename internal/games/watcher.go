package games

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/user/playhost/internal/log"
)

// Watch reloads the catalog when module files change under the games
// directory. It blocks until ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := c.watchTree(watcher, c.dir); err != nil {
		return err
	}
	c.logger.Info().Str(log.FieldEvent, "games.watcher_started").Str(log.FieldPath, c.dir).Msg("watching games directory")

	debounce := time.NewTimer(c.debounce)
	debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			debounce.Stop()
			c.logger.Info().Str(log.FieldEvent, "games.watcher_stopped").Msg("games watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := c.watchTree(watcher, event.Name); err != nil {
						c.logger.Warn().Err(err).Str(log.FieldPath, event.Name).Msg("watch new directory failed")
					}
				}
			}
			if !relevant(event) {
				continue
			}
			c.logger.Debug().Str(log.FieldEvent, "games.file_changed").Str("op", event.Op.String()).Str(log.FieldPath, event.Name).Msg("game file changed")
			debounce.Reset(c.debounce)

		case <-debounce.C:
			if _, err := c.Reload(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error().Err(err).Str(log.FieldEvent, "games.auto_reload_failed").Msg("automatic game reload failed")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Error().Err(err).Str(log.FieldEvent, "games.watcher_error").Msg("games watcher error")
		}
	}
}

func (c *Catalog) watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func relevant(event fsnotify.Event) bool {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return false
	}
	if strings.EqualFold(filepath.Ext(event.Name), ".js") {
		return true
	}
	// directory removals and renames may take module files with them
	return event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}
