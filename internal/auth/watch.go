package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch calls fn after the token file is written, replaced or removed, until
// ctx is done. The directory is watched rather than the file so atomic
// renames and first-time creation are seen. Bursts of events collapse into
// one call.
func (s *TokenStore) Watch(ctx context.Context, fn func()) error {
	if err := os.MkdirAll(s.Dir, 0700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("token watcher: %w", err)
	}
	if err := w.Add(s.Dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", s.Dir, err)
	}

	go func() {
		defer w.Close()
		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != s.name() {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				slog.Debug("token file changed", "op", ev.Op.String())
				debounce = time.After(watchDebounce)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("token watcher error", "err", err)
			case <-debounce:
				debounce = nil
				fn()
			}
		}
	}()
	return nil
}
