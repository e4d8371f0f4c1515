package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
)

// Watcher turns filesystem events under selected directories of a
// FileStore into coalesced wake-up signals. Network shares often do not
// deliver events, so consumers keep polling and treat a signal only as a
// reason to poll early.
type Watcher struct {
	watcher *fsnotify.Watcher
	changes chan struct{}
	logger  *slog.Logger
}

// NewWatcher watches the given logical directories of store, creating
// them if missing.
func NewWatcher(store *FileStore, logger *slog.Logger, dirs ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	for _, dir := range dirs {
		fp, err := store.LocalPath(dir)
		if err != nil {
			fw.Close()
			return nil, err
		}
		if err := os.MkdirAll(fp, dirPerm); err != nil {
			fw.Close()
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
		if err := fw.Add(fp); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{watcher: fw, changes: make(chan struct{}, 1), logger: logger}, nil
}

// Changes delivers at most one pending signal regardless of how many
// events arrived since the last receive.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Run forwards events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("storage watcher error", "error", err)
		}
	}
}
