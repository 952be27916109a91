package supervisor

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/cairn/internal/logger"
)

// StoreWatcher signals when the SQLite database file (or its WAL) changes,
// so runs created by other processes are scheduled without waiting for the
// next poll.
type StoreWatcher struct {
	watcher *fsnotify.Watcher
	base    string
	c       chan struct{}
	done    chan struct{}
}

// WatchStore watches the directory holding the database at path.
func WatchStore(path string) (*StoreWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	w := &StoreWatcher{
		watcher: watcher,
		base:    filepath.Base(path),
		c:       make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// C delivers coalesced change notifications.
func (w *StoreWatcher) C() <-chan struct{} {
	return w.c
}

// Close stops watching.
func (w *StoreWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *StoreWatcher) loop() {
	log := logger.With("component", "supervisor")
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(event.Name), w.base) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			select {
			case w.c <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Debug("[supervisor] store watcher error", "error", err)
		}
	}
}
