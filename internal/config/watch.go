package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file on change and republishes the new value
// on Changes. It only publishes: the daemon does not create a Watcher, and
// nothing in the daemon reads Changes or applies a reloaded Config.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	Changes chan Config
	errs    chan error
}

// NewWatcher starts watching the directory containing path (editors replace
// files via rename, which fsnotify only observes at the directory level) and
// returns a Watcher whose Changes channel receives a freshly loaded Config
// each time path is created, written, or renamed into place.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    filepath.Clean(path),
		watcher: fsw,
		Changes: make(chan Config, 1),
		errs:    make(chan error, 1),
	}
	return w, nil
}

// Run processes filesystem events until ctx is cancelled or the underlying
// watcher closes. Callers should run it on its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				slog.Warn("[config] hot-reload: failed to load changed config", "path", w.path, "error", err)
				continue
			}
			select {
			case w.Changes <- cfg:
			default:
				// A reload is already pending; drop the stale one and keep
				// the newest import is always what the next consume sees.
				select {
				case <-w.Changes:
				default:
				}
				w.Changes <- cfg
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("[config] hot-reload: watcher error", "error", err)
		}
	}
}

// Close stops the watcher, releasing its inotify/kqueue handle.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
