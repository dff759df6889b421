package hydrate

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RootWatcher tracks whether a project's local file root has changed since
// the last time MarkClean was called. When fsnotify is unavailable (e.g. the
// root doesn't exist yet, or the platform's inotify/kqueue limit is hit) it
// falls back to polling the root's modification time.
type RootWatcher struct {
	root    string
	watcher *fsnotify.Watcher
	dirty   atomic.Bool

	pollInterval time.Duration
	lastModTime  time.Time

	cancel context.CancelFunc
}

// NewRootWatcher starts watching root. The caller must call Close when done.
func NewRootWatcher(root string) *RootWatcher {
	rw := &RootWatcher{root: root, pollInterval: 5 * time.Second}
	rw.dirty.Store(true) // nothing hydrated yet

	if stat, err := os.Stat(root); err == nil {
		rw.lastModTime = stat.ModTime()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		rw.startPolling()
		return rw
	}
	if err := addTree(w, root); err != nil {
		_ = w.Close()
		rw.startPolling()
		return rw
	}
	rw.watcher = w

	ctx, cancel := context.WithCancel(context.Background())
	rw.cancel = cancel
	go rw.watchLoop(ctx)
	return rw
}

func addTree(w *fsnotify.Watcher, root string) error {
	return filepathWalkDirs(root, func(dir string) error {
		return w.Add(dir)
	})
}

func (rw *RootWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				rw.dirty.Store(true)
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = rw.watcher.Add(event.Name)
				}
			}
		case _, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (rw *RootWatcher) startPolling() {
	ctx, cancel := context.WithCancel(context.Background())
	rw.cancel = cancel
	go func() {
		ticker := time.NewTicker(rw.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stat, err := os.Stat(rw.root)
				if err != nil {
					continue
				}
				if stat.ModTime().After(rw.lastModTime) {
					rw.lastModTime = stat.ModTime()
					rw.dirty.Store(true)
				}
			}
		}
	}()
}

// Dirty reports whether the root has changed since the last MarkClean.
func (rw *RootWatcher) Dirty() bool {
	return rw.dirty.Load()
}

// MarkClean clears the dirty flag, typically right after a successful
// export has hydrated from the current tree state.
func (rw *RootWatcher) MarkClean() {
	rw.dirty.Store(false)
}

// Close stops the watcher goroutine and releases any OS watch handles.
func (rw *RootWatcher) Close() error {
	if rw.cancel != nil {
		rw.cancel()
	}
	if rw.watcher != nil {
		return rw.watcher.Close()
	}
	return nil
}

func filepathWalkDirs(root string, fn func(dir string) error) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}
	if err := fn(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := filepathWalkDirs(root+string(os.PathSeparator)+e.Name(), fn); err != nil {
				return err
			}
		}
	}
	return nil
}
