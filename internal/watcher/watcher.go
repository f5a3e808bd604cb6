// Package watcher flags source-tree changes that happen while the
// archive pass is reading the tree. A backup cut from a tree that
// changed mid-read must not pass silently as consistent.
package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watch observes a tree for the duration of one archive pass and
// collects the paths that changed. Start it just before the walk
// begins, Stop it when the stream is fully consumed.
type Watch struct {
	fsw     *fsnotify.Watcher
	log     *slog.Logger
	mu      sync.Mutex
	changed map[string]struct{}
	done    chan struct{}
	stopped chan struct{}
}

// Start begins watching root recursively. Directories that appear
// during the pass join the watch as they are created.
func Start(root string, log *slog.Logger) (*Watch, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	w := &Watch{
		fsw:     fsw,
		log:     log,
		changed: make(map[string]struct{}),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

func (w *Watch) addTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// A subtree we cannot see is the archiver's problem to
			// report; the watch covers what it can.
			w.log.Debug("cannot watch", "path", path, "error", err)
			return nil
		}
		if info.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				w.log.Debug("cannot watch", "path", path, "error", err)
			}
		}
		return nil
	})
}

func (w *Watch) loop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.record(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

func (w *Watch) record(event fsnotify.Event) {
	// Chmod-only events do not change archived bytes.
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	w.changed[event.Name] = struct{}{}
	w.mu.Unlock()

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				w.log.Debug("cannot watch new directory", "path", event.Name, "error", err)
			}
		}
	}
}

// Snapshot returns the changed paths seen so far, sorted.
func (w *Watch) Snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths := make([]string, 0, len(w.changed))
	for p := range w.changed {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Stop ends the watch and returns every change recorded during the
// pass. Call it exactly once.
func (w *Watch) Stop() []string {
	close(w.done)
	w.fsw.Close()
	<-w.stopped
	return w.Snapshot()
}
