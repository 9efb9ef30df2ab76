package infra

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/devmon/internal/knowledge"
)

// PathMatcher selects the files and directories a watcher cares about.
type PathMatcher interface {
	Match(path string) bool
	IgnoreDir(path string) bool
}

// FSWatcher watches a directory tree and emits debounced batches of changed
// files. Paths in a batch are canonical, sorted and unique.
type FSWatcher struct {
	root     string
	matcher  PathMatcher
	debounce time.Duration
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	changes  chan []string
}

// NewFSWatcher registers every non-ignored directory under root.
func NewFSWatcher(root string, matcher PathMatcher, debounce time.Duration, logger *zap.Logger) (*FSWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	fw := &FSWatcher{
		root:     root,
		matcher:  matcher,
		debounce: debounce,
		logger:   logger,
		watcher:  w,
		changes:  make(chan []string),
	}
	if err := fw.addTree(root); err != nil {
		w.Close()
		return nil, err
	}
	return fw, nil
}

// Changes yields change batches. Closed when Run returns.
func (w *FSWatcher) Changes() <-chan []string {
	return w.changes
}

// WatchedDirs returns the directories currently registered.
func (w *FSWatcher) WatchedDirs() []string {
	return w.watcher.WatchList()
}

func (w *FSWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			w.logger.Debug("skipping unreadable path", zap.String("path", path), zap.Error(err))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.matcher.IgnoreDir(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// Run processes file system events until ctx is cancelled.
func (w *FSWatcher) Run(ctx context.Context) error {
	defer close(w.changes)
	defer w.watcher.Close()

	pending := make(map[string]struct{})
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			path, relevant := w.handle(ev)
			if !relevant {
				continue
			}
			pending[path] = struct{}{}

			if w.debounce <= 0 {
				if !w.emit(ctx, pending) {
					return nil
				}
				pending = make(map[string]struct{})
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if !w.emit(ctx, pending) {
				return nil
			}
			pending = make(map[string]struct{})
		}
	}
}

// handle registers new directories and reports whether ev names a relevant
// file, returning its canonical path.
func (w *FSWatcher) handle(ev fsnotify.Event) (string, bool) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return "", false
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.matcher.IgnoreDir(ev.Name) {
				if err := w.addTree(ev.Name); err != nil {
					w.logger.Warn("failed to watch new directory", zap.String("path", ev.Name), zap.Error(err))
				}
			}
			return "", false
		}
	}

	if !w.matcher.Match(ev.Name) {
		return "", false
	}
	return knowledge.Canonical(ev.Name), true
}

func (w *FSWatcher) emit(ctx context.Context, pending map[string]struct{}) bool {
	if len(pending) == 0 {
		return true
	}
	batch := make([]string, 0, len(pending))
	for p := range pending {
		batch = append(batch, p)
	}
	sort.Strings(batch)

	w.logger.Debug("files changed", zap.Strings("paths", batch))
	select {
	case w.changes <- batch:
		return true
	case <-ctx.Done():
		return false
	}
}
