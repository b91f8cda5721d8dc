package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/southerncoder/codegraph-sub000/internal/apperr"
)

const (
	DefaultDebounce    = 300 * time.Millisecond
	DefaultMinInterval = 2 * time.Second
)

// WatchOptions configures Watch.
type WatchOptions struct {
	// Debounce is how long a path must stay quiet before it counts as changed.
	Debounce time.Duration

	// MinInterval is the minimum time between two sync runs.
	MinInterval time.Duration

	// OnSync is called after every run triggered by a change.
	OnSync func(*SyncResult, error)
}

// Watch syncs the repository whenever supported files change. It runs an
// initial sync and blocks until ctx is cancelled.
func (c *Controller) Watch(ctx context.Context, opts WatchOptions) error {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	report := opts.OnSync
	if report == nil {
		report = func(*SyncResult, error) {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dirs, err := c.walker.Dirs(ctx)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if err := watcher.Add(d); err != nil {
			return fmt.Errorf("watching %s: %w", d, err)
		}
	}
	c.logger.Info("watching for changes", "root", c.opts.Root, "dirs", len(dirs))

	deb := newDebouncer(opts.Debounce)
	defer deb.stop()
	limiter := rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	limiter.Allow()

	res, err := c.Sync(ctx)
	if errors.Is(err, context.Canceled) {
		return err
	}
	c.requeueBusy(err, []string{"."}, deb)
	report(res, err)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			c.handleEvent(watcher, event, deb)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("watch error", "error", err)

		case <-deb.ready:
			paths := deb.drain()
			if len(paths) == 0 {
				continue
			}
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			// Changes that arrived while waiting are covered by this run.
			paths = append(paths, deb.drain()...)
			c.logger.Debug("change detected", "paths", paths)
			res, err := c.Sync(ctx)
			if err != nil && errors.Is(err, context.Canceled) {
				return err
			}
			if err != nil {
				c.logger.Warn("sync after change failed", "error", err)
			}
			c.requeueBusy(err, paths, deb)
			report(res, err)
		}
	}
}

// requeueBusy puts paths back into the debouncer when a sync failed on a
// retryable condition such as another process holding the lock.
func (c *Controller) requeueBusy(err error, paths []string, deb *debouncer) {
	if err == nil || !apperr.IsRetryable(err) {
		return
	}
	c.logger.Info("sync busy, retrying", "paths", len(paths), "error", err)
	for _, p := range paths {
		deb.touch(p)
	}
}

func (c *Controller) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event, deb *debouncer) {
	rel, err := filepath.Rel(c.opts.Root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)
	if ignoredPath(rel) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := watcher.Add(event.Name); err != nil {
				c.logger.Warn("watching new directory", "path", rel, "error", err)
			}
			// Files created together with the directory produce no events of their own.
			deb.touch(rel)
			return
		}
	}
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}
	if base := filepath.Base(rel); base != ".gitignore" && !c.opts.Registry.Supported(rel) {
		// A removed or renamed directory shows up as a single event on the directory.
		if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
			return
		}
	}
	deb.touch(rel)
}

// ignoredPath reports whether rel lies under a directory that is never indexed.
func ignoredPath(rel string) bool {
	for _, part := range splitPath(rel) {
		switch part {
		case ".git", ".codegraph", "node_modules", "__pycache__":
			return true
		}
	}
	return false
}

// debouncer collects paths once each has been quiet for the debounce window.
type debouncer struct {
	wait  time.Duration
	ready chan struct{}

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]bool
}

func newDebouncer(wait time.Duration) *debouncer {
	return &debouncer{
		wait:    wait,
		ready:   make(chan struct{}, 1),
		timers:  make(map[string]*time.Timer),
		pending: make(map[string]bool),
	}
}

func (d *debouncer) touch(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[path]; ok {
		t.Reset(d.wait)
		return
	}
	d.timers[path] = time.AfterFunc(d.wait, func() {
		d.mu.Lock()
		delete(d.timers, path)
		d.pending[path] = true
		d.mu.Unlock()
		select {
		case d.ready <- struct{}{}:
		default:
		}
	})
}

// drain returns and clears the settled paths in lexical order.
func (d *debouncer) drain() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.pending))
	for p := range d.pending {
		out = append(out, p)
	}
	clear(d.pending)
	slices.Sort(out)
	return out
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p, t := range d.timers {
		t.Stop()
		delete(d.timers, p)
	}
}
