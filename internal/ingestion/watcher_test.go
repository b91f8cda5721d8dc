package ingestion

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/southerncoder/codegraph-sub000/internal/apperr"
	"github.com/southerncoder/codegraph-sub000/internal/lock"
)

func TestDebouncer(t *testing.T) {
	t.Parallel()

	d := newDebouncer(20 * time.Millisecond)
	defer d.stop()

	d.touch("b.py")
	d.touch("a.py")
	d.touch("b.py")

	select {
	case <-d.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("debouncer never fired")
	}
	// Both timers were started together; give the second one a moment to settle.
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.timers) == 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"a.py", "b.py"}, d.drain())
	assert.Empty(t, d.drain())
}

func TestIgnoredPath(t *testing.T) {
	t.Parallel()

	assert.True(t, ignoredPath(".git/index"))
	assert.True(t, ignoredPath(".codegraph/graph.db"))
	assert.True(t, ignoredPath("web/node_modules/x/index.js"))
	assert.False(t, ignoredPath("src/app.py"))
	assert.False(t, ignoredPath("gitops/deploy.py"))
}

func TestController_Watch(t *testing.T) {
	t.Parallel()

	c, store, root := setupTestController(t, map[string]string{"b.py": mainSource})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan *SyncResult, 8)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, WatchOptions{
			Debounce:    20 * time.Millisecond,
			MinInterval: 10 * time.Millisecond,
			OnSync: func(res *SyncResult, err error) {
				if err == nil {
					results <- res
				}
			},
		})
	}()

	next := func() *SyncResult {
		t.Helper()
		select {
		case res := <-results:
			return res
		case err := <-done:
			t.Fatalf("watch stopped: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("no sync after change")
		}
		return nil
	}

	initial := next()
	assert.Equal(t, []string{"b.py"}, initial.Added)

	writeFiles(t, root, map[string]string{"a.py": helperSource})
	var added *SyncResult
	for added == nil {
		if res := next(); res.Changed() {
			added = res
		}
	}
	assert.Equal(t, []string{"a.py"}, added.Added)

	targets := callTargets(t, store, nodeNamed(t, store, "b.py", "main"))
	require.Len(t, targets, 1)
	assert.Equal(t, "a.py", targets[0].FilePath)

	// A new directory is picked up along with its files.
	writeFiles(t, root, map[string]string{filepath.Join("pkg", "mod.py"): "def util():\n    pass\n"})
	var nested *SyncResult
	for nested == nil {
		if res := next(); res.Changed() {
			nested = res
		}
	}
	assert.Equal(t, []string{"pkg/mod.py"}, nested.Added)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestController_WatchRetriesBusyLock(t *testing.T) {
	t.Parallel()

	c, store, root := setupTestController(t, map[string]string{"b.py": mainSource})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type run struct {
		res *SyncResult
		err error
	}
	runs := make(chan run, 32)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, WatchOptions{
			Debounce:    20 * time.Millisecond,
			MinInterval: 10 * time.Millisecond,
			OnSync:      func(res *SyncResult, err error) { runs <- run{res, err} },
		})
	}()

	next := func() run {
		t.Helper()
		select {
		case r := <-runs:
			return r
		case err := <-done:
			t.Fatalf("watch stopped: %v", err)
		case <-time.After(10 * time.Second):
			t.Fatal("no sync run")
		}
		return run{}
	}

	initial := next()
	require.NoError(t, initial.err)

	// Another process holds the lock while the change lands.
	held, err := lock.Acquire(ctx, lock.Options{Path: filepath.Join(root, ".codegraph", "sync.lock")})
	require.NoError(t, err)
	writeFiles(t, root, map[string]string{"a.py": helperSource})

	var busy run
	for busy.err == nil {
		busy = next()
	}
	assert.True(t, apperr.IsRetryable(busy.err))

	// No further file events: the retry alone must apply the change.
	require.NoError(t, held.Release())
	var applied *SyncResult
	for applied == nil {
		if r := next(); r.err == nil && r.res.Changed() {
			applied = r.res
		}
	}
	assert.Equal(t, []string{"a.py"}, applied.Added)

	targets := callTargets(t, store, nodeNamed(t, store, "b.py", "main"))
	require.Len(t, targets, 1)
	assert.Equal(t, "a.py", targets[0].FilePath)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}
