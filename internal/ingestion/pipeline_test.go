package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/southerncoder/codegraph-sub000/internal/apperr"
	"github.com/southerncoder/codegraph-sub000/internal/graph"
	"github.com/southerncoder/codegraph-sub000/internal/lock"
	"github.com/southerncoder/codegraph-sub000/internal/resolver"
	"github.com/southerncoder/codegraph-sub000/internal/storage"
)

const helperSource = "def helper():\n    return 1\n"

const mainSource = `from a import helper


def main():
    helper()
`

func setupTestController(t *testing.T, files map[string]string) (*Controller, *storage.Store, string) {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, root, files)

	state := filepath.Join(root, ".codegraph")
	store, err := storage.Open(context.Background(), storage.Options{Path: state})
	require.NoError(t, err)
	res := resolver.New(store, resolver.Options{})
	t.Cleanup(func() {
		res.Close()
		store.Close()
	})

	c := New(Options{
		Root:     root,
		Store:    store,
		Resolver: res,
		Lock: lock.Options{
			Path:    filepath.Join(state, "sync.lock"),
			Timeout: 200 * time.Millisecond,
		},
		Workers: 2,
	})
	return c, store, root
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for p, content := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func nodeNamed(t *testing.T, store *storage.Store, file, name string) *graph.Node {
	t.Helper()
	nodes, err := store.GetNodesByFile(context.Background(), file)
	require.NoError(t, err)
	for _, n := range nodes {
		if n.Name == name && n.Kind != graph.NodeImport {
			return n
		}
	}
	t.Fatalf("no node %s in %s", name, file)
	return nil
}

func callTargets(t *testing.T, store *storage.Store, from *graph.Node) []*graph.Node {
	t.Helper()
	ctx := context.Background()
	edges, err := store.GetOutgoingEdges(ctx, from.ID, graph.EdgeCalls)
	require.NoError(t, err)
	var out []*graph.Node
	for _, e := range edges {
		n, err := store.GetNodeByID(ctx, e.Target)
		require.NoError(t, err)
		require.NotNil(t, n, "edge %s points at a missing node", e.ID)
		out = append(out, n)
	}
	return out
}

// assertNoDanglingEdges checks that every edge out of the given files ends at a stored node.
func assertNoDanglingEdges(t *testing.T, store *storage.Store, files ...string) {
	t.Helper()
	ctx := context.Background()
	for _, f := range files {
		nodes, err := store.GetNodesByFile(ctx, f)
		require.NoError(t, err)
		for _, n := range nodes {
			edges, err := store.GetOutgoingEdges(ctx, n.ID)
			require.NoError(t, err)
			for _, e := range edges {
				target, err := store.GetNodeByID(ctx, e.Target)
				require.NoError(t, err)
				assert.NotNil(t, target, "dangling edge %s -> %s", e.Source, e.Target)
			}
		}
	}
}

func unresolvedNames(t *testing.T, store *storage.Store, file string) []string {
	t.Helper()
	ctx := context.Background()
	var names []string
	require.NoError(t, store.View(ctx, func(r storage.Reader) error {
		refs, err := r.Unresolved(ctx, storage.UnresolvedFilter{Files: []string{file}})
		for _, ref := range refs {
			names = append(names, ref.Name)
		}
		return err
	}))
	return names
}

func TestController_Index(t *testing.T) {
	t.Parallel()

	c, store, _ := setupTestController(t, map[string]string{
		"a.py":      helperSource,
		"b.py":      mainSource,
		"README.md": "# not indexed",
	})
	ctx := context.Background()

	res, err := c.Index(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py", "b.py"}, res.Added)
	assert.Empty(t, res.Modified)
	assert.Empty(t, res.Removed)
	assert.NotEmpty(t, res.RunID)
	assert.Positive(t, res.NodesWritten)
	require.NotNil(t, res.Resolution)

	targets := callTargets(t, store, nodeNamed(t, store, "b.py", "main"))
	require.Len(t, targets, 1)
	assert.Equal(t, "helper", targets[0].Name)
	assert.Equal(t, "a.py", targets[0].FilePath)

	rec, err := store.File(ctx, "a.py")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, hashBytes([]byte(helperSource)), rec.Hash)
	assert.Equal(t, "python", rec.Language)
	assert.Positive(t, rec.NodeCount)
	assert.Empty(t, rec.Errors)
}

func TestController_SyncUnchanged(t *testing.T) {
	t.Parallel()

	c, store, _ := setupTestController(t, map[string]string{
		"a.py": helperSource,
		"b.py": mainSource,
	})
	ctx := context.Background()

	_, err := c.Sync(ctx)
	require.NoError(t, err)
	gen, err := store.Generation(ctx)
	require.NoError(t, err)
	before, err := store.Stats(ctx)
	require.NoError(t, err)

	res, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Equal(t, 2, res.Unchanged)
	assert.Nil(t, res.Resolution)

	after, err := store.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, gen, after, "an unchanged sync must not write")
	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Nodes, stats.Nodes)
	assert.Equal(t, before.Edges, stats.Edges)
}

func TestController_SyncModifiedTarget(t *testing.T) {
	t.Parallel()

	c, store, root := setupTestController(t, map[string]string{
		"a.py": helperSource,
		"b.py": mainSource,
	})
	ctx := context.Background()

	_, err := c.Sync(ctx)
	require.NoError(t, err)
	old := nodeNamed(t, store, "a.py", "helper")

	// Moving the definition down changes its id.
	writeFiles(t, root, map[string]string{"a.py": "\n\n" + helperSource})

	res, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py"}, res.Modified)
	assert.Equal(t, 1, res.Unchanged)
	assert.GreaterOrEqual(t, res.EdgesRequeued, 1)

	updated := nodeNamed(t, store, "a.py", "helper")
	assert.NotEqual(t, old.ID, updated.ID)
	assert.Equal(t, 3, updated.StartLine)

	gone, err := store.GetNodeByID(ctx, old.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	targets := callTargets(t, store, nodeNamed(t, store, "b.py", "main"))
	require.Len(t, targets, 1)
	assert.Equal(t, updated.ID, targets[0].ID)
	assertNoDanglingEdges(t, store, "a.py", "b.py")
}

func TestController_SyncRemoved(t *testing.T) {
	t.Parallel()

	c, store, root := setupTestController(t, map[string]string{
		"a.py": helperSource,
		"b.py": mainSource,
	})
	ctx := context.Background()

	_, err := c.Sync(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "a.py")))
	res, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py"}, res.Removed)

	nodes, err := store.GetNodesByFile(ctx, "a.py")
	require.NoError(t, err)
	assert.Empty(t, nodes)
	rec, err := store.File(ctx, "a.py")
	require.NoError(t, err)
	assert.Nil(t, rec)

	assert.Empty(t, callTargets(t, store, nodeNamed(t, store, "b.py", "main")))
	assert.Contains(t, unresolvedNames(t, store, "b.py"), "helper")
	assertNoDanglingEdges(t, store, "b.py")
}

func TestController_SyncRenamed(t *testing.T) {
	t.Parallel()

	c, store, root := setupTestController(t, map[string]string{
		"a.py": helperSource,
		"b.py": mainSource,
	})
	ctx := context.Background()

	_, err := c.Sync(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Rename(filepath.Join(root, "a.py"), filepath.Join(root, "c.py")))
	res, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c.py"}, res.Added)
	assert.Equal(t, []string{"a.py"}, res.Removed)

	targets := callTargets(t, store, nodeNamed(t, store, "b.py", "main"))
	require.Len(t, targets, 1)
	assert.Equal(t, "c.py", targets[0].FilePath)
	assertNoDanglingEdges(t, store, "b.py", "c.py")
}

func TestController_SyncAddedDefinition(t *testing.T) {
	t.Parallel()

	c, store, root := setupTestController(t, map[string]string{
		"b.py": mainSource,
	})
	ctx := context.Background()

	_, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Contains(t, unresolvedNames(t, store, "b.py"), "helper")

	writeFiles(t, root, map[string]string{"a.py": helperSource})
	res, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py"}, res.Added)

	targets := callTargets(t, store, nodeNamed(t, store, "b.py", "main"))
	require.Len(t, targets, 1)
	assert.Equal(t, "a.py", targets[0].FilePath)
	assert.NotContains(t, unresolvedNames(t, store, "b.py"), "helper")
}

func TestController_ExtractionFailure(t *testing.T) {
	t.Parallel()

	c, store, root := setupTestController(t, map[string]string{
		"ok.go": "package shop\n\nfunc Total() int { return 0 }\n",
	})
	ctx := context.Background()

	_, err := c.Sync(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, nodeNamed(t, store, "ok.go", "Total").ID)

	writeFiles(t, root, map[string]string{"ok.go": "package shop\n\nfunc Total( {\n"})
	res, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok.go"}, res.Modified)
	assert.Positive(t, res.Errors.Len())
	assert.ErrorIs(t, res.Errors.ErrOrNil(), apperr.ErrExtraction)

	nodes, err := store.GetNodesByFile(ctx, "ok.go")
	require.NoError(t, err)
	assert.Empty(t, nodes, "a failed file keeps no stale nodes")

	rec, err := store.File(ctx, "ok.go")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Zero(t, rec.NodeCount)
	assert.NotEmpty(t, rec.Errors)

	// The record carries the hash, so the broken file is not retried until it changes.
	res, err = c.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, res.Changed())
}

func TestController_FullIndex(t *testing.T) {
	t.Parallel()

	c, store, _ := setupTestController(t, map[string]string{
		"a.py": helperSource,
		"b.py": mainSource,
	})
	ctx := context.Background()

	first, err := c.Index(ctx, false)
	require.NoError(t, err)
	before, err := store.Stats(ctx)
	require.NoError(t, err)

	res, err := c.Index(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py", "b.py"}, res.Added)
	assert.NotEqual(t, first.RunID, res.RunID)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Nodes, stats.Nodes)
	assert.Equal(t, before.Edges, stats.Edges)
	assert.Equal(t, before.Files, stats.Files)
}

func TestController_LockHeld(t *testing.T) {
	t.Parallel()

	c, _, root := setupTestController(t, map[string]string{"a.py": helperSource})
	ctx := context.Background()

	held, err := lock.Acquire(ctx, lock.Options{Path: filepath.Join(root, ".codegraph", "sync.lock")})
	require.NoError(t, err)
	defer held.Release()

	_, err = c.Sync(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrLockTimeout)
	assert.True(t, apperr.IsRetryable(err))

	_, err = c.Resolve(ctx)
	assert.ErrorIs(t, err, apperr.ErrLockTimeout)
}

func TestController_Resolve(t *testing.T) {
	t.Parallel()

	c, _, _ := setupTestController(t, map[string]string{
		"a.py": helperSource,
		"b.py": mainSource,
	})
	ctx := context.Background()

	_, err := c.Sync(ctx)
	require.NoError(t, err)

	res, err := c.Resolve(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Resolved, "everything resolvable was bound during sync")
}

func TestController_Cancelled(t *testing.T) {
	t.Parallel()

	c, _, _ := setupTestController(t, map[string]string{"a.py": helperSource})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Sync(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
