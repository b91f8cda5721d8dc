package nameindex

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// fakeSource is an in-memory node set with a settable generation.
type fakeSource struct {
	gen   uint64
	nodes []*graph.Node
	scans int
	err   error
}

func (f *fakeSource) Generation(context.Context) (uint64, error) { return f.gen, f.err }

func (f *fakeSource) IterateNodes(_ context.Context, fn func(*graph.Node) error) error {
	f.scans++
	for _, n := range f.nodes {
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

func node(id string, kind graph.NodeKind, name string) *graph.Node {
	return &graph.Node{ID: id, Kind: kind, Name: name}
}

func setupTestIndex(t *testing.T, nodes ...*graph.Node) (*Index, *fakeSource) {
	t.Helper()
	src := &fakeSource{gen: 1, nodes: nodes}
	idx := New(src, nil)
	t.Cleanup(func() { idx.Close() })
	return idx, src
}

func TestLookup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	idx, _ := setupTestIndex(t,
		node("function:b", graph.NodeFunction, "Parse"),
		node("method:a", graph.NodeMethod, "parse"),
		node("import:c", graph.NodeImport, "parse"),
		node("file:d", graph.NodeFile, "parse"),
		node("class:e", graph.NodeClass, "Parser"),
	)

	t.Run("CaseInsensitiveSorted", func(t *testing.T) {
		ids, err := idx.Lookup(ctx, "PARSE")
		require.NoError(t, err)
		assert.Equal(t, []string{"function:b", "method:a"}, ids)
	})

	t.Run("Missing", func(t *testing.T) {
		ids, err := idx.Lookup(ctx, "nothing")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("ReturnsCopy", func(t *testing.T) {
		ids, err := idx.Lookup(ctx, "parse")
		require.NoError(t, err)
		ids[0] = "mutated"
		again, err := idx.Lookup(ctx, "parse")
		require.NoError(t, err)
		assert.Equal(t, "function:b", again[0])
	})
}

func TestRefreshFollowsGeneration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	idx, src := setupTestIndex(t, node("function:a", graph.NodeFunction, "Alpha"))

	_, err := idx.Lookup(ctx, "alpha")
	require.NoError(t, err)
	_, err = idx.Lookup(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, src.scans)

	src.nodes = append(src.nodes, node("function:b", graph.NodeFunction, "Beta"))
	ids, err := idx.Lookup(ctx, "beta")
	require.NoError(t, err)
	assert.Empty(t, ids, "same generation serves the cached map")

	src.gen = 2
	ids, err = idx.Lookup(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, []string{"function:b"}, ids)

	stats := idx.Stats()
	assert.Equal(t, uint64(2), stats.Generation)
	assert.Equal(t, 2, stats.Names)
	assert.Equal(t, 2, stats.Rebuilds)
}

func TestRefreshError(t *testing.T) {
	t.Parallel()

	src := &fakeSource{err: errors.New("closed")}
	_, err := New(src, nil).Lookup(context.Background(), "x")
	assert.ErrorContains(t, err, "closed")
}

func TestSearch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	idx, src := setupTestIndex(t,
		node("function:1", graph.NodeFunction, "handleRequest"),
		node("function:2", graph.NodeFunction, "handle"),
		node("function:3", graph.NodeFunction, "rehandle"),
		node("function:4", graph.NodeFunction, "render"),
	)

	t.Run("ExactWins", func(t *testing.T) {
		ids, err := idx.Search(ctx, "Handle", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"function:2"}, ids)
	})

	t.Run("Prefix", func(t *testing.T) {
		ids, err := idx.Search(ctx, "handleReq", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"function:1"}, ids)
	})

	t.Run("Substring", func(t *testing.T) {
		ids, err := idx.Search(ctx, "andl", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"function:2", "function:3", "function:1"}, ids)
	})

	t.Run("Fuzzy", func(t *testing.T) {
		ids, err := idx.Search(ctx, "rendr", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"function:4"}, ids)
	})

	t.Run("Empty", func(t *testing.T) {
		ids, err := idx.Search(ctx, " ", 10)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("FuzzyIndexRebuiltAfterWrite", func(t *testing.T) {
		src.nodes = append(src.nodes, node("function:5", graph.NodeFunction, "renderAll"))
		src.gen++
		ids, err := idx.Search(ctx, "renderA", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"function:5"}, ids)
	})
}
