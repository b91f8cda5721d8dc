package traversal

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/southerncoder/codegraph-sub000/internal/apperr"
	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

type fakeStore struct {
	nodes map[string]*graph.Node
	edges []*graph.Edge
	reads int
}

func (f *fakeStore) GetNodeByID(_ context.Context, id string) (*graph.Node, error) {
	f.reads++
	return f.nodes[id], nil
}

func (f *fakeStore) GetOutgoingEdges(_ context.Context, id string, kinds ...graph.EdgeKind) ([]*graph.Edge, error) {
	return f.match(func(e *graph.Edge) bool { return e.Source == id }, kinds), nil
}

func (f *fakeStore) GetIncomingEdges(_ context.Context, id string, kinds ...graph.EdgeKind) ([]*graph.Edge, error) {
	return f.match(func(e *graph.Edge) bool { return e.Target == id }, kinds), nil
}

func (f *fakeStore) match(end func(*graph.Edge) bool, kinds []graph.EdgeKind) []*graph.Edge {
	var out []*graph.Edge
	for _, e := range f.edges {
		if !end(e) {
			continue
		}
		if len(kinds) > 0 {
			ok := false
			for _, k := range kinds {
				ok = ok || e.Kind == k
			}
			if !ok {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// setupTestGraph builds
//
//	main -> a -> b -> c -> a   (calls, cycle)
//	main -> util               (calls)
//	file contains main, a
//	B extends A
func setupTestGraph(t *testing.T) (*Traverser, *fakeStore) {
	t.Helper()
	f := &fakeStore{nodes: map[string]*graph.Node{}}
	add := func(id string, kind graph.NodeKind) {
		f.nodes[id] = &graph.Node{ID: id, Kind: kind, Name: id}
	}
	for _, id := range []string{"main", "a", "b", "c", "util"} {
		add(id, graph.NodeFunction)
	}
	add("file", graph.NodeFile)
	add("A", graph.NodeClass)
	add("B", graph.NodeClass)

	link := func(src, tgt string, kind graph.EdgeKind) {
		f.edges = append(f.edges, graph.NewEdge(src, tgt, kind))
	}
	link("main", "a", graph.EdgeCalls)
	link("a", "b", graph.EdgeCalls)
	link("b", "c", graph.EdgeCalls)
	link("c", "a", graph.EdgeCalls)
	link("main", "util", graph.EdgeCalls)
	link("file", "main", graph.EdgeContains)
	link("file", "a", graph.EdgeContains)
	link("B", "A", graph.EdgeExtends)
	link("a", "ghost", graph.EdgeCalls)

	return New(f, nil), f
}

func ids(nodes []*graph.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func TestCallersCallees(t *testing.T) {
	t.Parallel()
	tr, _ := setupTestGraph(t)
	ctx := context.Background()

	callers, err := tr.Callers(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "main"}, ids(callers))

	callees, err := tr.Callees(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(callees), "dangling targets are skipped")

	callees, err = tr.Callees(ctx, "util")
	require.NoError(t, err)
	assert.Empty(t, callees)
}

func TestTraverse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("OutgoingCycleSafe", func(t *testing.T) {
		t.Parallel()
		tr, _ := setupTestGraph(t)
		g, err := tr.Traverse(ctx, "main", Options{MaxDepth: 10, EdgeKinds: []graph.EdgeKind{graph.EdgeCalls}})
		require.NoError(t, err)

		assert.ElementsMatch(t, []string{"main", "a", "util", "b", "c"}, g.NodeIDs())
		assert.Equal(t, "main", g.NodeIDs()[0])
		d, _ := g.Depth("c")
		assert.Equal(t, 3, d)
		assert.Len(t, g.Outgoing("c"), 1, "back edge to a visited node is kept")
		assert.False(t, g.Truncated)
	})

	t.Run("DepthBound", func(t *testing.T) {
		t.Parallel()
		tr, _ := setupTestGraph(t)
		g, err := tr.Traverse(ctx, "main", Options{MaxDepth: 1})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"main", "a", "util"}, g.NodeIDs())
		assert.Equal(t, 1, g.MaxDepth())
	})

	t.Run("Incoming", func(t *testing.T) {
		t.Parallel()
		tr, _ := setupTestGraph(t)
		g, err := tr.Traverse(ctx, "a", Options{MaxDepth: DefaultMaxDepth, Direction: In, EdgeKinds: []graph.EdgeKind{graph.EdgeCalls}})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "c", "main", "b"}, g.NodeIDs())
	})

	t.Run("Both", func(t *testing.T) {
		t.Parallel()
		tr, _ := setupTestGraph(t)
		g, err := tr.Traverse(ctx, "util", Options{Direction: Both, MaxDepth: 2})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"util", "main", "a", "file"}, g.NodeIDs())
	})

	t.Run("NodeKindFilter", func(t *testing.T) {
		t.Parallel()
		tr, _ := setupTestGraph(t)
		g, err := tr.Traverse(ctx, "main", Options{MaxDepth: DefaultMaxDepth, Direction: Both, NodeKinds: []graph.NodeKind{graph.NodeFunction}})
		require.NoError(t, err)
		assert.False(t, g.Contains("file"))
		assert.True(t, g.Contains("main"))
		assert.True(t, g.Contains("c"))
	})

	t.Run("DepthZero", func(t *testing.T) {
		t.Parallel()
		tr, _ := setupTestGraph(t)
		g, err := tr.Traverse(ctx, "a", Options{MaxDepth: 0, Direction: Both})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, g.NodeIDs())
		assert.Zero(t, g.EdgeCount())
	})

	t.Run("NegativeDepth", func(t *testing.T) {
		t.Parallel()
		tr, _ := setupTestGraph(t)
		_, err := tr.Traverse(ctx, "a", Options{MaxDepth: -1})
		assert.ErrorContains(t, err, "negative depth")
	})

	t.Run("Limit", func(t *testing.T) {
		t.Parallel()
		tr, _ := setupTestGraph(t)
		g, err := tr.Traverse(ctx, "main", Options{MaxDepth: 10, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 2, g.NodeCount())
		assert.True(t, g.Truncated)
	})

	t.Run("MissingRoot", func(t *testing.T) {
		t.Parallel()
		tr, _ := setupTestGraph(t)
		_, err := tr.Traverse(ctx, "nope", Options{})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("Cancelled", func(t *testing.T) {
		t.Parallel()
		tr, _ := setupTestGraph(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := tr.Traverse(cctx, "main", Options{})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ExpandsEachNodeOnce", func(t *testing.T) {
		t.Parallel()
		tr, f := setupTestGraph(t)
		_, err := tr.Traverse(ctx, "a", Options{Direction: Both, MaxDepth: 20})
		require.NoError(t, err)
		assert.LessOrEqual(t, f.reads, len(f.nodes)+1)
	})
}

func TestImpactRadius(t *testing.T) {
	t.Parallel()
	tr, _ := setupTestGraph(t)
	ctx := context.Background()

	impact, err := tr.ImpactRadius(ctx, "b", 3)
	require.NoError(t, err)
	assert.Equal(t, "b", impact.Root.ID)
	require.Len(t, impact.Levels, 2, "contains edges are not followed and b is already visited")
	assert.Equal(t, []string{"a"}, ids(impact.Levels[0]))
	assert.ElementsMatch(t, []string{"c", "main"}, ids(impact.Levels[1]))
	assert.Equal(t, 3, impact.Total())

	impact, err = tr.ImpactRadius(ctx, "A", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, ids(impact.Levels[0]))
}

// setupTestChain builds c7 -> c6 -> ... -> c0 with calls edges.
func setupTestChain(t *testing.T, length int) *Traverser {
	t.Helper()
	f := &fakeStore{nodes: map[string]*graph.Node{}}
	for i := 0; i <= length; i++ {
		id := fmt.Sprintf("c%d", i)
		f.nodes[id] = &graph.Node{ID: id, Kind: graph.NodeFunction, Name: id}
		if i > 0 {
			f.edges = append(f.edges, graph.NewEdge(id, fmt.Sprintf("c%d", i-1), graph.EdgeCalls))
		}
	}
	return New(f, nil)
}

func TestImpactRadius_DepthBound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := setupTestChain(t, 7)

	impact, err := tr.ImpactRadius(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, impact.Levels, 2)
	assert.Equal(t, []string{"c2"}, ids(impact.Levels[0]))
	assert.Equal(t, []string{"c3"}, ids(impact.Levels[1]))
	assert.Equal(t, 2, impact.Total())
	for _, level := range impact.Levels {
		for _, beyond := range []string{"c0", "c4", "c5", "c6", "c7"} {
			assert.NotContains(t, ids(level), beyond)
		}
	}

	impact, err = tr.ImpactRadius(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Empty(t, impact.Levels)
	assert.Zero(t, impact.Total())
	assert.Equal(t, "c1", impact.Root.ID)

	_, err = tr.ImpactRadius(ctx, "c1", -2)
	assert.Error(t, err)
}

func TestParseDirection(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Direction{"in": In, "OUT": Out, "both": Both, "callers": In, "": Out} {
		got, err := ParseDirection(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDirection("sideways")
	assert.Error(t, err)
}
