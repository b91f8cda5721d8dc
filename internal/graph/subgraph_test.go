package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testNode(id string, kind NodeKind) *Node {
	return &Node{ID: id, Kind: kind, Name: id, FilePath: "test.go"}
}

func TestNewSubgraph(t *testing.T) {
	t.Parallel()

	g := NewSubgraph("root")

	assert.NotNil(t, g)
	assert.Equal(t, "root", g.Root)
	assert.Equal(t, 0, g.NodeCount())
	assert.Equal(t, 0, g.EdgeCount())
	assert.False(t, g.Truncated)
}

func TestSubgraph_AddNode(t *testing.T) {
	t.Parallel()

	t.Run("FirstDepthWins", func(t *testing.T) {
		t.Parallel()
		g := NewSubgraph("a")

		assert.True(t, g.AddNode(testNode("a", NodeFunction), 0))
		assert.True(t, g.AddNode(testNode("b", NodeFunction), 1))
		assert.False(t, g.AddNode(testNode("b", NodeFunction), 2))

		d, ok := g.Depth("b")
		assert.True(t, ok)
		assert.Equal(t, 1, d)
		assert.Equal(t, 2, g.NodeCount())
	})

	t.Run("OrderPreserved", func(t *testing.T) {
		t.Parallel()
		g := NewSubgraph("c")
		g.AddNode(testNode("c", NodeFunction), 0)
		g.AddNode(testNode("a", NodeFunction), 1)
		g.AddNode(testNode("b", NodeFunction), 2)

		assert.Equal(t, []string{"c", "a", "b"}, g.NodeIDs())
		assert.Equal(t, 2, g.MaxDepth())
		assert.Len(t, g.NodesAtDepth(1), 1)
	})
}

func TestSubgraph_AddEdge(t *testing.T) {
	t.Parallel()

	t.Run("RequiresBothEndpoints", func(t *testing.T) {
		t.Parallel()
		g := NewSubgraph("a")
		g.AddNode(testNode("a", NodeFunction), 0)

		assert.False(t, g.AddEdge(NewEdge("a", "missing", EdgeCalls)))
		assert.Equal(t, 0, g.EdgeCount())
	})

	t.Run("Adjacency", func(t *testing.T) {
		t.Parallel()
		g := NewSubgraph("a")
		g.AddNode(testNode("a", NodeFunction), 0)
		g.AddNode(testNode("b", NodeFunction), 1)
		g.AddNode(testNode("c", NodeClass), 1)

		assert.True(t, g.AddEdge(NewEdge("a", "b", EdgeCalls)))
		assert.True(t, g.AddEdge(NewEdge("a", "c", EdgeInstantiates)))
		assert.False(t, g.AddEdge(NewEdge("a", "b", EdgeCalls)))

		assert.Len(t, g.Outgoing("a"), 2)
		assert.Len(t, g.Outgoing("a", EdgeCalls), 1)
		assert.Len(t, g.Incoming("b"), 1)
		assert.Empty(t, g.Incoming("a"))
		assert.Len(t, g.Edges(), 2)
	})
}
