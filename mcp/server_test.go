package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
	"github.com/southerncoder/codegraph-sub000/internal/storage"
)

func testNode(file string, kind graph.NodeKind, qualified string, line int) *graph.Node {
	name := qualified[strings.LastIndex(qualified, ".")+1:]
	return &graph.Node{
		ID:            graph.NodeID(file, kind, qualified, line),
		Kind:          kind,
		Name:          name,
		QualifiedName: qualified,
		FilePath:      file,
		Language:      "go",
		StartLine:     line,
		EndLine:       line + 3,
	}
}

func resolverEdge(from, to *graph.Node, kind graph.EdgeKind) *graph.Edge {
	e := graph.NewEdge(from.ID, to.ID, kind)
	e.Metadata = map[string]string{graph.MetaOrigin: graph.OriginResolver, graph.MetaRefName: to.Name}
	return e
}

type testGraph struct {
	handler, service, repo, save *graph.Node
}

// setupTestSession seeds handler -> Service.Create -> Repo.Save plus a second
// Save, and connects a client to a fresh server.
func setupTestSession(t *testing.T) (*mcp.ClientSession, *testGraph) {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, storage.Options{Path: filepath.Join(t.TempDir(), ".codegraph")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	g := &testGraph{
		handler: testNode("api/handler.go", graph.NodeFunction, "api.Handle", 5),
		service: testNode("svc/service.go", graph.NodeMethod, "svc.Service.Create", 10),
		repo:    testNode("store/repo.go", graph.NodeMethod, "store.Repo.Save", 20),
		save:    testNode("cache/cache.go", graph.NodeFunction, "cache.Save", 3),
	}
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.PutNodes(ctx, []*graph.Node{g.handler, g.service, g.repo, g.save}); err != nil {
			return err
		}
		_, err := tx.PutEdges(ctx, []*graph.Edge{
			resolverEdge(g.handler, g.service, graph.EdgeCalls),
			resolverEdge(g.service, g.repo, graph.EdgeCalls),
		})
		return err
	}))

	server := NewServer(Options{Store: store, Version: "test"})
	serverT, clientT := mcp.NewInMemoryTransports()
	ss, err := server.MCPServer().Connect(ctx, serverT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return cs, g
}

func callTool(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (map[string]any, *mcp.CallToolResult) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	if res.IsError {
		return nil, res
	}
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out), text.Text)
	return out, res
}

func names(t *testing.T, v any) []string {
	t.Helper()
	list, ok := v.([]any)
	require.True(t, ok, "expected a list, got %T", v)
	var out []string
	for _, item := range list {
		out = append(out, item.(map[string]any)["name"].(string))
	}
	return out
}

func TestServer_ListTools(t *testing.T) {
	t.Parallel()
	cs, _ := setupTestSession(t)

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	got := map[string]bool{}
	for _, tool := range res.Tools {
		got[tool.Name] = true
		assert.NotEmpty(t, tool.Description, tool.Name)
		assert.NotNil(t, tool.InputSchema, tool.Name)
	}
	for _, want := range []string{
		"codegraph_search",
		"codegraph_callers",
		"codegraph_callees",
		"codegraph_traverse",
		"codegraph_impact",
		"codegraph_node",
		"codegraph_status",
	} {
		assert.True(t, got[want], "missing tool %s", want)
	}
}

func TestServer_Search(t *testing.T) {
	t.Parallel()
	cs, _ := setupTestSession(t)

	out, _ := callTool(t, cs, "codegraph_search", map[string]any{"query": "save"})
	assert.ElementsMatch(t, []string{"Save", "Save"}, names(t, out["results"]))

	out, _ = callTool(t, cs, "codegraph_search", map[string]any{"query": "save", "kind": "method"})
	assert.Equal(t, []string{"Save"}, names(t, out["results"]))

	_, res := callTool(t, cs, "codegraph_search", map[string]any{"query": "  "})
	assert.True(t, res.IsError)
}

func TestServer_CallersAndCallees(t *testing.T) {
	t.Parallel()
	cs, g := setupTestSession(t)

	out, _ := callTool(t, cs, "codegraph_callers", map[string]any{"symbol": "Create"})
	assert.Equal(t, []string{"Handle"}, names(t, out["callers"]))

	out, _ = callTool(t, cs, "codegraph_callees", map[string]any{"symbol": g.service.ID})
	assert.Equal(t, []string{"Save"}, names(t, out["callees"]))

	out, _ = callTool(t, cs, "codegraph_callers", map[string]any{"symbol": "Repo.Save"})
	assert.Equal(t, []string{"Create"}, names(t, out["callers"]))
}

func TestServer_SymbolErrors(t *testing.T) {
	t.Parallel()
	cs, _ := setupTestSession(t)

	_, res := callTool(t, cs, "codegraph_callers", map[string]any{"symbol": "Missing"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, "not found")

	_, res = callTool(t, cs, "codegraph_callers", map[string]any{"symbol": "Save"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, "ambiguous")
}

func TestServer_Traverse(t *testing.T) {
	t.Parallel()
	cs, g := setupTestSession(t)

	out, _ := callTool(t, cs, "codegraph_traverse", map[string]any{
		"symbol":     "Handle",
		"depth":      2,
		"edge_kinds": []string{"calls"},
	})
	assert.Equal(t, g.handler.ID, out["root"])
	assert.ElementsMatch(t, []string{"Handle", "Create", "Save"}, names(t, out["nodes"]))
	assert.Len(t, out["edges"], 2)
	assert.Equal(t, false, out["truncated"])

	out, _ = callTool(t, cs, "codegraph_traverse", map[string]any{"symbol": "Handle", "depth": 1})
	assert.ElementsMatch(t, []string{"Handle", "Create"}, names(t, out["nodes"]))

	out, _ = callTool(t, cs, "codegraph_traverse", map[string]any{"symbol": "Handle"})
	assert.ElementsMatch(t, []string{"Handle", "Create", "Save"}, names(t, out["nodes"]), "depth defaults when omitted")

	out, _ = callTool(t, cs, "codegraph_traverse", map[string]any{"symbol": "Handle", "depth": 0})
	assert.Equal(t, []string{"Handle"}, names(t, out["nodes"]))
	assert.Empty(t, out["edges"])

	_, res := callTool(t, cs, "codegraph_traverse", map[string]any{"symbol": "Handle", "edge_kinds": []string{"bogus"}})
	assert.True(t, res.IsError)

	_, res = callTool(t, cs, "codegraph_traverse", map[string]any{"symbol": "Handle", "depth": -1})
	assert.True(t, res.IsError)
}

func TestServer_Impact(t *testing.T) {
	t.Parallel()
	cs, _ := setupTestSession(t)

	out, _ := callTool(t, cs, "codegraph_impact", map[string]any{"symbol": "Repo.Save", "depth": 3})
	assert.EqualValues(t, 2, out["total"])
	levels, ok := out["levels"].([]any)
	require.True(t, ok)
	require.Len(t, levels, 2)
	assert.Equal(t, []string{"Create"}, names(t, levels[0]))
	assert.Equal(t, []string{"Handle"}, names(t, levels[1]))

	out, _ = callTool(t, cs, "codegraph_impact", map[string]any{"symbol": "Repo.Save"})
	assert.EqualValues(t, 2, out["total"])

	out, _ = callTool(t, cs, "codegraph_impact", map[string]any{"symbol": "Repo.Save", "depth": 0})
	assert.EqualValues(t, 0, out["total"])
}

func TestServer_NodeAndStatus(t *testing.T) {
	t.Parallel()
	cs, g := setupTestSession(t)

	out, _ := callTool(t, cs, "codegraph_node", map[string]any{"symbol": "Service.Create"})
	node := out["node"].(map[string]any)
	assert.Equal(t, g.service.ID, node["id"])
	assert.Len(t, out["incoming"], 1)
	assert.Len(t, out["outgoing"], 1)
	edge := out["outgoing"].([]any)[0].(map[string]any)
	assert.Equal(t, "resolver", edge["origin"])

	out, _ = callTool(t, cs, "codegraph_status", map[string]any{})
	stats := out["stats"].(map[string]any)
	assert.EqualValues(t, 4, stats["nodes"])
	assert.EqualValues(t, 2, stats["edges"])
}
