package frameworks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

type fakeLookup struct {
	names map[string][]string
	nodes map[string]*graph.Node
}

func (f *fakeLookup) Lookup(_ context.Context, name string) ([]string, error) {
	return f.names[graph.LookupName(name)], nil
}

func (f *fakeLookup) Node(_ context.Context, id string) (*graph.Node, error) {
	return f.nodes[id], nil
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	t.Run("Default", func(t *testing.T) {
		r := DefaultRegistry()
		assert.Equal(t, []string{"builtins", "route-decorators", "go-http-handlers", "receiver-methods"}, r.Names())
		assert.Len(t, r.Matchers(), 1)
	})

	t.Run("Disabled", func(t *testing.T) {
		r := DefaultRegistry("builtins", "receiver-methods")
		assert.Equal(t, []string{"route-decorators", "go-http-handlers"}, r.Names())

		_, skipped := r.Skip(&graph.UnresolvedReference{Name: "len", Language: "go"})
		assert.False(t, skipped)
	})

	t.Run("DuplicateName", func(t *testing.T) {
		_, err := NewRegistry(NewBuiltins(), NewBuiltins())
		assert.ErrorContains(t, err, "already registered")
	})
}

func TestBuiltins(t *testing.T) {
	t.Parallel()

	b := NewBuiltins()
	tests := []struct {
		name string
		ref  graph.UnresolvedReference
		skip bool
	}{
		{"GoBuiltin", graph.UnresolvedReference{Name: "append", Language: "go"}, true},
		{"GoUserFunc", graph.UnresolvedReference{Name: "appendRow", Language: "go"}, false},
		{"GoStdlib", graph.UnresolvedReference{Name: "fmt.Println", Language: "go",
			Metadata: map[string]string{graph.MetaPackage: "fmt"}}, true},
		{"GoNestedStdlib", graph.UnresolvedReference{Name: "http.ListenAndServe", Language: "go",
			Metadata: map[string]string{graph.MetaPackage: "net/http"}}, true},
		{"GoModulePackage", graph.UnresolvedReference{Name: "graph.NewEdge", Language: "go",
			Metadata: map[string]string{graph.MetaPackage: "github.com/acme/x/graph"}}, false},
		{"Python", graph.UnresolvedReference{Name: "isinstance", Language: "python"}, true},
		{"TypeScriptQualified", graph.UnresolvedReference{Name: "console.log", Language: "typescript"}, true},
		{"PHP", graph.UnresolvedReference{Name: "json_encode", Language: "php"}, true},
		{"UnknownLanguage", graph.UnresolvedReference{Name: "len", Language: "rust"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.skip, b.Skip(&tt.ref))
		})
	}
}

func TestRouteDecorators(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	app := &graph.Node{ID: "variable:app", Kind: graph.NodeVariable, Name: "app", FilePath: "api.py"}
	handler := &graph.Node{
		ID: "function:list", Kind: graph.NodeFunction, Name: "list_users", FilePath: "api.py", StartLine: 12,
		Decorators: []string{"app.get(\"/users\")", "login_required"},
	}
	plain := &graph.Node{ID: "function:p", Kind: graph.NodeFunction, Name: "helper", Decorators: []string{"cache"}}

	m := NewRouteDecorators()
	assert.True(t, m.Matches(handler))
	assert.False(t, m.Matches(plain))
	assert.False(t, m.Matches(app))

	edges, err := m.Apply(ctx, &MatchContext{Node: handler, FileNodes: []*graph.Node{app, handler, plain}})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	e := edges[0]
	assert.Equal(t, handler.ID, e.Source)
	assert.Equal(t, app.ID, e.Target)
	assert.Equal(t, graph.EdgeDecorates, e.Kind)
	assert.Equal(t, graph.OriginMatcher, e.Origin())
	assert.Equal(t, "route-decorators", e.Metadata[graph.MetaMatcher])
	assert.Equal(t, "/users", e.Metadata[graph.MetaRoute])

	// No router object in the file means no synthetic edge.
	edges, err = m.Apply(ctx, &MatchContext{Node: handler, FileNodes: []*graph.Node{handler}})
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestHTTPHandlers(t *testing.T) {
	t.Parallel()

	f := NewHTTPHandlers()
	handler := &graph.Node{ID: "function:a", Signature: "func listUsers(w http.ResponseWriter, r *http.Request)"}
	ginHandler := &graph.Node{ID: "function:b", Signature: "func listUsers(c *gin.Context)"}
	other := &graph.Node{ID: "function:c", Signature: "func listUsers(ids []string) error"}
	nodes := []*graph.Node{handler, ginHandler, other}

	ref := &graph.UnresolvedReference{Name: "listUsers", Language: "go", Metadata: map[string]string{graph.MetaCallee: "mux.HandleFunc"}}
	assert.Equal(t, []*graph.Node{handler, ginHandler}, f.Filter(ref, nodes))

	notRegistration := &graph.UnresolvedReference{Name: "listUsers", Language: "go", Metadata: map[string]string{graph.MetaCallee: "run"}}
	assert.Equal(t, nodes, f.Filter(notRegistration, nodes))

	assert.Equal(t, []*graph.Node{other}, f.Filter(ref, []*graph.Node{other}))
}

func TestReceiverMethods(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	lookup := &fakeLookup{
		names: map[string][]string{"start": {"function:start", "method:db", "method:server"}},
		nodes: map[string]*graph.Node{
			"function:start": {ID: "function:start", Kind: graph.NodeFunction, QualifiedName: "main.Start"},
			"method:db":      {ID: "method:db", Kind: graph.NodeMethod, QualifiedName: "store.DB.Start"},
			"method:server":  {ID: "method:server", Kind: graph.NodeMethod, QualifiedName: "api.Server.Start"},
		},
	}
	s := NewReceiverMethods()

	ids, err := s.Suggest(ctx, &graph.UnresolvedReference{Name: "s.Start", Metadata: map[string]string{graph.MetaReceiver: "*Server"}}, lookup)
	require.NoError(t, err)
	assert.Equal(t, []string{"method:server"}, ids)

	ids, err = s.Suggest(ctx, &graph.UnresolvedReference{Name: "Start"}, lookup)
	require.NoError(t, err)
	assert.Empty(t, ids)

	r := DefaultRegistry()
	ids, err = r.Suggest(ctx, &graph.UnresolvedReference{Name: "Start", Metadata: map[string]string{graph.MetaReceiver: "DB"}}, lookup)
	require.NoError(t, err)
	assert.Equal(t, []string{"method:db"}, ids)
}
