package resolver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/southerncoder/codegraph-sub000/internal/apperr"
	"github.com/southerncoder/codegraph-sub000/internal/graph"
	"github.com/southerncoder/codegraph-sub000/internal/storage"
)

func setupTestResolver(t *testing.T, opts Options) (*Resolver, *storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Options{Path: filepath.Join(t.TempDir(), ".codegraph")})
	require.NoError(t, err)
	r := New(store, opts)
	t.Cleanup(func() {
		r.Close()
		store.Close()
	})
	return r, store
}

func fn(file, name string, line int) *graph.Node {
	return &graph.Node{
		ID:            graph.NodeID(file, graph.NodeFunction, name, line),
		Kind:          graph.NodeFunction,
		Name:          name,
		QualifiedName: name,
		FilePath:      file,
		Language:      "python",
		StartLine:     line,
		IsExported:    true,
	}
}

func ref(from *graph.Node, name string, kind graph.EdgeKind, line int) *graph.UnresolvedReference {
	return &graph.UnresolvedReference{
		ID:         graph.ReferenceID(from.ID, name, kind, line, 0),
		FromNodeID: from.ID,
		Name:       name,
		Kind:       kind,
		FilePath:   from.FilePath,
		Language:   from.Language,
		Line:       line,
	}
}

// seed writes nodes with file records for every file they mention, plus refs.
func seed(t *testing.T, store *storage.Store, nodes []*graph.Node, refs ...*graph.UnresolvedReference) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.PutNodes(ctx, nodes); err != nil {
			return err
		}
		seen := map[string]bool{}
		for _, n := range nodes {
			if seen[n.FilePath] {
				continue
			}
			seen[n.FilePath] = true
			if err := tx.PutFile(ctx, &graph.FileRecord{Path: n.FilePath, Hash: "h:" + n.FilePath, Language: n.Language}); err != nil {
				return err
			}
		}
		return tx.PutUnresolved(ctx, refs)
	}))
}

func outgoing(t *testing.T, store *storage.Store, id string) []*graph.Edge {
	t.Helper()
	edges, err := store.GetOutgoingEdges(context.Background(), id)
	require.NoError(t, err)
	return edges
}

func remaining(t *testing.T, store *storage.Store) []*graph.UnresolvedReference {
	t.Helper()
	var refs []*graph.UnresolvedReference
	require.NoError(t, store.View(context.Background(), func(r storage.Reader) error {
		var err error
		refs, err = r.Unresolved(context.Background(), storage.UnresolvedFilter{})
		return err
	}))
	return refs
}

func TestResolve_SameFileWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := setupTestResolver(t, Options{})

	caller := fn("app/main.py", "main", 1)
	local := fn("app/main.py", "helper", 10)
	sibling := fn("app/util.py", "helper", 1)
	far := fn("lib/other.py", "helper", 1)
	seed(t, store, []*graph.Node{caller, local, sibling, far}, ref(caller, "helper", graph.EdgeCalls, 3))

	res, err := r.ResolveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Equal(t, 1, res.EdgesCreated)

	edges := outgoing(t, store, caller.ID)
	require.Len(t, edges, 1)
	assert.Equal(t, local.ID, edges[0].Target)
	assert.Equal(t, graph.OriginResolver, edges[0].Origin())
	assert.Equal(t, "helper", edges[0].Metadata[graph.MetaRefName])
	assert.Equal(t, 3, edges[0].Line)
	assert.Empty(t, remaining(t, store))
}

func TestResolve_SameDirBeatsGlobal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := setupTestResolver(t, Options{})

	caller := fn("app/main.py", "main", 1)
	far := fn("aaa/other.py", "helper", 1)
	sibling := fn("app/util.py", "helper", 1)
	seed(t, store, []*graph.Node{caller, far, sibling}, ref(caller, "helper", graph.EdgeCalls, 3))

	_, err := r.ResolveAll(ctx)
	require.NoError(t, err)
	edges := outgoing(t, store, caller.ID)
	require.Len(t, edges, 1)
	assert.Equal(t, sibling.ID, edges[0].Target)
}

func TestResolve_ImportScoped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := setupTestResolver(t, Options{})

	caller := fn("web/views.py", "index", 1)
	imp := &graph.Node{
		ID: graph.NodeID("web/views.py", graph.NodeImport, "render_page", 1), Kind: graph.NodeImport,
		Name: "render_page", FilePath: "web/views.py", Language: "python",
		Metadata: map[string]string{graph.MetaSource: "lib.templates", graph.MetaImported: "render"},
	}
	target := fn("lib/templates.py", "render", 5)
	decoy := fn("zzz/render.py", "render", 1)
	seed(t, store, []*graph.Node{caller, imp, target, decoy}, ref(caller, "render_page", graph.EdgeCalls, 4))

	res, err := r.ResolveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	edges := outgoing(t, store, caller.ID)
	require.Len(t, edges, 1)
	assert.Equal(t, target.ID, edges[0].Target)
}

func TestResolve_QualifiedThroughImport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := setupTestResolver(t, Options{})

	caller := fn("app/main.py", "main", 1)
	imp := &graph.Node{
		ID: graph.NodeID("app/main.py", graph.NodeImport, "models", 1), Kind: graph.NodeImport,
		Name: "models", FilePath: "app/main.py", Language: "python",
		Metadata: map[string]string{graph.MetaSource: "db.models"},
	}
	target := fn("db/models.py", "save", 3)
	other := fn("cache/store.py", "save", 3)
	seed(t, store, []*graph.Node{caller, imp, target, other}, ref(caller, "models.save", graph.EdgeCalls, 2))

	_, err := r.ResolveAll(ctx)
	require.NoError(t, err)
	edges := outgoing(t, store, caller.ID)
	require.Len(t, edges, 1)
	assert.Equal(t, target.ID, edges[0].Target)
}

func TestResolve_KindCompatibility(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := setupTestResolver(t, Options{})

	class := &graph.Node{ID: "class:a", Kind: graph.NodeClass, Name: "Base", QualifiedName: "Base", FilePath: "lib/base.py", Language: "python"}
	fnBase := fn("app/x.py", "Base", 1)
	child := &graph.Node{ID: "class:b", Kind: graph.NodeClass, Name: "Child", QualifiedName: "Child", FilePath: "app/child.py", Language: "python"}
	seed(t, store, []*graph.Node{class, fnBase, child}, ref(child, "Base", graph.EdgeExtends, 1))

	_, err := r.ResolveAll(ctx)
	require.NoError(t, err)
	edges := outgoing(t, store, child.ID)
	require.Len(t, edges, 1)
	assert.Equal(t, class.ID, edges[0].Target, "functions are never extends targets")
}

func TestResolve_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := setupTestResolver(t, Options{})

	caller := fn("a.py", "main", 1)
	target := fn("b.py", "run", 1)
	seed(t, store, []*graph.Node{caller, target},
		ref(caller, "run", graph.EdgeCalls, 2),
		ref(caller, "missing", graph.EdgeCalls, 3),
	)

	first, err := r.ResolveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.EdgesCreated)
	assert.Equal(t, 1, first.Unresolved)

	// The same reference reappearing resolves to the same edge without duplicating it.
	seed(t, store, nil, ref(caller, "run", graph.EdgeCalls, 2))
	second, err := r.ResolveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Resolved)
	assert.Equal(t, 0, second.EdgesCreated)
	assert.Len(t, outgoing(t, store, caller.ID), 1)

	third, err := r.ResolveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, third.EdgesCreated)
	assert.Equal(t, 1, third.Unresolved)
}

func TestResolve_Deterministic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var targets []string
	for i := 0; i < 3; i++ {
		r, store := setupTestResolver(t, Options{})
		caller := fn("main.py", "main", 1)
		seed(t, store, []*graph.Node{caller, fn("x/a.py", "go", 1), fn("y/b.py", "go", 1), fn("z/c.py", "go", 1)},
			ref(caller, "go", graph.EdgeCalls, 2))
		_, err := r.ResolveAll(ctx)
		require.NoError(t, err)
		edges := outgoing(t, store, caller.ID)
		require.Len(t, edges, 1)
		targets = append(targets, edges[0].Target)
	}
	assert.Equal(t, targets[0], targets[1])
	assert.Equal(t, targets[1], targets[2])
}

func TestResolve_FailClosed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := setupTestResolver(t, Options{Ambiguity: FailClosed})

	caller := fn("main.py", "main", 1)
	a := fn("x/a.py", "go", 1)
	b := fn("y/b.py", "go", 1)
	seed(t, store, []*graph.Node{caller, a, b}, ref(caller, "go", graph.EdgeCalls, 2))

	res, err := r.ResolveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ambiguous)
	assert.Equal(t, 1, res.Unresolved)
	assert.Empty(t, outgoing(t, store, caller.ID))

	left := remaining(t, store)
	require.Len(t, left, 1)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, left[0].Candidates)
}

func TestResolve_FailClosedStillResolvesClearWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := setupTestResolver(t, Options{Ambiguity: FailClosed})

	caller := fn("x/main.py", "main", 1)
	near := fn("x/a.py", "go", 1)
	far := fn("y/b.py", "go", 1)
	seed(t, store, []*graph.Node{caller, near, far}, ref(caller, "go", graph.EdgeCalls, 2))

	res, err := r.ResolveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Equal(t, near.ID, outgoing(t, store, caller.ID)[0].Target)
}

func TestResolve_Retention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("Drop", func(t *testing.T) {
		t.Parallel()
		r, store := setupTestResolver(t, Options{Retention: Drop})
		caller := fn("a.py", "main", 1)
		seed(t, store, []*graph.Node{caller}, ref(caller, "nowhere", graph.EdgeCalls, 2))

		res, err := r.ResolveAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Dropped)
		assert.Empty(t, remaining(t, store))
	})

	t.Run("Retry", func(t *testing.T) {
		t.Parallel()
		r, store := setupTestResolver(t, Options{Retention: Retry, MaxAttempts: 2})
		caller := fn("a.py", "main", 1)
		seed(t, store, []*graph.Node{caller}, ref(caller, "nowhere", graph.EdgeCalls, 2))

		res, err := r.ResolveAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Unresolved)
		left := remaining(t, store)
		require.Len(t, left, 1)
		assert.Equal(t, 1, left[0].Attempts)

		res, err = r.ResolveAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Dropped)
		assert.Empty(t, remaining(t, store))
	})

	t.Run("Retain", func(t *testing.T) {
		t.Parallel()
		r, store := setupTestResolver(t, Options{})
		caller := fn("a.py", "main", 1)
		seed(t, store, []*graph.Node{caller}, ref(caller, "nowhere", graph.EdgeCalls, 2))

		for i := 0; i < 3; i++ {
			_, err := r.ResolveAll(ctx)
			require.NoError(t, err)
		}
		left := remaining(t, store)
		require.Len(t, left, 1)
		assert.Equal(t, 0, left[0].Attempts)
	})
}

func TestResolve_MalformedAndFiltered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := setupTestResolver(t, Options{})

	caller := fn("a.py", "main", 1)
	orphan := &graph.UnresolvedReference{ID: "ref:orphan", FromNodeID: "function:gone", Name: "x", Kind: graph.EdgeCalls, FilePath: "a.py"}
	empty := &graph.UnresolvedReference{ID: "ref:empty", Name: "y", Kind: graph.EdgeCalls, FilePath: "a.py"}
	builtin := ref(caller, "len", graph.EdgeCalls, 2)
	seed(t, store, []*graph.Node{caller}, orphan, empty, builtin)

	res, err := r.ResolveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Malformed)
	assert.Equal(t, 1, res.Filtered)
	assert.Equal(t, 2, res.Errors.Len())
	assert.ErrorIs(t, res.Errors.ErrOrNil(), apperr.ErrMalformedReference)

	left := remaining(t, store)
	require.Len(t, left, 2)
	assert.Equal(t, "ref:empty", left[0].ID)
	assert.Equal(t, "ref:orphan", left[1].ID)
}

func TestResolve_Recursion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := setupTestResolver(t, Options{})

	fact := fn("m.py", "fact", 1)
	seed(t, store, []*graph.Node{fact}, ref(fact, "fact", graph.EdgeCalls, 3))

	_, err := r.ResolveAll(ctx)
	require.NoError(t, err)
	edges := outgoing(t, store, fact.ID)
	require.Len(t, edges, 1)
	assert.Equal(t, fact.ID, edges[0].Target)
}

func TestResolve_ImportReference(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := setupTestResolver(t, Options{})

	fileA := &graph.Node{ID: graph.NodeID("src/a.ts", graph.NodeFile, "a.ts", 0), Kind: graph.NodeFile, Name: "a.ts", FilePath: "src/a.ts", Language: "typescript"}
	fileB := &graph.Node{ID: graph.NodeID("src/b.ts", graph.NodeFile, "b.ts", 0), Kind: graph.NodeFile, Name: "b.ts", FilePath: "src/b.ts", Language: "typescript"}
	escape := ref(fileA, "../../etc/passwd", graph.EdgeImports, 2)
	seed(t, store, []*graph.Node{fileA, fileB}, ref(fileA, "./b", graph.EdgeImports, 1), escape)

	res, err := r.ResolveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Equal(t, 1, res.Unresolved)
	assert.ErrorIs(t, res.Errors.ErrOrNil(), apperr.ErrPathTraversal)

	edges := outgoing(t, store, fileA.ID)
	require.Len(t, edges, 1)
	assert.Equal(t, fileB.ID, edges[0].Target)
	assert.Equal(t, graph.EdgeImports, edges[0].Kind)
}

func TestResolve_ScopedByName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := setupTestResolver(t, Options{})

	caller := fn("a.py", "main", 1)
	x := fn("b.py", "alpha", 1)
	y := fn("b.py", "beta", 5)
	seed(t, store, []*graph.Node{caller, x, y},
		ref(caller, "alpha", graph.EdgeCalls, 2),
		ref(caller, "mod.Beta", graph.EdgeCalls, 3),
	)

	res, err := r.ResolveNames(ctx, []string{"Alpha"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Len(t, remaining(t, store), 1)

	res, err = r.ResolveNames(ctx, []string{"beta"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Empty(t, remaining(t, store))

	empty, err := r.Resolve(ctx, Scope{})
	require.NoError(t, err)
	assert.Zero(t, empty.Resolved)
}

func TestResolve_MatcherPass(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := setupTestResolver(t, Options{})

	app := &graph.Node{ID: graph.NodeID("api.py", graph.NodeVariable, "app", 1), Kind: graph.NodeVariable, Name: "app", FilePath: "api.py", Language: "python"}
	handler := fn("api.py", "users", 4)
	handler.Decorators = []string{"app.get('/users')"}
	seed(t, store, []*graph.Node{app, handler})

	res, err := r.ResolveFiles(ctx, []string{"api.py"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synthetic)
	assert.Equal(t, 1, res.EdgesCreated)

	edges := outgoing(t, store, handler.ID)
	require.Len(t, edges, 1)
	assert.Equal(t, app.ID, edges[0].Target)
	assert.Equal(t, graph.OriginMatcher, edges[0].Origin())
	assert.Equal(t, "/users", edges[0].Metadata[graph.MetaRoute])

	again, err := r.ResolveAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Synthetic, "existing matcher edges are not counted again")
	assert.Zero(t, again.EdgesCreated)
	assert.Len(t, outgoing(t, store, handler.ID), 1)
}

func TestResolve_Cancelled(t *testing.T) {
	t.Parallel()
	r, store := setupTestResolver(t, Options{})

	caller := fn("a.py", "main", 1)
	seed(t, store, []*graph.Node{caller, fn("b.py", "run", 1)}, ref(caller, "run", graph.EdgeCalls, 2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.ResolveAll(ctx)
	require.Error(t, err)

	assert.Len(t, remaining(t, store), 1)
	assert.Empty(t, outgoing(t, store, caller.ID))
}

func TestRankCandidates(t *testing.T) {
	t.Parallel()

	n := func(id string) *graph.Node { return &graph.Node{ID: id} }
	cands := []*candidate{
		{node: n("e"), tier: tierGlobal, compat: graph.CompatPreferred},
		{node: n("d"), tier: tierSameDir, compat: graph.CompatAcceptable},
		{node: n("c"), tier: tierSameDir, compat: graph.CompatPreferred, distance: 4},
		{node: n("b"), tier: tierSameDir, compat: graph.CompatPreferred, distance: 2},
		{node: n("a"), tier: tierSameDir, compat: graph.CompatPreferred, distance: 2},
		{node: n("f"), tier: tierSameDir, compat: graph.CompatPreferred, suffix: true, distance: 9},
	}
	rankCandidates(cands)

	var order []string
	for _, c := range cands {
		order = append(order, c.node.ID)
	}
	assert.Equal(t, []string{"f", "a", "b", "c", "d", "e"}, order)
}

func TestQualifiedDistance(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, qualifiedDistance("a.b", "a.b"))
	assert.Equal(t, 4, qualifiedDistance("pkg.A.run", "pkg.B.run"))
	assert.Equal(t, 4, qualifiedDistance("pkg.run", "other.x"))
	assert.Equal(t, 1, qualifiedDistance("pkg", "pkg.run"))
}
