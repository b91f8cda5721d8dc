// Package traversal answers structural questions over the resolved graph.
//
// Every query is a breadth-first expansion from a root node. A per-call
// visited set keyed by node id bounds the work on cyclic graphs: each node is
// expanded at most once, and expansion stops at the depth bound or once the
// result reaches its node limit. Traversals hold no state between calls.
package traversal

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/southerncoder/codegraph-sub000/internal/apperr"
	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// Direction selects which edges a traversal follows.
type Direction string

const (
	In   Direction = "in"
	Out  Direction = "out"
	Both Direction = "both"
)

const (
	DefaultMaxDepth = 3
	DefaultLimit    = 1000
)

// Store is the read surface a Traverser needs. *storage.Store satisfies it.
type Store interface {
	GetNodeByID(ctx context.Context, id string) (*graph.Node, error)
	GetOutgoingEdges(ctx context.Context, id string, kinds ...graph.EdgeKind) ([]*graph.Edge, error)
	GetIncomingEdges(ctx context.Context, id string, kinds ...graph.EdgeKind) ([]*graph.Edge, error)
}

// Options bounds a traversal. MaxDepth is taken as given: zero returns the
// root alone and a negative depth is an error. A zero Limit or Direction
// selects the default; empty kind filters accept everything.
type Options struct {
	MaxDepth  int
	Direction Direction
	EdgeKinds []graph.EdgeKind
	NodeKinds []graph.NodeKind
	Limit     int
}

func (o Options) withDefaults() Options {
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.Direction == "" {
		o.Direction = Out
	}
	return o
}

// ParseDirection converts user input to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(s)); d {
	case In, Out, Both:
		return d, nil
	case "incoming", "callers":
		return In, nil
	case "outgoing", "callees":
		return Out, nil
	case "":
		return Out, nil
	default:
		return "", fmt.Errorf("traversal: unknown direction %q", s)
	}
}

// Traverser runs graph queries against a store.
type Traverser struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Traverser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Traverser{store: store, logger: logger}
}

// Callers returns the nodes with a calls edge into id, ordered by id.
func (t *Traverser) Callers(ctx context.Context, id string) ([]*graph.Node, error) {
	ctx, span := startSpan(ctx, "Callers", id)
	defer span.End()

	edges, err := t.store.GetIncomingEdges(ctx, id, graph.EdgeCalls)
	if err != nil {
		return nil, fmt.Errorf("traversal: callers of %s: %w", id, err)
	}
	return t.endpoints(ctx, edges, func(e *graph.Edge) string { return e.Source })
}

// Callees returns the nodes id has a calls edge to, ordered by id.
func (t *Traverser) Callees(ctx context.Context, id string) ([]*graph.Node, error) {
	ctx, span := startSpan(ctx, "Callees", id)
	defer span.End()

	edges, err := t.store.GetOutgoingEdges(ctx, id, graph.EdgeCalls)
	if err != nil {
		return nil, fmt.Errorf("traversal: callees of %s: %w", id, err)
	}
	return t.endpoints(ctx, edges, func(e *graph.Edge) string { return e.Target })
}

func (t *Traverser) endpoints(ctx context.Context, edges []*graph.Edge, end func(*graph.Edge) string) ([]*graph.Node, error) {
	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, end(e))
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	nodes := make([]*graph.Node, 0, len(ids))
	for _, id := range ids {
		n, err := t.store.GetNodeByID(ctx, id)
		if err != nil {
			return nil, err
		}
		// Edges left dangling by an interrupted sync are ignored.
		if n != nil {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

// Traverse expands breadth-first from id. The root is always part of the
// result at depth 0. Nodes whose kind is filtered out are neither returned
// nor expanded.
func (t *Traverser) Traverse(ctx context.Context, id string, opts Options) (*graph.Subgraph, error) {
	if opts.MaxDepth < 0 {
		return nil, fmt.Errorf("traversal: negative depth %d", opts.MaxDepth)
	}
	opts = opts.withDefaults()
	ctx, span := startSpan(ctx, "Traverse", id)
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root, err := t.store.GetNodeByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("traversal: root %s: %w", id, err)
	}
	if root == nil {
		return nil, apperr.NewItemError(apperr.ErrNotFound, id, nil)
	}

	g := graph.NewSubgraph(id)
	g.AddNode(root, 0)
	visited := map[string]bool{id: true}
	frontier := []string{id}

	for depth := 1; depth <= opts.MaxDepth && len(frontier) > 0 && !g.Truncated; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var next []string
		for _, cur := range frontier {
			edges, err := t.neighbours(ctx, cur, opts)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				other := e.Target
				if other == cur {
					other = e.Source
				}
				if visited[other] {
					g.AddEdge(e)
					continue
				}
				visited[other] = true

				n, err := t.store.GetNodeByID(ctx, other)
				if err != nil {
					return nil, err
				}
				if n == nil || !kindAllowed(n.Kind, opts.NodeKinds) {
					continue
				}
				if g.NodeCount() >= opts.Limit {
					g.Truncated = true
					break
				}
				g.AddNode(n, depth)
				g.AddEdge(e)
				next = append(next, other)
			}
			if g.Truncated {
				break
			}
		}
		frontier = next
	}

	recordTraversal(ctx, span, "traverse", g)
	t.logger.Debug("traversal complete", "root", id, "nodes", g.NodeCount(), "edges", g.EdgeCount(), "truncated", g.Truncated)
	return g, nil
}

// neighbours returns the edges leaving cur in the traversal direction, ordered by id.
// Self-loops are dropped.
func (t *Traverser) neighbours(ctx context.Context, cur string, opts Options) ([]*graph.Edge, error) {
	var edges []*graph.Edge
	if opts.Direction == Out || opts.Direction == Both {
		out, err := t.store.GetOutgoingEdges(ctx, cur, opts.EdgeKinds...)
		if err != nil {
			return nil, err
		}
		edges = append(edges, out...)
	}
	if opts.Direction == In || opts.Direction == Both {
		in, err := t.store.GetIncomingEdges(ctx, cur, opts.EdgeKinds...)
		if err != nil {
			return nil, err
		}
		edges = append(edges, in...)
	}
	edges = slices.DeleteFunc(edges, func(e *graph.Edge) bool { return e.Source == e.Target })
	slices.SortFunc(edges, func(a, b *graph.Edge) int { return strings.Compare(a.ID, b.ID) })
	return slices.CompactFunc(edges, func(a, b *graph.Edge) bool { return a.ID == b.ID }), nil
}

func kindAllowed(k graph.NodeKind, kinds []graph.NodeKind) bool {
	return len(kinds) == 0 || slices.Contains(kinds, k)
}
