// Package frameworks holds the pluggable heuristics that help reference
// resolution with ecosystem conventions the name index cannot see: builtin
// identifiers that never resolve, decorator-based routing, handler
// registration and method receivers.
//
// A unit implements Unit plus any of the capability interfaces. The
// Registry dispatches to units in registration order.
package frameworks

import (
	"context"
	"fmt"
	"slices"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// Unit is a named framework heuristic.
type Unit interface {
	Name() string
}

// MatchContext is what a Matcher sees for one node.
type MatchContext struct {
	Node *graph.Node

	// FileNodes are all nodes of Node's file.
	FileNodes []*graph.Node
}

// Matcher produces synthetic edges from facts present on a node.
type Matcher interface {
	Unit
	Matches(n *graph.Node) bool
	Apply(ctx context.Context, mc *MatchContext) ([]*graph.Edge, error)
}

// ReferenceFilter removes references that can never resolve to project code.
type ReferenceFilter interface {
	Unit
	Skip(ref *graph.UnresolvedReference) bool
}

// Lookup is the read access given to suggesters.
type Lookup interface {
	// Lookup returns node ids whose name equals name, ignoring case.
	Lookup(ctx context.Context, name string) ([]string, error)
	Node(ctx context.Context, id string) (*graph.Node, error)
}

// CandidateSuggester proposes candidate node ids beyond name-index matches.
type CandidateSuggester interface {
	Unit
	Suggest(ctx context.Context, ref *graph.UnresolvedReference, lookup Lookup) ([]string, error)
}

// CandidateFilter narrows a candidate set. It must return a subset of nodes.
type CandidateFilter interface {
	Unit
	Filter(ref *graph.UnresolvedReference, nodes []*graph.Node) []*graph.Node
}

// Registry is an ordered set of units with unique names.
type Registry struct {
	units []Unit
}

// NewRegistry creates a registry holding units.
func NewRegistry(units ...Unit) (*Registry, error) {
	r := &Registry{}
	for _, u := range units {
		if err := r.Register(u); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns the built-in units minus the disabled names.
func DefaultRegistry(disabled ...string) *Registry {
	r := &Registry{}
	for _, u := range []Unit{
		NewBuiltins(),
		NewRouteDecorators(),
		NewHTTPHandlers(),
		NewReceiverMethods(),
	} {
		if slices.Contains(disabled, u.Name()) {
			continue
		}
		r.units = append(r.units, u)
	}
	return r
}

// Register appends u. Names must be unique.
func (r *Registry) Register(u Unit) error {
	for _, existing := range r.units {
		if existing.Name() == u.Name() {
			return fmt.Errorf("frameworks: unit %q already registered", u.Name())
		}
	}
	r.units = append(r.units, u)
	return nil
}

// Names lists registered units in order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.units))
	for i, u := range r.units {
		names[i] = u.Name()
	}
	return names
}

func (r *Registry) Matchers() []Matcher {
	var out []Matcher
	for _, u := range r.units {
		if m, ok := u.(Matcher); ok {
			out = append(out, m)
		}
	}
	return out
}

// Skip reports the first filter that rejects ref.
func (r *Registry) Skip(ref *graph.UnresolvedReference) (string, bool) {
	for _, u := range r.units {
		if f, ok := u.(ReferenceFilter); ok && f.Skip(ref) {
			return u.Name(), true
		}
	}
	return "", false
}

// Suggest merges the suggestions of every suggester, sorted and deduplicated.
func (r *Registry) Suggest(ctx context.Context, ref *graph.UnresolvedReference, lookup Lookup) ([]string, error) {
	var out []string
	for _, u := range r.units {
		s, ok := u.(CandidateSuggester)
		if !ok {
			continue
		}
		ids, err := s.Suggest(ctx, ref, lookup)
		if err != nil {
			return nil, fmt.Errorf("frameworks: %s: %w", u.Name(), err)
		}
		out = append(out, ids...)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// FilterCandidates runs every candidate filter in order.
func (r *Registry) FilterCandidates(ref *graph.UnresolvedReference, nodes []*graph.Node) []*graph.Node {
	for _, u := range r.units {
		if f, ok := u.(CandidateFilter); ok {
			nodes = f.Filter(ref, nodes)
		}
	}
	return nodes
}

// syntheticEdge builds a matcher edge carrying its provenance.
func syntheticEdge(matcher, source, target string, kind graph.EdgeKind, line int) *graph.Edge {
	e := graph.NewEdge(source, target, kind)
	e.Line = line
	e.Metadata = map[string]string{
		graph.MetaOrigin:  graph.OriginMatcher,
		graph.MetaMatcher: matcher,
	}
	return e
}
