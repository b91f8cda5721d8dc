package resolver

import (
	"context"
	"path"
	"slices"
	"strings"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// Locality tiers, best first.
const (
	tierGlobal   = 1
	tierImport   = 2
	tierSameDir  = 3
	tierSameFile = 4
)

type candidate struct {
	node     *graph.Node
	tier     int
	compat   int
	suffix   bool
	distance int
}

// ties reports whether c and o are indistinguishable before qualified-name distance.
func (c *candidate) ties(o *candidate) bool {
	return c.tier == o.tier && c.compat == o.compat && c.suffix == o.suffix
}

// rankCandidates orders by tier, compatibility and suffix match descending, then
// qualified-name distance ascending, then id.
func rankCandidates(cands []*candidate) {
	slices.SortFunc(cands, func(a, b *candidate) int {
		switch {
		case a.tier != b.tier:
			return b.tier - a.tier
		case a.compat != b.compat:
			return b.compat - a.compat
		case a.suffix != b.suffix:
			if a.suffix {
				return -1
			}
			return 1
		case a.distance != b.distance:
			return a.distance - b.distance
		default:
			return strings.Compare(a.node.ID, b.node.ID)
		}
	})
}

// candidates gathers, filters and scores the possible targets of ref.
func (p *pass) candidates(ctx context.Context, ref *graph.UnresolvedReference, from *graph.Node) ([]*candidate, error) {
	found := make(map[string]*graph.Node)
	viaImport := make(map[string]bool)

	add := func(n *graph.Node) {
		if n == nil {
			return
		}
		if graph.Compatibility(ref.Kind, n.Kind) == graph.CompatNever {
			return
		}
		if n.ID == from.ID && ref.Kind != graph.EdgeCalls {
			return
		}
		found[n.ID] = n
	}
	addID := func(id string) error {
		if _, ok := found[id]; ok {
			return nil
		}
		n, err := p.tx.Node(ctx, id)
		if err != nil {
			return err
		}
		add(n)
		return nil
	}

	for _, id := range ref.Candidates {
		if err := addID(id); err != nil {
			return nil, err
		}
	}

	scoped, err := p.importScoped(ctx, ref)
	if err != nil {
		return nil, err
	}
	for _, n := range scoped {
		add(n)
		if _, ok := found[n.ID]; ok {
			viaImport[n.ID] = true
		}
	}

	ids, err := p.r.names.Lookup(ctx, graph.LookupName(ref.Name))
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := addID(id); err != nil {
			return nil, err
		}
	}

	suggested, err := p.r.registry.Suggest(ctx, ref, &txLookup{p: p})
	if err != nil {
		return nil, err
	}
	for _, id := range suggested {
		if err := addID(id); err != nil {
			return nil, err
		}
	}

	nodes := make([]*graph.Node, 0, len(found))
	for _, n := range found {
		nodes = append(nodes, n)
	}
	slices.SortFunc(nodes, func(a, b *graph.Node) int { return strings.Compare(a.ID, b.ID) })
	nodes = p.r.registry.FilterCandidates(ref, nodes)

	cands := make([]*candidate, 0, len(nodes))
	for _, n := range nodes {
		cands = append(cands, &candidate{
			node:     n,
			tier:     tier(ref, n, viaImport[n.ID]),
			compat:   graph.Compatibility(ref.Kind, n.Kind),
			suffix:   suffixMatch(ref, n),
			distance: qualifiedDistance(from.QualifiedName, n.QualifiedName),
		})
	}
	return cands, nil
}

// importScoped returns the exports reachable through the originating file's
// imports whose binding matches the reference name or its qualifier.
func (p *pass) importScoped(ctx context.Context, ref *graph.UnresolvedReference) ([]*graph.Node, error) {
	imps, ok := p.imports[ref.FilePath]
	if !ok {
		nodes, err := p.tx.NodesByFile(ctx, ref.FilePath)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			if n.Kind == graph.NodeImport {
				imps = append(imps, n)
			}
		}
		p.imports[ref.FilePath] = imps
	}

	qualifier := graph.Qualifier(ref.Name)
	var out []*graph.Node
	for _, imp := range imps {
		var want string
		switch {
		case imp.Name == ref.Name:
			want = imp.Metadata[graph.MetaImported]
			if want == "" || want == "*" || want == "default" {
				want = imp.Name
			}
		case qualifier != "" && imp.Name == qualifier:
			want = lastSegment(ref.Name)
		default:
			continue
		}

		spec := imp.Metadata[graph.MetaSource]
		if spec == "" {
			continue
		}
		res, err := p.r.imports.Resolve(ctx, ref.FilePath, spec)
		if err != nil {
			// Traversal and store errors surface when the import reference itself resolves.
			continue
		}
		for _, n := range res.Exports {
			if strings.EqualFold(n.Name, want) {
				out = append(out, n)
			}
		}
	}
	return out, nil
}

func tier(ref *graph.UnresolvedReference, n *graph.Node, viaImport bool) int {
	t := tierGlobal
	if viaImport {
		t = tierImport
	}
	switch {
	case n.FilePath == ref.FilePath:
		t = tierSameFile
	case path.Dir(n.FilePath) == path.Dir(ref.FilePath):
		t = max(t, tierSameDir)
	}
	return t
}

// suffixMatch reports whether n's qualified name ends with the dotted reference
// name, or with Receiver.name for method calls.
func suffixMatch(ref *graph.UnresolvedReference, n *graph.Node) bool {
	qn := n.QualifiedName
	if qn == "" {
		return false
	}
	hasSuffix := func(s string) bool {
		return strings.EqualFold(qn, s) || strings.HasSuffix(strings.ToLower(qn), "."+strings.ToLower(s))
	}
	if strings.Contains(ref.Name, ".") && hasSuffix(ref.Name) {
		return true
	}
	if recv := strings.TrimLeft(ref.Metadata[graph.MetaReceiver], "*&"); recv != "" {
		return hasSuffix(recv + "." + lastSegment(ref.Name))
	}
	return false
}

// qualifiedDistance counts the segments of a and b outside their common prefix.
func qualifiedDistance(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	common := 0
	for common < len(as) && common < len(bs) && as[common] == bs[common] {
		common++
	}
	return len(as) + len(bs) - 2*common
}

func lastSegment(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 && i < len(name)-1 {
		return name[i+1:]
	}
	return name
}

// txLookup serves framework suggesters from the name index and the pass transaction.
type txLookup struct {
	p *pass
}

func (l *txLookup) Lookup(ctx context.Context, name string) ([]string, error) {
	return l.p.r.names.Lookup(ctx, name)
}

func (l *txLookup) Node(ctx context.Context, id string) (*graph.Node, error) {
	return l.p.tx.Node(ctx, id)
}
