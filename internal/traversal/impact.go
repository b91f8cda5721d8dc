package traversal

import (
	"context"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// impactKinds are the dependency edges followed by ImpactRadius. Containment
// is structural and would pull in every sibling of the root's file.
var impactKinds = func() []graph.EdgeKind {
	var kinds []graph.EdgeKind
	for _, k := range graph.EdgeKinds {
		if k != graph.EdgeContains {
			kinds = append(kinds, k)
		}
	}
	return kinds
}()

// Impact is the set of nodes that transitively depend on a root.
type Impact struct {
	Root *graph.Node `json:"root"`

	// Levels[i] holds the nodes first reached at hop distance i+1.
	Levels [][]*graph.Node `json:"levels"`

	Truncated bool `json:"truncated,omitempty"`
}

// Total returns the number of affected nodes, excluding the root.
func (i *Impact) Total() int {
	n := 0
	for _, l := range i.Levels {
		n += len(l)
	}
	return n
}

// ImpactRadius follows incoming dependency edges up to depth hops from id.
// Depth zero yields no levels.
func (t *Traverser) ImpactRadius(ctx context.Context, id string, depth int) (*Impact, error) {
	g, err := t.Traverse(ctx, id, Options{
		MaxDepth:  depth,
		Direction: In,
		EdgeKinds: impactKinds,
	})
	if err != nil {
		return nil, err
	}

	impact := &Impact{Root: g.Node(id), Truncated: g.Truncated}
	for d := 1; d <= g.MaxDepth(); d++ {
		impact.Levels = append(impact.Levels, g.NodesAtDepth(d))
	}
	return impact, nil
}
