package graph

import "sort"

// Subgraph is an in-memory directed graph produced by a traversal.
//
// Nodes are keyed by ID and remember the hop distance at which they were
// first reached from the root. Secondary indexes on adjacency keep
// neighbour queries proportional to the result rather than the subgraph.
//
// A Subgraph is built by a single traversal call and is not safe for
// concurrent mutation.
type Subgraph struct {
	Root string

	// Truncated is set when expansion stopped because the node limit was reached.
	Truncated bool

	nodes map[string]*Node
	edges map[string]*Edge
	depth map[string]int
	order []string

	outgoing map[string]map[string]*Edge
	incoming map[string]map[string]*Edge
}

// NewSubgraph creates an empty subgraph rooted at the given node ID.
func NewSubgraph(root string) *Subgraph {
	return &Subgraph{
		Root:     root,
		nodes:    make(map[string]*Node),
		edges:    make(map[string]*Edge),
		depth:    make(map[string]int),
		outgoing: make(map[string]map[string]*Edge),
		incoming: make(map[string]map[string]*Edge),
	}
}

// AddNode adds a node at the given depth. It returns false if the node was already present;
// the first depth recorded for a node wins.
func (g *Subgraph) AddNode(node *Node, depth int) bool {
	if _, ok := g.nodes[node.ID]; ok {
		return false
	}
	g.nodes[node.ID] = node
	g.depth[node.ID] = depth
	g.order = append(g.order, node.ID)
	return true
}

// AddEdge records an edge. Edges whose endpoints are not both in the subgraph are ignored.
func (g *Subgraph) AddEdge(edge *Edge) bool {
	if _, ok := g.nodes[edge.Source]; !ok {
		return false
	}
	if _, ok := g.nodes[edge.Target]; !ok {
		return false
	}
	if _, ok := g.edges[edge.ID]; ok {
		return false
	}
	g.edges[edge.ID] = edge

	if g.outgoing[edge.Source] == nil {
		g.outgoing[edge.Source] = make(map[string]*Edge)
	}
	g.outgoing[edge.Source][edge.ID] = edge

	if g.incoming[edge.Target] == nil {
		g.incoming[edge.Target] = make(map[string]*Edge)
	}
	g.incoming[edge.Target][edge.ID] = edge
	return true
}

// Node returns the node with the given ID, or nil.
func (g *Subgraph) Node(id string) *Node {
	return g.nodes[id]
}

// Contains reports whether the node is part of the subgraph.
func (g *Subgraph) Contains(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Depth returns the hop distance of a node from the root.
func (g *Subgraph) Depth(id string) (int, bool) {
	d, ok := g.depth[id]
	return d, ok
}

// NodeCount returns the number of nodes.
func (g *Subgraph) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges.
func (g *Subgraph) EdgeCount() int {
	return len(g.edges)
}

// Nodes returns nodes in the order they were reached.
func (g *Subgraph) Nodes() []*Node {
	result := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		result = append(result, g.nodes[id])
	}
	return result
}

// NodeIDs returns node IDs in the order they were reached.
func (g *Subgraph) NodeIDs() []string {
	return append([]string(nil), g.order...)
}

// Edges returns all edges sorted by ID.
func (g *Subgraph) Edges() []*Edge {
	return sortedEdges(g.edges)
}

// NodesAtDepth returns the nodes first reached at exactly the given depth.
func (g *Subgraph) NodesAtDepth(depth int) []*Node {
	var result []*Node
	for _, id := range g.order {
		if g.depth[id] == depth {
			result = append(result, g.nodes[id])
		}
	}
	return result
}

// MaxDepth returns the greatest depth of any node.
func (g *Subgraph) MaxDepth() int {
	max := 0
	for _, d := range g.depth {
		if d > max {
			max = d
		}
	}
	return max
}

// Outgoing returns edges leaving the node, optionally restricted to the given kinds.
func (g *Subgraph) Outgoing(id string, kinds ...EdgeKind) []*Edge {
	return filterEdges(g.outgoing[id], kinds)
}

// Incoming returns edges entering the node, optionally restricted to the given kinds.
func (g *Subgraph) Incoming(id string, kinds ...EdgeKind) []*Edge {
	return filterEdges(g.incoming[id], kinds)
}

func filterEdges(edges map[string]*Edge, kinds []EdgeKind) []*Edge {
	if len(edges) == 0 {
		return nil
	}
	if len(kinds) == 0 {
		return sortedEdges(edges)
	}
	filtered := make(map[string]*Edge)
	for id, e := range edges {
		for _, k := range kinds {
			if e.Kind == k {
				filtered[id] = e
				break
			}
		}
	}
	return sortedEdges(filtered)
}

func sortedEdges(edges map[string]*Edge) []*Edge {
	result := make([]*Edge, 0, len(edges))
	for _, e := range edges {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
