package frameworks

import (
	"context"
	"regexp"
	"strings"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// routeDecorator matches app.get("/users"), router.post('/x', ...), bp.route("/").
var routeDecorator = regexp.MustCompile(
	`^(\w+)\.(get|post|put|patch|delete|head|options|route|api_route|websocket)\s*\(\s*(?:["']([^"']*)["'])?`)

// RouteDecorators links route handlers to the app or router object that registers them.
type RouteDecorators struct{}

func NewRouteDecorators() *RouteDecorators { return &RouteDecorators{} }

func (*RouteDecorators) Name() string { return "route-decorators" }

func (*RouteDecorators) Matches(n *graph.Node) bool {
	if n.Kind != graph.NodeFunction && n.Kind != graph.NodeMethod {
		return false
	}
	for _, d := range n.Decorators {
		if routeDecorator.MatchString(strings.TrimPrefix(d, "@")) {
			return true
		}
	}
	return false
}

// Apply emits a decorates edge from the handler to each same-file variable or
// class its route decorators name.
func (r *RouteDecorators) Apply(_ context.Context, mc *MatchContext) ([]*graph.Edge, error) {
	var edges []*graph.Edge
	for _, d := range mc.Node.Decorators {
		m := routeDecorator.FindStringSubmatch(strings.TrimPrefix(d, "@"))
		if m == nil {
			continue
		}
		target := findRouter(mc.FileNodes, m[1])
		if target == nil || target.ID == mc.Node.ID {
			continue
		}
		e := syntheticEdge(r.Name(), mc.Node.ID, target.ID, graph.EdgeDecorates, mc.Node.StartLine)
		if m[3] != "" {
			e.Metadata[graph.MetaRoute] = m[3]
		}
		edges = append(edges, e)
	}
	return edges, nil
}

func findRouter(nodes []*graph.Node, name string) *graph.Node {
	var best *graph.Node
	for _, n := range nodes {
		if n.Name != name {
			continue
		}
		switch n.Kind {
		case graph.NodeVariable, graph.NodeConstant, graph.NodeClass:
		default:
			continue
		}
		if best == nil || n.ID < best.ID {
			best = n
		}
	}
	return best
}
