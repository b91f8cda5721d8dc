package frameworks

import (
	"strings"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// registrationCalls are the Go router methods that take a handler argument.
var registrationCalls = wordSet(`
	HandleFunc Handle Get Post Put Patch Delete Head Options Connect Trace Method
	GET POST PUT PATCH DELETE HEAD OPTIONS Any Match Use`)

// handlerShapes are signature fragments of Go HTTP handlers across
// net/http, gin, echo, fiber and chi.
var handlerShapes = [][]string{
	{"http.ResponseWriter", "*http.Request"},
	{"*gin.Context"},
	{"echo.Context"},
	{"*fiber.Ctx"},
}

// HTTPHandlers narrows candidates of references passed to a router
// registration call to functions shaped like HTTP handlers.
type HTTPHandlers struct{}

func NewHTTPHandlers() *HTTPHandlers { return &HTTPHandlers{} }

func (*HTTPHandlers) Name() string { return "go-http-handlers" }

// Filter keeps handler-shaped candidates when at least one exists, and
// returns nodes unchanged otherwise.
func (*HTTPHandlers) Filter(ref *graph.UnresolvedReference, nodes []*graph.Node) []*graph.Node {
	if ref.Language != "go" {
		return nodes
	}
	callee := ref.Metadata[graph.MetaCallee]
	if i := strings.LastIndex(callee, "."); i >= 0 {
		callee = callee[i+1:]
	}
	if !registrationCalls[callee] {
		return nodes
	}

	var kept []*graph.Node
	for _, n := range nodes {
		if handlerShaped(n.Signature) {
			kept = append(kept, n)
		}
	}
	if len(kept) == 0 {
		return nodes
	}
	return kept
}

func handlerShaped(sig string) bool {
	for _, shape := range handlerShapes {
		ok := true
		for _, frag := range shape {
			if !strings.Contains(sig, frag) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}
