// Package mcp exposes the codegraph read surface over the Model Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/southerncoder/codegraph-sub000/internal/apperr"
	"github.com/southerncoder/codegraph-sub000/internal/graph"
	"github.com/southerncoder/codegraph-sub000/internal/lock"
	"github.com/southerncoder/codegraph-sub000/internal/storage"
	"github.com/southerncoder/codegraph-sub000/internal/traversal"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 200
)

// Options configures NewServer.
type Options struct {
	Store   *storage.Store
	Version string

	// LockPath, when set, lets codegraph_status report a sync in progress.
	LockPath string

	Logger *slog.Logger
}

// Server serves graph queries to MCP clients.
type Server struct {
	store     *storage.Store
	traverser *traversal.Traverser
	lockPath  string
	server    *mcp.Server
	logger    *slog.Logger
}

// NewServer creates a server with every codegraph tool registered.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		store:     opts.Store,
		traverser: traversal.New(opts.Store, logger),
		lockPath:  opts.LockPath,
		logger:    logger,
	}
	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "codegraph",
		Version: version,
	}, &mcp.ServerOptions{
		Instructions: "codegraph answers structural questions about the indexed repository: " +
			"where a symbol is defined, who calls it, what it calls and what a change to it affects. " +
			"Symbols may be given as node ids or as names; qualify a name (Type.method) to narrow it.",
	})
	s.registerTools()
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *mcp.Server { return s.server }

// Run serves over stdin/stdout until the client disconnects or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// SearchArgs are the codegraph_search arguments.
type SearchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// SymbolArgs name a single symbol.
type SymbolArgs struct {
	Symbol string `json:"symbol"`
}

// TraverseArgs are the codegraph_traverse arguments.
type TraverseArgs struct {
	Symbol    string   `json:"symbol"`
	Depth     *int     `json:"depth,omitempty"`
	Direction string   `json:"direction,omitempty"`
	EdgeKinds []string `json:"edge_kinds,omitempty"`
	NodeKinds []string `json:"node_kinds,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

// ImpactArgs are the codegraph_impact arguments.
type ImpactArgs struct {
	Symbol string `json:"symbol"`
	Depth  *int   `json:"depth,omitempty"`
}

type StatusArgs struct{}

func symbolSchema(extra map[string]*jsonschema.Schema) *jsonschema.Schema {
	props := map[string]*jsonschema.Schema{
		"symbol": {Type: "string", Description: "Node id, name or qualified name (e.g. Server.Start)"},
	}
	for k, v := range extra {
		props[k] = v
	}
	return &jsonschema.Schema{Type: "object", Properties: props, Required: []string{"symbol"}}
}

func stringEnum(desc string, values ...string) *jsonschema.Schema {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return &jsonschema.Schema{Type: "string", Description: desc, Enum: enum}
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "codegraph_search",
		Description: "Search symbols by name. Returns ranked nodes with their file and line.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"query": {Type: "string", Description: "Name or name fragment"},
				"limit": {Type: "integer", Description: "Maximum number of results (default 20)"},
				"kind":  {Type: "string", Description: "Only return nodes of this kind (function, method, class...)"},
			},
			Required: []string{"query"},
		},
	}, s.handleSearch)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "codegraph_callers",
		Description: "List the functions and methods that call a symbol.",
		InputSchema: symbolSchema(nil),
	}, s.handleCallers)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "codegraph_callees",
		Description: "List the functions and methods a symbol calls.",
		InputSchema: symbolSchema(nil),
	}, s.handleCallees)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "codegraph_traverse",
		Description: "Breadth-first walk of the graph from a symbol, bounded by depth and node limit.",
		InputSchema: symbolSchema(map[string]*jsonschema.Schema{
			"depth":     {Type: "integer", Description: "Maximum hops (default 3; 0 returns only the symbol)"},
			"direction": stringEnum("Edge direction to follow (default out)", "in", "out", "both"),
			"edge_kinds": {
				Type:        "array",
				Description: "Only follow these edge kinds",
				Items:       &jsonschema.Schema{Type: "string"},
			},
			"node_kinds": {
				Type:        "array",
				Description: "Only include nodes of these kinds",
				Items:       &jsonschema.Schema{Type: "string"},
			},
			"limit": {Type: "integer", Description: "Maximum nodes in the result (default 1000)"},
		}),
	}, s.handleTraverse)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "codegraph_impact",
		Description: "Blast radius of changing a symbol: everything that transitively depends on it, grouped by distance.",
		InputSchema: symbolSchema(map[string]*jsonschema.Schema{
			"depth": {Type: "integer", Description: "Maximum hops (default 3; 0 returns no dependents)"},
		}),
	}, s.handleImpact)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "codegraph_node",
		Description: "Full details of a symbol with its incoming and outgoing edges.",
		InputSchema: symbolSchema(nil),
	}, s.handleNode)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "codegraph_status",
		Description: "Index statistics: node, edge, file and unresolved reference counts.",
		InputSchema: &jsonschema.Schema{Type: "object", Properties: map[string]*jsonschema.Schema{}},
	}, s.handleStatus)
}

// NodeSummary is the compact node form returned by the tools.
type NodeSummary struct {
	ID            string         `json:"id"`
	Kind          graph.NodeKind `json:"kind"`
	Name          string         `json:"name"`
	QualifiedName string         `json:"qualified_name,omitempty"`
	File          string         `json:"file"`
	Line          int            `json:"line,omitempty"`
	EndLine       int            `json:"end_line,omitempty"`
	Signature     string         `json:"signature,omitempty"`
}

func summarize(n *graph.Node) NodeSummary {
	return NodeSummary{
		ID:            n.ID,
		Kind:          n.Kind,
		Name:          n.Name,
		QualifiedName: n.QualifiedName,
		File:          n.FilePath,
		Line:          n.StartLine,
		EndLine:       n.EndLine,
		Signature:     n.Signature,
	}
}

func summarizeAll(nodes []*graph.Node) []NodeSummary {
	out := make([]NodeSummary, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, summarize(n))
	}
	return out
}

func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, args SearchArgs) (*mcp.CallToolResult, any, error) {
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return nil, nil, errors.New("query is required")
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	limit = min(limit, maxSearchLimit)

	// Fetch extra when filtering by kind so the limit still applies to matches.
	fetch := limit
	if args.Kind != "" {
		fetch = maxSearchLimit
	}
	results, err := s.store.SearchNodes(ctx, query, fetch)
	if err != nil {
		return nil, nil, fmt.Errorf("searching: %w", err)
	}

	type hit struct {
		NodeSummary
		Score float64 `json:"score"`
	}
	hits := make([]hit, 0, len(results))
	for _, r := range results {
		if args.Kind != "" && string(r.Node.Kind) != args.Kind {
			continue
		}
		hits = append(hits, hit{NodeSummary: summarize(r.Node), Score: r.Score})
		if len(hits) == limit {
			break
		}
	}
	s.logger.Debug("codegraph_search", "query", query, "results", len(hits))
	return jsonResult(map[string]any{"query": query, "results": hits})
}

func (s *Server) handleCallers(ctx context.Context, _ *mcp.CallToolRequest, args SymbolArgs) (*mcp.CallToolResult, any, error) {
	root, err := s.resolve(ctx, args.Symbol)
	if err != nil {
		return nil, nil, err
	}
	callers, err := s.traverser.Callers(ctx, root.ID)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(map[string]any{"symbol": summarize(root), "callers": summarizeAll(callers)})
}

func (s *Server) handleCallees(ctx context.Context, _ *mcp.CallToolRequest, args SymbolArgs) (*mcp.CallToolResult, any, error) {
	root, err := s.resolve(ctx, args.Symbol)
	if err != nil {
		return nil, nil, err
	}
	callees, err := s.traverser.Callees(ctx, root.ID)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(map[string]any{"symbol": summarize(root), "callees": summarizeAll(callees)})
}

func (s *Server) handleTraverse(ctx context.Context, _ *mcp.CallToolRequest, args TraverseArgs) (*mcp.CallToolResult, any, error) {
	opts, err := traverseOptions(args)
	if err != nil {
		return nil, nil, err
	}
	root, err := s.resolve(ctx, args.Symbol)
	if err != nil {
		return nil, nil, err
	}
	g, err := s.traverser.Traverse(ctx, root.ID, opts)
	if err != nil {
		return nil, nil, err
	}

	type visited struct {
		NodeSummary
		Depth int `json:"depth"`
	}
	nodes := make([]visited, 0, g.NodeCount())
	for _, n := range g.Nodes() {
		d, _ := g.Depth(n.ID)
		nodes = append(nodes, visited{NodeSummary: summarize(n), Depth: d})
	}
	return jsonResult(map[string]any{
		"root":      root.ID,
		"nodes":     nodes,
		"edges":     edgeViews(g.Edges()),
		"truncated": g.Truncated,
	})
}

func traverseOptions(args TraverseArgs) (traversal.Options, error) {
	dir, err := traversal.ParseDirection(args.Direction)
	if err != nil {
		return traversal.Options{}, err
	}
	opts := traversal.Options{MaxDepth: depthOrDefault(args.Depth), Direction: dir, Limit: args.Limit}
	for _, k := range args.EdgeKinds {
		ek := graph.EdgeKind(k)
		if !ek.Valid() {
			return traversal.Options{}, fmt.Errorf("unknown edge kind %q", k)
		}
		opts.EdgeKinds = append(opts.EdgeKinds, ek)
	}
	for _, k := range args.NodeKinds {
		opts.NodeKinds = append(opts.NodeKinds, graph.NodeKind(k))
	}
	return opts, nil
}

// depthOrDefault applies the default only when the client left depth out;
// an explicit 0 keeps the traversal at the root.
func depthOrDefault(depth *int) int {
	if depth == nil {
		return traversal.DefaultMaxDepth
	}
	return *depth
}

func (s *Server) handleImpact(ctx context.Context, _ *mcp.CallToolRequest, args ImpactArgs) (*mcp.CallToolResult, any, error) {
	root, err := s.resolve(ctx, args.Symbol)
	if err != nil {
		return nil, nil, err
	}
	impact, err := s.traverser.ImpactRadius(ctx, root.ID, depthOrDefault(args.Depth))
	if err != nil {
		return nil, nil, err
	}
	levels := make([][]NodeSummary, 0, len(impact.Levels))
	for _, l := range impact.Levels {
		levels = append(levels, summarizeAll(l))
	}
	return jsonResult(map[string]any{
		"symbol":    summarize(root),
		"total":     impact.Total(),
		"levels":    levels,
		"truncated": impact.Truncated,
	})
}

func (s *Server) handleNode(ctx context.Context, _ *mcp.CallToolRequest, args SymbolArgs) (*mcp.CallToolResult, any, error) {
	root, err := s.resolve(ctx, args.Symbol)
	if err != nil {
		return nil, nil, err
	}
	out, err := s.store.GetOutgoingEdges(ctx, root.ID)
	if err != nil {
		return nil, nil, err
	}
	in, err := s.store.GetIncomingEdges(ctx, root.ID)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(map[string]any{
		"node":     root,
		"outgoing": edgeViews(out),
		"incoming": edgeViews(in),
	})
}

func (s *Server) handleStatus(ctx context.Context, _ *mcp.CallToolRequest, _ StatusArgs) (*mcp.CallToolResult, any, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, nil, err
	}
	status := map[string]any{"stats": stats}
	if s.lockPath != "" {
		if info, err := lock.ReadInfo(s.lockPath); err == nil && info != nil {
			status["sync_holder"] = info
		}
	}
	return jsonResult(status)
}

type edgeView struct {
	Kind   graph.EdgeKind `json:"kind"`
	Source string         `json:"source"`
	Target string         `json:"target"`
	Line   int            `json:"line,omitempty"`
	Origin string         `json:"origin"`
}

func edgeViews(edges []*graph.Edge) []edgeView {
	out := make([]edgeView, 0, len(edges))
	for _, e := range edges {
		out = append(out, edgeView{Kind: e.Kind, Source: e.Source, Target: e.Target, Line: e.Line, Origin: e.Origin()})
	}
	return out
}

// resolve maps a symbol argument to exactly one node.
func (s *Server) resolve(ctx context.Context, symbol string) (*graph.Node, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, errors.New("symbol is required")
	}
	nodes, err := s.store.FindNodes(ctx, symbol)
	if err != nil {
		return nil, err
	}
	switch len(nodes) {
	case 0:
		return nil, apperr.NewItemError(apperr.ErrNotFound, symbol, nil)
	case 1:
		return nodes[0], nil
	}
	ids := make([]string, 0, 10)
	for _, n := range nodes[:min(len(nodes), 10)] {
		ids = append(ids, fmt.Sprintf("%s (%s %s:%d)", n.ID, n.Kind, n.FilePath, n.StartLine))
	}
	return nil, fmt.Errorf("symbol %q is ambiguous, %d matches; pass one of: %s", symbol, len(nodes), strings.Join(ids, ", "))
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
