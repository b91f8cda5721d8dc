// Package cmd provides the codegraph command line.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"

	"github.com/southerncoder/codegraph-sub000/internal/apperr"
	"github.com/southerncoder/codegraph-sub000/internal/config"
	"github.com/southerncoder/codegraph-sub000/internal/graph"
	"github.com/southerncoder/codegraph-sub000/internal/ingestion"
	"github.com/southerncoder/codegraph-sub000/internal/lock"
	"github.com/southerncoder/codegraph-sub000/internal/resolver"
	"github.com/southerncoder/codegraph-sub000/internal/storage"
	"github.com/southerncoder/codegraph-sub000/internal/traversal"
	"github.com/southerncoder/codegraph-sub000/mcp"
)

// Version is set at build time via ldflags.
var Version = "dev"

// LogLevel is the level of the process-wide log handler. The CLI sets it from
// --verbose or the repository config.
var LogLevel = new(slog.LevelVar)

// Globals are the flags shared by every command.
type Globals struct {
	Repo    string `short:"C" default:"." help:"Repository root" type:"path"`
	Verbose bool   `short:"v" help:"Enable debug logging"`
	JSON    bool   `help:"Print results as JSON"`

	out io.Writer `kong:"-"`
}

// session is an open repository: its config, store and resolver.
type session struct {
	root     string
	cfg      *config.Config
	store    *storage.Store
	resolver *resolver.Resolver
	logger   *slog.Logger
}

// open loads the repository config and opens its store. With existing set the
// index must already be there.
func (g *Globals) open(ctx context.Context, existing bool) (*session, error) {
	root, err := filepath.Abs(g.Repo)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("accessing %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	cfg, err := config.LoadRepo(root)
	if err != nil {
		return nil, err
	}
	if g.Verbose {
		LogLevel.Set(slog.LevelDebug)
	} else {
		LogLevel.Set(cfg.Log.Level)
	}
	logger := slog.Default().With("repo", filepath.Base(root))

	if existing && !indexExists(cfg, root) {
		return nil, fmt.Errorf("no index found at %s. Run 'codegraph index' first", root)
	}

	store, err := storage.Open(ctx, cfg.StorageOptions(root, logger))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return &session{
		root:     root,
		cfg:      cfg,
		store:    store,
		resolver: resolver.New(store, cfg.ResolverOptions(logger)),
		logger:   logger,
	}, nil
}

func indexExists(cfg *config.Config, root string) bool {
	state := cfg.StatePath(root)
	for _, name := range []string{"graph.db", "badger"} {
		if _, err := os.Stat(filepath.Join(state, name)); err == nil {
			return true
		}
	}
	return false
}

func (s *session) controller() *ingestion.Controller {
	return ingestion.New(s.cfg.ControllerOptions(s.root, s.store, s.resolver, s.logger))
}

func (s *session) Close() error {
	return errors.Join(s.resolver.Close(), s.store.Close())
}

// IndexCmd indexes a repository into the graph store.
type IndexCmd struct {
	Full bool `help:"Clear the store and extract every file again"`
}

func (c *IndexCmd) Run(ctx context.Context, g *Globals) error {
	s, err := g.open(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	color.New(color.FgGreen).Fprintf(g.out, "Indexing %s\n", s.root)
	res, err := s.controller().Index(ctx, c.Full)
	if err != nil {
		return fmt.Errorf("indexing: %w", err)
	}
	return g.printSync(res)
}

// SyncCmd applies the changes made since the last index.
type SyncCmd struct{}

func (c *SyncCmd) Run(ctx context.Context, g *Globals) error {
	s, err := g.open(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.controller().Sync(ctx)
	if err != nil {
		return fmt.Errorf("syncing: %w", err)
	}
	return g.printSync(res)
}

// ResolveCmd retries every unresolved reference.
type ResolveCmd struct{}

func (c *ResolveCmd) Run(ctx context.Context, g *Globals) error {
	s, err := g.open(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.controller().Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolving: %w", err)
	}
	if g.JSON {
		return g.printJSON(res)
	}
	g.printResolution(res)
	g.printErrors(&res.Errors)
	return nil
}

// SearchCmd searches symbols by name.
type SearchCmd struct {
	Query string `arg:"" help:"Name or name fragment"`
	Limit int    `short:"n" default:"20" help:"Maximum results"`
	Kind  string `help:"Only show nodes of this kind"`
}

func (c *SearchCmd) Run(ctx context.Context, g *Globals) error {
	s, err := g.open(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	fetch := c.Limit
	if c.Kind != "" {
		fetch = max(c.Limit*10, 200)
	}
	results, err := s.store.SearchNodes(ctx, c.Query, fetch)
	if err != nil {
		return fmt.Errorf("searching: %w", err)
	}
	var nodes []*graph.Node
	for _, r := range results {
		if c.Kind != "" && string(r.Node.Kind) != c.Kind {
			continue
		}
		nodes = append(nodes, r.Node)
		if len(nodes) == c.Limit {
			break
		}
	}
	if g.JSON {
		return g.printJSON(nodes)
	}
	if len(nodes) == 0 {
		fmt.Fprintln(g.out, "No results found")
		return nil
	}
	for i, n := range nodes {
		fmt.Fprintf(g.out, "%2d. %s\n", i+1, describe(n))
	}
	return nil
}

// CallersCmd lists the callers of a symbol.
type CallersCmd struct {
	Symbol string `arg:"" help:"Node id, name or qualified name"`
}

func (c *CallersCmd) Run(ctx context.Context, g *Globals) error {
	return g.neighbours(ctx, c.Symbol, "Callers", (*traversal.Traverser).Callers)
}

// CalleesCmd lists the callees of a symbol.
type CalleesCmd struct {
	Symbol string `arg:"" help:"Node id, name or qualified name"`
}

func (c *CalleesCmd) Run(ctx context.Context, g *Globals) error {
	return g.neighbours(ctx, c.Symbol, "Callees", (*traversal.Traverser).Callees)
}

func (g *Globals) neighbours(ctx context.Context, symbol, title string, query func(*traversal.Traverser, context.Context, string) ([]*graph.Node, error)) error {
	s, err := g.open(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	root, err := g.resolveSymbol(ctx, s.store, symbol)
	if err != nil {
		return err
	}
	nodes, err := query(traversal.New(s.store, s.logger), ctx, root.ID)
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(nodes)
	}
	color.New(color.Bold).Fprintf(g.out, "%s of %s (%d)\n", title, describe(root), len(nodes))
	if len(nodes) == 0 {
		fmt.Fprintln(g.out, "  None")
	}
	for _, n := range nodes {
		fmt.Fprintf(g.out, "  - %s\n", describe(n))
	}
	return nil
}

// TraverseCmd walks the graph breadth-first from a symbol.
type TraverseCmd struct {
	Symbol    string   `arg:"" help:"Node id, name or qualified name"`
	Depth     int      `short:"d" default:"3" help:"Maximum hops"`
	Direction string   `default:"out" enum:"in,out,both" help:"Edge direction to follow (in, out, both)"`
	EdgeKind  []string `help:"Only follow these edge kinds"`
	NodeKind  []string `help:"Only include nodes of these kinds"`
	Limit     int      `default:"1000" help:"Maximum nodes in the result"`
}

func (c *TraverseCmd) Run(ctx context.Context, g *Globals) error {
	dir, err := traversal.ParseDirection(c.Direction)
	if err != nil {
		return err
	}
	opts := traversal.Options{MaxDepth: c.Depth, Direction: dir, Limit: c.Limit}
	for _, k := range c.EdgeKind {
		ek := graph.EdgeKind(k)
		if !ek.Valid() {
			return fmt.Errorf("unknown edge kind %q", k)
		}
		opts.EdgeKinds = append(opts.EdgeKinds, ek)
	}
	for _, k := range c.NodeKind {
		opts.NodeKinds = append(opts.NodeKinds, graph.NodeKind(k))
	}

	s, err := g.open(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	root, err := g.resolveSymbol(ctx, s.store, c.Symbol)
	if err != nil {
		return err
	}
	sub, err := traversal.New(s.store, s.logger).Traverse(ctx, root.ID, opts)
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(map[string]any{"root": root.ID, "nodes": sub.Nodes(), "edges": sub.Edges(), "truncated": sub.Truncated})
	}

	color.New(color.Bold).Fprintf(g.out, "Traversal from %s (%d nodes, %d edges)\n", describe(root), sub.NodeCount(), sub.EdgeCount())
	for d := 1; d <= sub.MaxDepth(); d++ {
		fmt.Fprintf(g.out, "Depth %d\n", d)
		for _, n := range sub.NodesAtDepth(d) {
			fmt.Fprintf(g.out, "  - %s\n", describe(n))
		}
	}
	if sub.Truncated {
		color.New(color.FgYellow).Fprintf(g.out, "Result truncated at %d nodes\n", sub.NodeCount())
	}
	return nil
}

// ImpactCmd shows what depends on a symbol.
type ImpactCmd struct {
	Symbol string `arg:"" help:"Node id, name or qualified name"`
	Depth  int    `short:"d" default:"3" help:"Traversal depth"`
}

func (c *ImpactCmd) Run(ctx context.Context, g *Globals) error {
	s, err := g.open(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	root, err := g.resolveSymbol(ctx, s.store, c.Symbol)
	if err != nil {
		return err
	}
	impact, err := traversal.New(s.store, s.logger).ImpactRadius(ctx, root.ID, c.Depth)
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(impact)
	}

	color.New(color.Bold).Fprintf(g.out, "Impact of %s (depth %d)\n", describe(root), c.Depth)
	if impact.Total() == 0 {
		fmt.Fprintln(g.out, "No dependents found.")
		return nil
	}
	for i, level := range impact.Levels {
		label := "Transitive"
		switch i {
		case 0:
			label = "Direct"
		case 1:
			label = "Indirect"
		}
		fmt.Fprintf(g.out, "Depth %d (%s), %d symbols\n", i+1, label, len(level))
		for _, n := range level {
			fmt.Fprintf(g.out, "  - %s\n", describe(n))
		}
	}
	if impact.Truncated {
		color.New(color.FgYellow).Fprintln(g.out, "Result truncated")
	}
	return nil
}

// StatusCmd shows index statistics.
type StatusCmd struct{}

func (c *StatusCmd) Run(ctx context.Context, g *Globals) error {
	s, err := g.open(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.store.Stats(ctx)
	if err != nil {
		return err
	}
	files, err := s.store.Files(ctx)
	if err != nil {
		return err
	}
	var failed []*graph.FileRecord
	for _, f := range files {
		if len(f.Errors) > 0 {
			failed = append(failed, f)
		}
	}
	holder, _ := lock.ReadInfo(s.cfg.LockOptions(s.root, s.logger).Path)

	if g.JSON {
		return g.printJSON(map[string]any{"stats": stats, "failed_files": failed, "sync_holder": holder})
	}
	fmt.Fprintf(g.out, "Index status for %s\n", s.root)
	fmt.Fprintf(g.out, "  Backend:        %s\n", s.cfg.Storage.Backend)
	fmt.Fprintf(g.out, "  Files:          %d\n", stats.Files)
	fmt.Fprintf(g.out, "  Nodes:          %d\n", stats.Nodes)
	fmt.Fprintf(g.out, "  Edges:          %d\n", stats.Edges)
	fmt.Fprintf(g.out, "  Unresolved:     %d\n", stats.Unresolved)
	fmt.Fprintf(g.out, "  Generation:     %d\n", stats.Generation)
	fmt.Fprintf(g.out, "  Schema version: %d\n", stats.SchemaVersion)
	if holder != nil {
		color.New(color.FgYellow).Fprintf(g.out, "  Sync running:   %s since %s\n", holder, holder.AcquiredAt.Format("15:04:05"))
	}
	if len(failed) > 0 {
		color.New(color.FgYellow).Fprintf(g.out, "  Files with extraction errors: %d\n", len(failed))
		for _, f := range failed {
			fmt.Fprintf(g.out, "    %s: %s\n", f.Path, strings.Join(f.Errors, "; "))
		}
	}
	return nil
}

// WatchCmd keeps the index in sync with the working tree.
type WatchCmd struct{}

func (c *WatchCmd) Run(ctx context.Context, g *Globals) error {
	s, err := g.open(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Fprintf(g.out, "Watching %s for changes (Ctrl+C to stop)\n", s.root)
	opts := s.cfg.WatchOptions()
	opts.OnSync = func(res *ingestion.SyncResult, err error) {
		if err != nil {
			color.New(color.FgRed).Fprintf(g.out, "Sync failed: %v\n", err)
			return
		}
		if res.Changed() {
			_ = g.printSync(res)
		}
	}
	err = s.controller().Watch(ctx, opts)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch error: %w", err)
	}
	fmt.Fprintln(g.out, "Watch mode stopped.")
	return nil
}

// ServeCmd runs the MCP server over stdio.
type ServeCmd struct {
	Watch bool `short:"w" help:"Keep the index in sync while serving"`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	s, err := g.open(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	server := mcp.NewServer(mcp.Options{
		Store:    s.store,
		Version:  Version,
		LockPath: s.cfg.LockOptions(s.root, s.logger).Path,
		Logger:   s.logger,
	})

	if c.Watch {
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			err := s.controller().Watch(watchCtx, s.cfg.WatchOptions())
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("watch stopped", "error", err)
			}
		}()
	}
	// stdout carries JSON-RPC only; everything else goes to the stderr log.
	s.logger.Info("serving MCP over stdio", "watch", c.Watch)
	return server.Run(ctx)
}

// CleanCmd deletes the index of the repository. The config file is kept.
type CleanCmd struct {
	Force bool `short:"f" help:"Skip confirmation"`

	in io.Reader `kong:"-"`
}

func (c *CleanCmd) Run(ctx context.Context, g *Globals) error {
	root, err := filepath.Abs(g.Repo)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}
	cfg, err := config.LoadRepo(root)
	if err != nil {
		return err
	}
	state := cfg.StatePath(root)
	entries, err := os.ReadDir(state)
	if os.IsNotExist(err) || (err == nil && !indexExists(cfg, root)) {
		return fmt.Errorf("no index found at %s. Nothing to clean", root)
	}
	if err != nil {
		return err
	}

	if !c.Force {
		in := c.in
		if in == nil {
			in = os.Stdin
		}
		fmt.Fprintf(g.out, "Delete index at %s? [y/N] ", state)
		var response string
		_, _ = fmt.Fscanln(in, &response)
		if response != "y" && response != "Y" {
			fmt.Fprintln(g.out, "Aborted")
			return nil
		}
	}

	// A running sync would write into a half-deleted store.
	lk, err := lock.Acquire(ctx, cfg.LockOptions(root, slog.Default()))
	if err != nil {
		return err
	}
	defer lk.Release()

	lockPath := cfg.LockOptions(root, nil).Path
	for _, e := range entries {
		p := filepath.Join(state, e.Name())
		if e.Name() == config.FileName || p == lockPath || p == lock.InfoPath(lockPath) {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("deleting index: %w", err)
		}
	}
	color.New(color.FgGreen).Fprintf(g.out, "Deleted index at %s\n", state)
	return nil
}

// resolveSymbol maps a symbol argument to exactly one node.
func (g *Globals) resolveSymbol(ctx context.Context, store *storage.Store, symbol string) (*graph.Node, error) {
	nodes, err := store.FindNodes(ctx, symbol)
	if err != nil {
		return nil, err
	}
	switch len(nodes) {
	case 0:
		return nil, apperr.NewItemError(apperr.ErrNotFound, symbol, nil)
	case 1:
		return nodes[0], nil
	}
	fmt.Fprintf(g.out, "%q matches %d symbols:\n", symbol, len(nodes))
	for _, n := range nodes {
		fmt.Fprintf(g.out, "  %s  %s\n", n.ID, describe(n))
	}
	return nil, fmt.Errorf("symbol %q is ambiguous; pass a qualified name or node id", symbol)
}

func describe(n *graph.Node) string {
	name := n.QualifiedName
	if name == "" {
		name = n.Name
	}
	return fmt.Sprintf("%s (%s) %s:%d", name, n.Kind, n.FilePath, n.StartLine)
}

func (g *Globals) printSync(res *ingestion.SyncResult) error {
	if g.JSON {
		return g.printJSON(res)
	}
	if !res.Changed() {
		color.New(color.FgGreen).Fprintf(g.out, "Up to date (%d files)\n", res.Unchanged)
		g.printErrors(&res.Errors)
		return nil
	}
	color.New(color.FgGreen).Fprintln(g.out, "Sync complete")
	fmt.Fprintf(g.out, "  Added:          %d\n", len(res.Added))
	fmt.Fprintf(g.out, "  Modified:       %d\n", len(res.Modified))
	fmt.Fprintf(g.out, "  Removed:        %d\n", len(res.Removed))
	fmt.Fprintf(g.out, "  Unchanged:      %d\n", res.Unchanged)
	fmt.Fprintf(g.out, "  Nodes written:  %d\n", res.NodesWritten)
	fmt.Fprintf(g.out, "  Edges requeued: %d\n", res.EdgesRequeued)
	if res.Resolution != nil {
		g.printResolution(res.Resolution)
	}
	fmt.Fprintf(g.out, "  Duration:       %.2fs\n", res.Duration.Seconds())
	g.printErrors(&res.Errors)
	return nil
}

func (g *Globals) printResolution(res *resolver.Result) {
	fmt.Fprintf(g.out, "  Resolved:       %d\n", res.Resolved)
	fmt.Fprintf(g.out, "  Unresolved:     %d\n", res.Unresolved)
	if res.Ambiguous > 0 {
		fmt.Fprintf(g.out, "  Ambiguous:      %d\n", res.Ambiguous)
	}
	if res.Synthetic > 0 {
		fmt.Fprintf(g.out, "  Framework:      %d\n", res.Synthetic)
	}
}

func (g *Globals) printErrors(errs *apperr.BatchError) {
	if errs.Len() == 0 {
		return
	}
	color.New(color.FgYellow).Fprintf(g.out, "%d item(s) skipped:\n", errs.Len())
	fmt.Fprintln(g.out, errs.ErrorList())
}

func (g *Globals) printJSON(v any) error {
	enc := json.NewEncoder(g.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// CLI is the command tree.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Show version information"`

	Index    IndexCmd    `cmd:"" help:"Index a repository into the graph store"`
	Sync     SyncCmd     `cmd:"" help:"Apply changes since the last index"`
	Resolve  ResolveCmd  `cmd:"" help:"Retry unresolved references"`
	Search   SearchCmd   `cmd:"" help:"Search symbols by name"`
	Callers  CallersCmd  `cmd:"" help:"List the callers of a symbol"`
	Callees  CalleesCmd  `cmd:"" help:"List the callees of a symbol"`
	Traverse TraverseCmd `cmd:"" help:"Walk the graph from a symbol"`
	Impact   ImpactCmd   `cmd:"" help:"Show what depends on a symbol"`
	Status   StatusCmd   `cmd:"" help:"Show index status"`
	Watch    WatchCmd    `cmd:"" help:"Watch mode with live re-indexing"`
	Serve    ServeCmd    `cmd:"" help:"Start the MCP server (stdio transport)"`
	Clean    CleanCmd    `cmd:"" help:"Delete the index of the repository"`
}

// NewCLI creates a new CLI instance writing to stdout.
func NewCLI() *CLI {
	return &CLI{Globals: Globals{out: os.Stdout}}
}

// Execute parses command-line arguments and executes the selected command.
// SIGINT and SIGTERM cancel the command's context.
func (c *CLI) Execute(args []string) error {
	if c.out == nil {
		c.out = os.Stdout
	}
	parser, err := kong.New(c,
		kong.Name("codegraph"),
		kong.Description("Code knowledge graph: index, resolve and query symbols and their relationships"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"version": Version,
		},
	)
	if err != nil {
		return err
	}
	kongCtx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	kongCtx.BindTo(ctx, (*context.Context)(nil))
	return kongCtx.Run(&c.Globals)
}
