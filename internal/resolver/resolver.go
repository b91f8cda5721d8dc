// Package resolver turns unresolved references into edges.
//
// A pass gathers candidates for each reference from the importing file's
// imports, the name index and framework suggesters, ranks them by locality,
// kind compatibility and qualified-name proximity, and writes at most one
// edge per reference. Every pass runs inside a single store transaction.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/southerncoder/codegraph-sub000/internal/apperr"
	"github.com/southerncoder/codegraph-sub000/internal/frameworks"
	"github.com/southerncoder/codegraph-sub000/internal/graph"
	"github.com/southerncoder/codegraph-sub000/internal/imports"
	"github.com/southerncoder/codegraph-sub000/internal/nameindex"
	"github.com/southerncoder/codegraph-sub000/internal/storage"
)

// AmbiguityPolicy decides what happens when the best candidates tie.
type AmbiguityPolicy string

const (
	// BestEffort picks the first candidate of the full ordering.
	BestEffort AmbiguityPolicy = "best_effort"
	// FailClosed leaves tied references unresolved.
	FailClosed AmbiguityPolicy = "fail_closed"
)

// RetentionPolicy decides what happens to a reference that did not resolve.
type RetentionPolicy string

const (
	Retain RetentionPolicy = "retain"
	Drop   RetentionPolicy = "drop"
	Retry  RetentionPolicy = "retry"
)

const (
	DefaultMaxAttempts = 3
	DefaultBatchSize   = 1000
)

// Options configures a Resolver.
type Options struct {
	Ambiguity   AmbiguityPolicy
	Retention   RetentionPolicy
	MaxAttempts int

	// BatchSize is the number of pending edges and deletions buffered before
	// they are written to the pass transaction.
	BatchSize int

	Registry *frameworks.Registry
	Logger   *slog.Logger
}

// Scope selects the references a pass considers.
type Scope struct {
	All bool

	// Files selects references originating in these files.
	Files []string

	// Names selects references whose last dotted segment matches, ignoring case.
	Names []string
}

func (s Scope) empty() bool {
	return !s.All && len(s.Files) == 0 && len(s.Names) == 0
}

// Result summarises one pass. Synthetic counts framework matcher edges newly
// inserted by the pass.
type Result struct {
	Resolved     int               `json:"resolved"`
	Unresolved   int               `json:"unresolved"`
	Ambiguous    int               `json:"ambiguous"`
	Filtered     int               `json:"filtered"`
	Dropped      int               `json:"dropped"`
	Malformed    int               `json:"malformed"`
	Synthetic    int               `json:"synthetic"`
	EdgesCreated int               `json:"edges_created"`
	Errors       apperr.BatchError `json:"-"`
	Duration     time.Duration     `json:"duration"`
}

// Resolver resolves references against a store.
type Resolver struct {
	store    *storage.Store
	names    *nameindex.Index
	imports  *imports.Resolver
	registry *frameworks.Registry
	opts     Options
	logger   *slog.Logger
}

// New creates a resolver with its own name index and import resolver over store.
func New(store *storage.Store, opts Options) *Resolver {
	if opts.Ambiguity == "" {
		opts.Ambiguity = BestEffort
	}
	if opts.Retention == "" {
		opts.Retention = Retain
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Registry == nil {
		opts.Registry = frameworks.DefaultRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:    store,
		names:    nameindex.New(store, logger),
		imports:  imports.New(store, logger),
		registry: opts.Registry,
		opts:     opts,
		logger:   logger,
	}
}

// Names returns the resolver's name index.
func (r *Resolver) Names() *nameindex.Index { return r.names }

// Imports returns the resolver's import resolver.
func (r *Resolver) Imports() *imports.Resolver { return r.imports }

// Close releases the name index.
func (r *Resolver) Close() error { return r.names.Close() }

// ResolveAll runs a pass over every stored reference.
func (r *Resolver) ResolveAll(ctx context.Context) (*Result, error) {
	return r.Resolve(ctx, Scope{All: true})
}

// ResolveFiles runs a pass over the references originating in files.
func (r *Resolver) ResolveFiles(ctx context.Context, files []string) (*Result, error) {
	return r.Resolve(ctx, Scope{Files: files})
}

// ResolveNames runs a pass over the references whose last dotted segment
// matches one of names, ignoring case.
func (r *Resolver) ResolveNames(ctx context.Context, names []string) (*Result, error) {
	return r.Resolve(ctx, Scope{Names: names})
}

// Resolve runs one resolution pass over scope in a single transaction. Per-reference
// failures are collected in Result.Errors; only store failures and cancellation
// abort the pass, in which case nothing it did is committed.
func (r *Resolver) Resolve(ctx context.Context, scope Scope) (*Result, error) {
	ctx, span := startPassSpan(ctx, scope)
	defer span.End()
	start := time.Now()

	res := &Result{}
	if scope.empty() {
		return res, nil
	}

	if err := r.names.Refresh(ctx); err != nil {
		return nil, err
	}
	if err := r.imports.Refresh(ctx); err != nil {
		return nil, err
	}

	err := r.store.Update(ctx, func(tx storage.Tx) error {
		p := &pass{
			r:       r,
			tx:      tx,
			res:     &Result{},
			imports: make(map[string][]*graph.Node),
		}
		if err := p.run(ctx, scope); err != nil {
			return err
		}
		res = p.res
		return nil
	})
	res.Duration = time.Since(start)
	recordPass(ctx, span, res, err)
	if err != nil {
		return nil, fmt.Errorf("resolver: pass: %w", err)
	}

	r.logger.Info("resolution pass complete",
		"resolved", res.Resolved,
		"unresolved", res.Unresolved,
		"ambiguous", res.Ambiguous,
		"filtered", res.Filtered,
		"dropped", res.Dropped,
		"synthetic", res.Synthetic,
		"edges", res.EdgesCreated,
		"errors", res.Errors.Len(),
		"duration", res.Duration,
	)
	return res, nil
}

// pass holds the state of one resolution transaction.
type pass struct {
	r   *Resolver
	tx  storage.Tx
	res *Result

	// imports caches import nodes per originating file.
	imports map[string][]*graph.Node

	edges    []*graph.Edge
	deletes  []string
	attempts map[string]int
}

func (p *pass) run(ctx context.Context, scope Scope) error {
	filter := storage.UnresolvedFilter{}
	if !scope.All {
		filter.Files = scope.Files
		for _, n := range scope.Names {
			filter.Names = append(filter.Names, graph.LookupName(n))
		}
		slices.Sort(filter.Names)
		filter.Names = slices.Compact(filter.Names)
	}
	refs, err := p.tx.Unresolved(ctx, filter)
	if err != nil {
		return err
	}

	groups := make(map[string][]*graph.UnresolvedReference)
	for _, ref := range refs {
		key := strings.ToLower(ref.Name)
		groups[key] = append(groups[key], ref)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	p.attempts = make(map[string]int)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, ref := range groups[key] {
			if err := p.resolveRef(ctx, ref); err != nil {
				return err
			}
		}
		if len(p.edges)+len(p.deletes) >= p.r.opts.BatchSize {
			if err := p.flush(ctx); err != nil {
				return err
			}
		}
	}

	if err := p.runMatchers(ctx, scope); err != nil {
		return err
	}
	return p.flush(ctx)
}

func (p *pass) flush(ctx context.Context) error {
	if len(p.edges) > 0 {
		n, err := p.tx.PutEdges(ctx, p.edges)
		if err != nil {
			return err
		}
		p.res.EdgesCreated += n
		p.edges = p.edges[:0]
	}
	if len(p.deletes) > 0 {
		if err := p.tx.DeleteUnresolved(ctx, p.deletes); err != nil {
			return err
		}
		p.deletes = p.deletes[:0]
	}
	ids := make([]string, 0, len(p.attempts))
	for id := range p.attempts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if err := p.tx.SetUnresolvedAttempts(ctx, id, p.attempts[id]); err != nil {
			return err
		}
	}
	clear(p.attempts)
	return nil
}

// resolveRef decides one reference. Returned errors abort the pass.
func (p *pass) resolveRef(ctx context.Context, ref *graph.UnresolvedReference) error {
	if ref.FromNodeID == "" {
		p.malformed(ref, "empty from-node")
		return nil
	}
	from, err := p.tx.Node(ctx, ref.FromNodeID)
	if err != nil {
		return err
	}
	if from == nil {
		p.malformed(ref, "from-node "+ref.FromNodeID+" not found")
		return nil
	}

	if unit, skip := p.r.registry.Skip(ref); skip {
		p.res.Filtered++
		p.deletes = append(p.deletes, ref.ID)
		p.r.logger.Debug("reference filtered", "ref", ref.Name, "unit", unit)
		return nil
	}

	if ref.Kind == graph.EdgeImports {
		return p.resolveImport(ctx, ref, from)
	}

	cands, err := p.candidates(ctx, ref, from)
	if err != nil {
		return err
	}
	if len(cands) == 0 {
		return p.fail(ctx, ref, nil)
	}

	rankCandidates(cands)
	if p.r.opts.Ambiguity == FailClosed && len(cands) > 1 && cands[0].ties(cands[1]) {
		var tied []string
		for _, c := range cands {
			if c.ties(cands[0]) {
				tied = append(tied, c.node.ID)
			}
		}
		p.res.Ambiguous++
		return p.fail(ctx, ref, tied)
	}

	p.resolved(ref, from, cands[0].node)
	return nil
}

// resolveImport links an imports reference to the file node of its target module.
func (p *pass) resolveImport(ctx context.Context, ref *graph.UnresolvedReference, from *graph.Node) error {
	res, err := p.r.imports.Resolve(ctx, ref.FilePath, ref.Name)
	switch {
	case errors.Is(err, apperr.ErrPathTraversal):
		p.res.Errors.Add(apperr.NewItemError(apperr.ErrPathTraversal, ref.FilePath+": "+ref.Name, nil))
		return p.fail(ctx, ref, nil)
	case err != nil:
		return err
	}
	if len(res.FileNodes) == 0 {
		return p.fail(ctx, ref, nil)
	}
	p.resolved(ref, from, res.FileNodes[0])
	return nil
}

func (p *pass) malformed(ref *graph.UnresolvedReference, reason string) {
	p.res.Malformed++
	p.res.Errors.Add(apperr.NewItemError(apperr.ErrMalformedReference, ref.ID, errors.New(reason)))
	p.r.logger.Warn("malformed reference", "ref", ref.ID, "name", ref.Name, "reason", reason)
}

func (p *pass) resolved(ref *graph.UnresolvedReference, from, target *graph.Node) {
	e := graph.NewEdge(from.ID, target.ID, ref.Kind)
	e.Line = ref.Line
	e.Column = ref.Column
	// Reference metadata rides along so the edge can be requeued as the same reference.
	e.Metadata = make(map[string]string, len(ref.Metadata)+2)
	for k, v := range ref.Metadata {
		e.Metadata[k] = v
	}
	e.Metadata[graph.MetaOrigin] = graph.OriginResolver
	e.Metadata[graph.MetaRefName] = ref.Name
	p.edges = append(p.edges, e)
	p.deletes = append(p.deletes, ref.ID)
	p.res.Resolved++
}

// fail applies the retention policy. tied, when set, records the ambiguous candidates.
func (p *pass) fail(ctx context.Context, ref *graph.UnresolvedReference, tied []string) error {
	switch p.r.opts.Retention {
	case Drop:
		p.res.Dropped++
		p.deletes = append(p.deletes, ref.ID)
		return nil
	case Retry:
		attempts := ref.Attempts + 1
		if attempts >= p.r.opts.MaxAttempts {
			p.res.Dropped++
			p.deletes = append(p.deletes, ref.ID)
			return nil
		}
		p.attempts[ref.ID] = attempts
	}

	p.res.Unresolved++
	if tied != nil && !slices.Equal(tied, ref.Candidates) {
		updated := *ref
		updated.Candidates = tied
		if a, ok := p.attempts[ref.ID]; ok {
			updated.Attempts = a
		}
		return p.tx.PutUnresolved(ctx, []*graph.UnresolvedReference{&updated})
	}
	return nil
}

// runMatchers applies framework matchers to the nodes of the scope's files.
func (p *pass) runMatchers(ctx context.Context, scope Scope) error {
	matchers := p.r.registry.Matchers()
	if len(matchers) == 0 {
		return nil
	}

	files := slices.Clone(scope.Files)
	if scope.All {
		recs, err := p.tx.Files(ctx)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			files = append(files, rec.Path)
		}
	}
	slices.Sort(files)
	files = slices.Compact(files)

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		nodes, err := p.tx.NodesByFile(ctx, file)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			for _, m := range matchers {
				if !m.Matches(n) {
					continue
				}
				edges, err := m.Apply(ctx, &frameworks.MatchContext{Node: n, FileNodes: nodes})
				if err != nil {
					p.res.Errors.Add(apperr.NewItemError(apperr.ErrResolutionFailure, m.Name()+": "+n.ID, err))
					continue
				}
				if len(edges) == 0 {
					continue
				}
				// Matchers re-derive the same edges on every pass; only new rows count.
				inserted, err := p.tx.PutEdges(ctx, edges)
				if err != nil {
					return err
				}
				p.res.Synthetic += inserted
				p.res.EdgesCreated += inserted
			}
		}
	}
	return nil
}
