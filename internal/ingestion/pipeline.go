package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/southerncoder/codegraph-sub000/internal/apperr"
	"github.com/southerncoder/codegraph-sub000/internal/extract"
	"github.com/southerncoder/codegraph-sub000/internal/graph"
	"github.com/southerncoder/codegraph-sub000/internal/lock"
	"github.com/southerncoder/codegraph-sub000/internal/resolver"
	"github.com/southerncoder/codegraph-sub000/internal/storage"
)

// Options configures a Controller.
type Options struct {
	Root     string
	Store    *storage.Store
	Resolver *resolver.Resolver

	// Registry selects extractors by path. Defaults to extract.DefaultRegistry.
	Registry *extract.Registry

	Lock lock.Options

	Include     []string
	Exclude     []string
	Workers     int
	MaxFileSize int64

	Logger *slog.Logger
}

// SyncResult summarises one sync run.
type SyncResult struct {
	RunID string `json:"run_id"`

	Added     []string `json:"added,omitempty"`
	Modified  []string `json:"modified,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Unchanged int      `json:"unchanged"`

	NodesWritten  int `json:"nodes_written"`
	EdgesWritten  int `json:"edges_written"`
	EdgesRequeued int `json:"edges_requeued"`

	// Resolution is nil when nothing changed.
	Resolution *resolver.Result `json:"resolution,omitempty"`

	Errors   apperr.BatchError `json:"-"`
	Duration time.Duration     `json:"duration"`
}

// Changed reports whether the run wrote anything.
func (r *SyncResult) Changed() bool {
	return len(r.Added)+len(r.Modified)+len(r.Removed) > 0
}

// Controller computes the delta between the files on disk and the store and
// applies it under the repository lock.
type Controller struct {
	opts   Options
	walker *Walker
	logger *slog.Logger
}

// New creates a Controller for opts.Root.
func New(opts Options) *Controller {
	if opts.Registry == nil {
		opts.Registry = extract.DefaultRegistry()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Lock.Logger == nil {
		opts.Lock.Logger = logger
	}
	return &Controller{
		opts: opts,
		walker: &Walker{
			Root:        opts.Root,
			Include:     opts.Include,
			Exclude:     opts.Exclude,
			MaxFileSize: opts.MaxFileSize,
			Registry:    opts.Registry,
			Logger:      logger,
		},
		logger: logger,
	}
}

// Sync brings the store up to date with the files on disk.
func (c *Controller) Sync(ctx context.Context) (*SyncResult, error) {
	return c.run(ctx, false)
}

// Index syncs the repository. With full set the store is cleared first and
// every file is extracted again.
func (c *Controller) Index(ctx context.Context, full bool) (*SyncResult, error) {
	return c.run(ctx, full)
}

// Resolve runs a resolution pass over every unresolved reference under the lock.
func (c *Controller) Resolve(ctx context.Context) (*resolver.Result, error) {
	lk, err := lock.Acquire(ctx, c.opts.Lock)
	if err != nil {
		return nil, err
	}
	defer lk.Release()
	return c.opts.Resolver.ResolveAll(ctx)
}

func (c *Controller) run(ctx context.Context, full bool) (res *SyncResult, err error) {
	ctx, span := startSyncSpan(ctx, c.opts.Root, full)
	defer span.End()
	start := time.Now()
	res = &SyncResult{RunID: uuid.NewString()}
	defer func() {
		res.Duration = time.Since(start)
		recordSync(span, res, err)
	}()

	lk, err := lock.Acquire(ctx, c.opts.Lock)
	if err != nil {
		return res, err
	}
	defer func() {
		if rerr := lk.Release(); rerr != nil {
			c.logger.Warn("releasing sync lock", "error", rerr)
		}
	}()

	if full {
		if err := c.opts.Store.Purge(ctx); err != nil {
			return res, fmt.Errorf("clearing store: %w", err)
		}
	}

	entries, skipped, err := c.walker.Walk(ctx)
	if err != nil {
		return res, err
	}
	res.Errors.Merge(skipped)

	d, err := c.diff(ctx, entries)
	if err != nil {
		return res, err
	}
	res.Added, res.Modified, res.Removed, res.Unchanged = d.added, d.modified, d.removed, d.unchanged
	if !res.Changed() {
		c.logger.Info("sync: no changes", "run", res.RunID, "files", res.Unchanged)
		return res, nil
	}

	extracted, err := c.extract(ctx, d.changed)
	if err != nil {
		return res, err
	}
	for _, fx := range extracted {
		for _, e := range fx.errs {
			res.Errors.Add(e)
		}
	}

	scope, err := c.write(ctx, d, extracted, res)
	if err != nil {
		return res, fmt.Errorf("writing sync delta: %w", err)
	}

	res.Resolution, err = c.opts.Resolver.Resolve(ctx, scope)
	if err != nil {
		return res, err
	}
	res.Errors.Merge(&res.Resolution.Errors)

	c.logger.Info("sync complete",
		"run", res.RunID,
		"added", len(res.Added),
		"modified", len(res.Modified),
		"removed", len(res.Removed),
		"unchanged", res.Unchanged,
		"nodes", res.NodesWritten,
		"requeued", res.EdgesRequeued,
		"resolved", res.Resolution.Resolved,
		"errors", res.Errors.Len(),
	)
	return res, nil
}

type delta struct {
	added     []string
	modified  []string
	removed   []string
	unchanged int

	// changed holds the entries to extract, added and modified, by path.
	changed []FileEntry
}

// diff classifies entries against the stored file records.
func (c *Controller) diff(ctx context.Context, entries []FileEntry) (*delta, error) {
	records, err := c.opts.Store.Files(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading file records: %w", err)
	}
	tracked := make(map[string]*graph.FileRecord, len(records))
	for _, r := range records {
		tracked[r.Path] = r
	}

	d := &delta{}
	for _, e := range entries {
		rec, ok := tracked[e.Path]
		delete(tracked, e.Path)
		switch {
		case !ok:
			d.added = append(d.added, e.Path)
		case rec.Hash != e.Hash:
			d.modified = append(d.modified, e.Path)
		default:
			d.unchanged++
			continue
		}
		d.changed = append(d.changed, e)
	}
	for p := range tracked {
		d.removed = append(d.removed, p)
	}
	slices.Sort(d.removed)
	return d, nil
}

type fileExtraction struct {
	entry  FileEntry
	result *extract.Extraction
	record *graph.FileRecord
	errs   []error

	// gone is set when the file disappeared after the walk.
	gone bool
}

// extract runs the extractors for changed files with bounded parallelism.
// Per-file failures are kept on the result; only cancellation aborts.
func (c *Controller) extract(ctx context.Context, entries []FileEntry) ([]*fileExtraction, error) {
	out := make([]*fileExtraction, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)

	for i, entry := range entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = c.extractFile(entry)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Controller) extractFile(entry FileEntry) *fileExtraction {
	fx := &fileExtraction{entry: entry}
	fx.record = &graph.FileRecord{
		Path:      entry.Path,
		Hash:      entry.Hash,
		Language:  entry.Language,
		Size:      entry.Size,
		IndexedAt: time.Now().UTC(),
	}

	content, err := os.ReadFile(entry.AbsPath)
	if errors.Is(err, os.ErrNotExist) {
		fx.gone = true
		return fx
	}
	if err != nil {
		fx.fail(apperr.NewItemError(apperr.ErrExtraction, entry.Path, err))
		return fx
	}
	// Content may have changed since the walk; the record describes what was extracted.
	fx.record.Hash = hashBytes(content)
	fx.record.Size = int64(len(content))

	ext, ok := c.opts.Registry.ForPath(entry.Path)
	if !ok {
		fx.fail(apperr.NewItemError(apperr.ErrExtraction, entry.Path, errors.New("no extractor")))
		return fx
	}
	result, err := ext.Extract(entry.Path, content)
	if err != nil {
		fx.fail(apperr.NewItemError(apperr.ErrExtraction, entry.Path, err))
		return fx
	}

	fx.errs = validate(entry.Path, result)
	for _, e := range fx.errs {
		c.logger.Warn("rejected extraction record", "path", entry.Path, "error", e)
	}
	fx.result = result
	fx.record.NodeCount = len(result.Nodes)
	fx.record.Errors = errorStrings(fx.errs)
	for _, n := range result.Nodes {
		if n.Kind == graph.NodeFile && n.Language != "" {
			fx.record.Language = n.Language
		}
	}
	return fx
}

// fail marks the file as skipped: it keeps a record with the error and no nodes.
func (fx *fileExtraction) fail(err error) {
	fx.errs = append(fx.errs, err)
	fx.record.Errors = errorStrings(fx.errs)
}

// write applies the delta in one transaction and returns the resolution scope.
func (c *Controller) write(ctx context.Context, d *delta, extracted []*fileExtraction, res *SyncResult) (resolver.Scope, error) {
	var scope resolver.Scope

	// Files that vanished after the walk are removed like any other.
	removed := slices.Clone(d.removed)
	var fresh []*fileExtraction
	for _, fx := range extracted {
		if fx.gone {
			removed = append(removed, fx.entry.Path)
			continue
		}
		fresh = append(fresh, fx)
	}
	slices.Sort(removed)

	stale := make(map[string]bool, len(removed)+len(d.modified))
	for _, p := range removed {
		stale[p] = true
	}
	for _, p := range d.modified {
		stale[p] = true
	}
	stalePaths := make([]string, 0, len(stale))
	for p := range stale {
		stalePaths = append(stalePaths, p)
	}
	slices.Sort(stalePaths)

	names := make(map[string]bool)
	err := c.opts.Store.Update(ctx, func(tx storage.Tx) error {
		var requeue []*graph.UnresolvedReference
		for _, p := range stalePaths {
			if err := ctx.Err(); err != nil {
				return err
			}
			refs, err := requeueIncoming(ctx, tx, p, stale)
			if err != nil {
				return err
			}
			requeue = append(requeue, refs...)

			ids, err := tx.DeleteNodesByFile(ctx, p)
			if err != nil {
				return err
			}
			if _, err := tx.DeleteEdgesTouching(ctx, ids); err != nil {
				return err
			}
			if _, err := tx.DeleteUnresolvedByFile(ctx, p); err != nil {
				return err
			}
			if err := tx.DeleteFile(ctx, p); err != nil {
				return err
			}
		}

		for _, fx := range fresh {
			if err := ctx.Err(); err != nil {
				return err
			}
			if fx.result != nil {
				if err := tx.PutNodes(ctx, fx.result.Nodes); err != nil {
					return err
				}
				n, err := tx.PutEdges(ctx, fx.result.Edges)
				if err != nil {
					return err
				}
				if err := tx.PutUnresolved(ctx, fx.result.Refs); err != nil {
					return err
				}
				res.NodesWritten += len(fx.result.Nodes)
				res.EdgesWritten += n
				for _, node := range fx.result.Nodes {
					if node.Kind != graph.NodeFile && node.Kind != graph.NodeImport {
						names[node.Name] = true
					}
				}
			}
			if err := tx.PutFile(ctx, fx.record); err != nil {
				return err
			}
			scope.Files = append(scope.Files, fx.entry.Path)
		}

		if len(requeue) > 0 {
			if err := tx.PutUnresolved(ctx, requeue); err != nil {
				return err
			}
			for _, r := range requeue {
				names[r.Name] = true
			}
		}
		res.EdgesRequeued = len(requeue)
		return nil
	})
	if err != nil {
		return resolver.Scope{}, err
	}

	for n := range names {
		scope.Names = append(scope.Names, n)
	}
	slices.Sort(scope.Names)
	return scope, nil
}

// requeueIncoming turns resolver edges that point into file from files that are
// not being replaced back into unresolved references, so they can bind to the
// file's fresh nodes or stay unresolved once it is gone.
func requeueIncoming(ctx context.Context, tx storage.Tx, file string, stale map[string]bool) ([]*graph.UnresolvedReference, error) {
	nodes, err := tx.NodesByFile(ctx, file)
	if err != nil {
		return nil, err
	}

	var refs []*graph.UnresolvedReference
	for _, n := range nodes {
		in, err := tx.Edges(ctx, n.ID, storage.Incoming)
		if err != nil {
			return nil, err
		}
		for _, e := range in {
			if e.Metadata[graph.MetaOrigin] != graph.OriginResolver {
				continue
			}
			src, err := tx.Node(ctx, e.Source)
			if err != nil {
				return nil, err
			}
			if src == nil || stale[src.FilePath] {
				continue
			}
			name := e.Metadata[graph.MetaRefName]
			if name == "" {
				name = n.Name
			}
			var meta map[string]string
			for k, v := range e.Metadata {
				if k == graph.MetaOrigin || k == graph.MetaRefName {
					continue
				}
				if meta == nil {
					meta = make(map[string]string)
				}
				meta[k] = v
			}
			refs = append(refs, &graph.UnresolvedReference{
				ID:         graph.ReferenceID(src.ID, name, e.Kind, e.Line, e.Column),
				FromNodeID: src.ID,
				Name:       name,
				Kind:       e.Kind,
				FilePath:   src.FilePath,
				Language:   src.Language,
				Line:       e.Line,
				Column:     e.Column,
				Metadata:   meta,
			})
		}
	}
	return refs, nil
}
