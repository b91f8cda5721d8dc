package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// DefaultNodeCacheSize is the node cache capacity used when Options leaves it unset.
const DefaultNodeCacheSize = 4096

// Options configures Open.
type Options struct {
	// Backend is BackendSQLite (default) or BackendBadger.
	Backend string

	// Path is the state directory. SQLite uses Path/graph.db, Badger uses Path/badger.
	Path string

	NodeCacheSize int
	Logger        *slog.Logger
}

// Store is the graph store facade. It serves the read surface through a node
// cache keyed to the persisted generation and bumps the generation on every
// committed Update that inserted or deleted nodes or file records.
type Store struct {
	backend Backend
	logger  *slog.Logger

	mu       sync.Mutex
	nodes    *lru.Cache[string, *graph.Node]
	cacheGen uint64
}

// Open opens the backend named in opts.
func Open(ctx context.Context, opts Options) (*Store, error) {
	var (
		backend Backend
		err     error
	)
	switch opts.Backend {
	case "", BackendSQLite:
		backend, err = OpenSQLite(ctx, filepath.Join(opts.Path, "graph.db"))
	case BackendBadger:
		backend, err = OpenBadger(ctx, filepath.Join(opts.Path, "badger"))
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewStore(backend, opts)
}

// NewStore wraps an already opened backend.
func NewStore(backend Backend, opts Options) (*Store, error) {
	size := opts.NodeCacheSize
	if size <= 0 {
		size = DefaultNodeCacheSize
	}
	cache, err := lru.New[string, *graph.Node](size)
	if err != nil {
		return nil, fmt.Errorf("storage: node cache: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, logger: logger, nodes: cache}, nil
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend { return s.backend }

// Close closes the backend.
func (s *Store) Close() error {
	s.nodes.Purge()
	return s.backend.Close()
}

// View runs fn against a read view.
func (s *Store) View(ctx context.Context, fn func(Reader) error) error {
	return s.backend.View(ctx, fn)
}

// Update runs fn in one write transaction. If fn changed nodes or file records
// the generation is bumped before commit and the node cache is purged after it.
func (s *Store) Update(ctx context.Context, fn func(Tx) error) error {
	ctx, span := startTxSpan(ctx, "Update")
	defer span.End()
	start := time.Now()

	var (
		dirty bool
		gen   uint64
	)
	err := s.backend.Update(ctx, func(tx Tx) error {
		tt := &trackingTx{Tx: tx}
		if err := fn(tt); err != nil {
			return err
		}
		dirty = tt.dirty
		if !dirty {
			return nil
		}
		var err error
		gen, err = tx.BumpGeneration(ctx)
		return err
	})
	recordTx(ctx, "update", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if dirty {
		s.mu.Lock()
		s.nodes.Purge()
		s.cacheGen = gen
		s.mu.Unlock()
		span.SetAttributes(attribute.Int64("storage.generation", int64(gen)))
	}
	return nil
}

// Generation returns the persisted mutation counter.
func (s *Store) Generation(ctx context.Context) (uint64, error) {
	var gen uint64
	err := s.backend.View(ctx, func(r Reader) error {
		var err error
		gen, err = r.Generation(ctx)
		return err
	})
	return gen, err
}

// GetNodeByID returns the node with the given id, or nil if it does not exist.
// Cached entries are discarded when another writer has moved the generation on.
func (s *Store) GetNodeByID(ctx context.Context, id string) (*graph.Node, error) {
	var node *graph.Node
	err := s.backend.View(ctx, func(r Reader) error {
		gen, err := r.Generation(ctx)
		if err != nil {
			return err
		}

		s.mu.Lock()
		if gen != s.cacheGen {
			s.nodes.Purge()
			s.cacheGen = gen
		}
		cached, ok := s.nodes.Get(id)
		s.mu.Unlock()
		recordCacheLookup(ctx, ok)
		if ok {
			node = cached
			return nil
		}

		node, err = r.Node(ctx, id)
		if err != nil || node == nil {
			return err
		}
		s.mu.Lock()
		if s.cacheGen == gen {
			s.nodes.Add(id, node)
		}
		s.mu.Unlock()
		return nil
	})
	return node, err
}

func (s *Store) GetNodesByFile(ctx context.Context, path string) ([]*graph.Node, error) {
	var nodes []*graph.Node
	err := s.backend.View(ctx, func(r Reader) error {
		var err error
		nodes, err = r.NodesByFile(ctx, path)
		return err
	})
	return nodes, err
}

func (s *Store) GetNodesByKind(ctx context.Context, kind graph.NodeKind) ([]*graph.Node, error) {
	var nodes []*graph.Node
	err := s.backend.View(ctx, func(r Reader) error {
		var err error
		nodes, err = r.NodesByKind(ctx, kind)
		return err
	})
	return nodes, err
}

func (s *Store) GetOutgoingEdges(ctx context.Context, id string, kinds ...graph.EdgeKind) ([]*graph.Edge, error) {
	return s.edges(ctx, id, Outgoing, kinds)
}

func (s *Store) GetIncomingEdges(ctx context.Context, id string, kinds ...graph.EdgeKind) ([]*graph.Edge, error) {
	return s.edges(ctx, id, Incoming, kinds)
}

func (s *Store) edges(ctx context.Context, id string, dir Direction, kinds []graph.EdgeKind) ([]*graph.Edge, error) {
	var edges []*graph.Edge
	err := s.backend.View(ctx, func(r Reader) error {
		var err error
		edges, err = r.Edges(ctx, id, dir, kinds...)
		return err
	})
	return edges, err
}

// FindNodes resolves a user-supplied symbol to nodes: an exact node id first,
// otherwise the nodes whose name matches ignoring case. A dotted symbol must
// also match the end of the qualified name. File and import nodes are skipped.
func (s *Store) FindNodes(ctx context.Context, symbol string) ([]*graph.Node, error) {
	if n, err := s.GetNodeByID(ctx, symbol); err != nil || n != nil {
		if n == nil {
			return nil, err
		}
		return []*graph.Node{n}, err
	}

	var found []*graph.Node
	err := s.backend.View(ctx, func(r Reader) error {
		nodes, err := r.NodesByName(ctx, graph.LookupName(symbol))
		if err != nil {
			return err
		}
		want := strings.ToLower(symbol)
		for _, n := range nodes {
			if n.Kind == graph.NodeFile || n.Kind == graph.NodeImport {
				continue
			}
			if strings.Contains(want, ".") {
				q := strings.ToLower(n.QualifiedName)
				if q != want && !strings.HasSuffix(q, "."+want) {
					continue
				}
			}
			found = append(found, n)
		}
		return nil
	})
	return found, err
}

// SearchNodes performs a name search.
func (s *Store) SearchNodes(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	ctx, span := startTxSpan(ctx, "SearchNodes")
	defer span.End()

	var results []SearchResult
	err := s.backend.View(ctx, func(r Reader) error {
		var err error
		results, err = r.SearchNodes(ctx, query, limit)
		return err
	})
	span.SetAttributes(attribute.Int("storage.results", len(results)))
	return results, err
}

// IterateNodes calls fn for every stored node.
func (s *Store) IterateNodes(ctx context.Context, fn func(*graph.Node) error) error {
	return s.backend.View(ctx, func(r Reader) error {
		return r.IterateNodes(ctx, fn)
	})
}

func (s *Store) File(ctx context.Context, path string) (*graph.FileRecord, error) {
	var rec *graph.FileRecord
	err := s.backend.View(ctx, func(r Reader) error {
		var err error
		rec, err = r.File(ctx, path)
		return err
	})
	return rec, err
}

func (s *Store) Files(ctx context.Context) ([]*graph.FileRecord, error) {
	var recs []*graph.FileRecord
	err := s.backend.View(ctx, func(r Reader) error {
		var err error
		recs, err = r.Files(ctx)
		return err
	})
	return recs, err
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.backend.View(ctx, func(r Reader) error {
		var err error
		stats, err = r.Stats(ctx)
		return err
	})
	return stats, err
}

// Purge removes every node, edge, unresolved reference and file record in one transaction.
func (s *Store) Purge(ctx context.Context) error {
	err := s.Update(ctx, func(tx Tx) error {
		files, err := tx.Files(ctx)
		if err != nil {
			return err
		}
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return err
			}
			ids, err := tx.DeleteNodesByFile(ctx, f.Path)
			if err != nil {
				return err
			}
			if _, err := tx.DeleteEdgesTouching(ctx, ids); err != nil {
				return err
			}
			if err := tx.DeleteFile(ctx, f.Path); err != nil {
				return err
			}
		}
		refs, err := tx.Unresolved(ctx, UnresolvedFilter{})
		if err != nil {
			return err
		}
		ids := make([]string, len(refs))
		for i, r := range refs {
			ids[i] = r.ID
		}
		return tx.DeleteUnresolved(ctx, ids)
	})
	if err == nil {
		s.logger.Info("store purged")
	}
	return err
}

// trackingTx records whether a transaction changed nodes or file records.
type trackingTx struct {
	Tx
	dirty bool
}

func (t *trackingTx) PutNodes(ctx context.Context, nodes []*graph.Node) error {
	if len(nodes) > 0 {
		t.dirty = true
	}
	return t.Tx.PutNodes(ctx, nodes)
}

func (t *trackingTx) DeleteNodesByFile(ctx context.Context, path string) ([]string, error) {
	ids, err := t.Tx.DeleteNodesByFile(ctx, path)
	if len(ids) > 0 {
		t.dirty = true
	}
	return ids, err
}

func (t *trackingTx) PutFile(ctx context.Context, rec *graph.FileRecord) error {
	t.dirty = true
	return t.Tx.PutFile(ctx, rec)
}

func (t *trackingTx) DeleteFile(ctx context.Context, path string) error {
	t.dirty = true
	return t.Tx.DeleteFile(ctx, path)
}
