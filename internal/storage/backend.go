// Package storage provides the graph store for codegraph.
//
// It defines the Backend contract that every persistence implementation
// satisfies (SQLite and BadgerDB ship with the module), and the Store
// facade that layers the node cache, generation tracking and tracing on
// top of a backend.
package storage

import (
	"context"
	"slices"
	"strings"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// Direction selects which side of a node edges are read from.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// SearchResult is a name search hit.
type SearchResult struct {
	Node  *graph.Node
	Score float64
}

// Stats summarises store contents.
type Stats struct {
	Nodes         int    `json:"nodes"`
	Edges         int    `json:"edges"`
	Files         int    `json:"files"`
	Unresolved    int    `json:"unresolved"`
	Generation    uint64 `json:"generation"`
	SchemaVersion int    `json:"schema_version"`
}

// UnresolvedFilter selects unresolved references. A zero filter selects all of them;
// otherwise a reference matches if its file is in Files or its lookup name is in Names.
type UnresolvedFilter struct {
	Files []string

	// Names holds lookup names as produced by graph.LookupName.
	Names []string
}

// IsZero reports whether the filter selects every reference.
func (f UnresolvedFilter) IsZero() bool {
	return len(f.Files) == 0 && len(f.Names) == 0
}

// Reader is the read side of a transaction.
//
// Missing single entities are reported as (nil, nil).
type Reader interface {
	Node(ctx context.Context, id string) (*graph.Node, error)
	NodesByFile(ctx context.Context, path string) ([]*graph.Node, error)
	NodesByKind(ctx context.Context, kind graph.NodeKind) ([]*graph.Node, error)

	// NodesByName matches the lowercased name exactly.
	NodesByName(ctx context.Context, name string) ([]*graph.Node, error)

	// IterateNodes calls fn for every node. fn must not issue queries on the same Reader.
	IterateNodes(ctx context.Context, fn func(*graph.Node) error) error

	// Edges returns edges on the given side of the node, optionally restricted to kinds.
	Edges(ctx context.Context, id string, dir Direction, kinds ...graph.EdgeKind) ([]*graph.Edge, error)

	// SearchNodes performs a name search: exact, then prefix, then substring matches.
	SearchNodes(ctx context.Context, query string, limit int) ([]SearchResult, error)

	File(ctx context.Context, path string) (*graph.FileRecord, error)
	Files(ctx context.Context) ([]*graph.FileRecord, error)

	Unresolved(ctx context.Context, filter UnresolvedFilter) ([]*graph.UnresolvedReference, error)

	// Generation returns the persisted mutation counter.
	Generation(ctx context.Context) (uint64, error)

	Stats(ctx context.Context) (Stats, error)
}

// Tx is a write transaction. Deleting nodes never cascades to edges;
// callers reconcile edges explicitly with DeleteEdgesTouching.
type Tx interface {
	Reader

	// PutNodes inserts or replaces nodes.
	PutNodes(ctx context.Context, nodes []*graph.Node) error

	// PutEdges inserts edges, ignoring ones whose (source, target, kind) already exists.
	// It returns the number of edges actually inserted.
	PutEdges(ctx context.Context, edges []*graph.Edge) (int, error)

	// PutUnresolved inserts or replaces unresolved references.
	PutUnresolved(ctx context.Context, refs []*graph.UnresolvedReference) error

	// PutFile inserts or replaces a file record.
	PutFile(ctx context.Context, rec *graph.FileRecord) error

	// DeleteNodesByFile removes the file's nodes and returns their IDs.
	DeleteNodesByFile(ctx context.Context, path string) ([]string, error)

	// DeleteEdgesTouching removes every edge whose source or target is in ids and returns them.
	DeleteEdgesTouching(ctx context.Context, ids []string) ([]*graph.Edge, error)

	DeleteUnresolved(ctx context.Context, ids []string) error
	DeleteUnresolvedByFile(ctx context.Context, path string) (int, error)
	SetUnresolvedAttempts(ctx context.Context, id string, attempts int) error

	DeleteFile(ctx context.Context, path string) error

	// BumpGeneration increments the mutation counter and returns the new value.
	BumpGeneration(ctx context.Context) (uint64, error)
}

// Backend is a transactional graph persistence implementation.
type Backend interface {
	// View runs fn against a consistent read view.
	View(ctx context.Context, fn func(Reader) error) error

	// Update runs fn in a write transaction. The transaction commits only if fn returns nil.
	Update(ctx context.Context, fn func(Tx) error) error

	// SchemaVersion returns the schema version recorded on disk.
	SchemaVersion(ctx context.Context) (int, error)

	Close() error
}

func sortRefs(refs []*graph.UnresolvedReference) {
	slices.SortFunc(refs, func(a, b *graph.UnresolvedReference) int {
		return strings.Compare(a.ID, b.ID)
	})
}
