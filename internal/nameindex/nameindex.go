// Package nameindex provides the cached name to node-id lookup used for
// candidate discovery during reference resolution.
//
// The index is keyed to the store generation: any committed write that
// touched nodes moves the generation, and the next lookup rebuilds.
package nameindex

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// Source is the read side of the store the index is built from.
type Source interface {
	Generation(ctx context.Context) (uint64, error)
	IterateNodes(ctx context.Context, fn func(*graph.Node) error) error
}

// Stats describes the current index.
type Stats struct {
	Generation uint64 `json:"generation"`
	Names      int    `json:"names"`
	Nodes      int    `json:"nodes"`
	Rebuilds   int    `json:"rebuilds"`
}

// Index maps lowercased symbol names to node ids.
type Index struct {
	src    Source
	logger *slog.Logger

	mu       sync.RWMutex
	built    bool
	gen      uint64
	names    map[string][]string
	nodes    int
	rebuilds int

	// fuzzy is built on first use at the current generation.
	fuzzy    bleve.Index
	fuzzyGen uint64
}

// New creates an empty index over src. Nothing is read until the first lookup.
func New(src Source, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{src: src, logger: logger}
}

// indexed reports whether nodes of kind k are lookup candidates.
func indexed(k graph.NodeKind) bool {
	return k != graph.NodeImport && k != graph.NodeFile
}

// Refresh rebuilds the exact map if the store generation moved.
func (x *Index) Refresh(ctx context.Context) error {
	gen, err := x.src.Generation(ctx)
	if err != nil {
		return fmt.Errorf("nameindex: read generation: %w", err)
	}

	x.mu.RLock()
	fresh := x.built && x.gen == gen
	x.mu.RUnlock()
	if fresh {
		return nil
	}

	names := make(map[string][]string)
	count := 0
	if err := x.src.IterateNodes(ctx, func(n *graph.Node) error {
		if !indexed(n.Kind) || n.Name == "" {
			return nil
		}
		key := strings.ToLower(n.Name)
		names[key] = append(names[key], n.ID)
		count++
		return nil
	}); err != nil {
		return fmt.Errorf("nameindex: scan nodes: %w", err)
	}
	for _, ids := range names {
		slices.Sort(ids)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.names = names
	x.nodes = count
	x.gen = gen
	x.built = true
	x.rebuilds++
	x.logger.Debug("name index rebuilt", "generation", gen, "names", len(names), "nodes", count)
	return nil
}

// Lookup returns the ids of nodes whose name equals name, ignoring case, sorted lexically.
func (x *Index) Lookup(ctx context.Context, name string) ([]string, error) {
	if err := x.Refresh(ctx); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	return slices.Clone(x.names[strings.ToLower(name)]), nil
}

// Search returns exact matches when there are any. Otherwise it falls back to
// prefix, then substring, then edit-distance-1 matches. Results are ordered by
// name length, name, then id.
func (x *Index) Search(ctx context.Context, q string, limit int) ([]string, error) {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	exact, err := x.Lookup(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(exact) > 0 {
		return truncate(exact, limit), nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ensureFuzzyLocked(); err != nil {
		return nil, err
	}

	clean := strings.NewReplacer("*", "", "?", "").Replace(q)
	queries := []query.Query{
		fieldQuery(bleve.NewPrefixQuery(clean)),
		fieldQuery(bleve.NewWildcardQuery("*" + clean + "*")),
	}
	fq := bleve.NewFuzzyQuery(clean)
	fq.SetFuzziness(1)
	queries = append(queries, fieldQuery(fq))

	for _, bq := range queries {
		req := bleve.NewSearchRequest(bq)
		req.Size = limit * 4
		res, err := x.fuzzy.Search(req)
		if err != nil {
			return nil, fmt.Errorf("nameindex: search: %w", err)
		}
		if len(res.Hits) == 0 {
			continue
		}
		names := make([]string, 0, len(res.Hits))
		for _, hit := range res.Hits {
			names = append(names, hit.ID)
		}
		return truncate(x.expandLocked(names), limit), nil
	}
	return nil, nil
}

type fieldSetter interface {
	query.Query
	SetField(string)
}

func fieldQuery(q fieldSetter) query.Query {
	q.SetField("name")
	return q
}

// expandLocked orders names by length then value and flattens them to ids.
func (x *Index) expandLocked(names []string) []string {
	slices.SortFunc(names, func(a, b string) int {
		if len(a) != len(b) {
			return len(a) - len(b)
		}
		return strings.Compare(a, b)
	})
	var ids []string
	for _, name := range names {
		ids = append(ids, x.names[name]...)
	}
	return ids
}

func (x *Index) ensureFuzzyLocked() error {
	if x.fuzzy != nil && x.fuzzyGen == x.gen {
		return nil
	}
	if x.fuzzy != nil {
		_ = x.fuzzy.Close()
		x.fuzzy = nil
	}

	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return fmt.Errorf("nameindex: creating bleve index: %w", err)
	}
	batch := idx.NewBatch()
	for name := range x.names {
		if err := batch.Index(name, nameDoc{Name: name}); err != nil {
			idx.Close()
			return fmt.Errorf("nameindex: indexing %s: %w", name, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		idx.Close()
		return fmt.Errorf("nameindex: indexing batch: %w", err)
	}
	x.fuzzy = idx
	x.fuzzyGen = x.gen
	return nil
}

type nameDoc struct {
	Name string `json:"name"`
}

func buildMapping() *mapping.IndexMappingImpl {
	indexMapping := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	nameField := bleve.NewKeywordFieldMapping()
	nameField.Store = false
	nameField.IncludeInAll = false
	docMapping.AddFieldMappingsAt("name", nameField)

	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// Stats reports the index state without refreshing it.
func (x *Index) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{Generation: x.gen, Names: len(x.names), Nodes: x.nodes, Rebuilds: x.rebuilds}
}

// Close releases the fuzzy index.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.fuzzy == nil {
		return nil
	}
	err := x.fuzzy.Close()
	x.fuzzy = nil
	return err
}

func truncate(ids []string, limit int) []string {
	if len(ids) > limit {
		return ids[:limit]
	}
	return ids
}
