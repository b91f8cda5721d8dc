// Package extract turns source files into graph records.
//
// Extractors are the upstream collaborators of the sync controller: each one
// reads a single file and returns the nodes declared in it, the structural
// edges between them, and the unresolved references the resolver later turns
// into cross-symbol edges.
package extract

import (
	"path"
	"strings"
	"time"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// Extraction holds the records produced for one file.
type Extraction struct {
	Nodes []*graph.Node
	Edges []*graph.Edge
	Refs  []*graph.UnresolvedReference
}

// Extractor produces graph records for files of one language.
type Extractor interface {
	Language() string

	// Extensions lists the file extensions handled, with the leading dot.
	Extensions() []string

	Extract(path string, content []byte) (*Extraction, error)
}

// Registry maps file extensions to extractors.
type Registry struct {
	byExt map[string]Extractor
}

// NewRegistry registers extractors in order; later ones win on shared extensions.
func NewRegistry(extractors ...Extractor) *Registry {
	r := &Registry{byExt: make(map[string]Extractor)}
	for _, e := range extractors {
		for _, ext := range e.Extensions() {
			r.byExt[strings.ToLower(ext)] = e
		}
	}
	return r
}

// DefaultRegistry returns the built-in extractors.
func DefaultRegistry() *Registry {
	return NewRegistry(NewGo(), NewPython(), NewTypeScript())
}

// ForPath returns the extractor for a file path.
func (r *Registry) ForPath(p string) (Extractor, bool) {
	e, ok := r.byExt[strings.ToLower(path.Ext(p))]
	return e, ok
}

// Supported reports whether some extractor handles p.
func (r *Registry) Supported(p string) bool {
	_, ok := r.ForPath(p)
	return ok
}

// builder accumulates the records of one file.
type builder struct {
	path string
	lang string
	now  time.Time
	out  *Extraction
	file *graph.Node
}

func newBuilder(filePath, lang, qualified string, lines int) *builder {
	b := &builder{path: filePath, lang: lang, now: time.Now().UTC(), out: &Extraction{}}
	b.file = b.add(nil, graph.NodeFile, path.Base(filePath), qualified, 1, lines)
	b.file.IsExported = true
	return b
}

// add creates a node and a contains edge from parent when parent is set.
func (b *builder) add(parent *graph.Node, kind graph.NodeKind, name, qualified string, start, end int) *graph.Node {
	line := start
	if kind == graph.NodeFile {
		line = 0
	}
	n := &graph.Node{
		ID:            graph.NodeID(b.path, kind, qualifiedOr(qualified, name), line),
		Kind:          kind,
		Name:          name,
		QualifiedName: qualified,
		FilePath:      b.path,
		Language:      b.lang,
		StartLine:     start,
		EndLine:       end,
		UpdatedAt:     b.now,
	}
	b.out.Nodes = append(b.out.Nodes, n)
	if parent != nil {
		e := graph.NewEdge(parent.ID, n.ID, graph.EdgeContains)
		e.Line = start
		b.out.Edges = append(b.out.Edges, e)
	}
	return n
}

// ref records an unresolved reference from a node. Empty names are ignored.
func (b *builder) ref(from *graph.Node, name string, kind graph.EdgeKind, line, col int, meta map[string]string) {
	if name == "" || from == nil {
		return
	}
	b.out.Refs = append(b.out.Refs, &graph.UnresolvedReference{
		ID:         graph.ReferenceID(from.ID, name, kind, line, col),
		FromNodeID: from.ID,
		Name:       name,
		Kind:       kind,
		FilePath:   b.path,
		Language:   b.lang,
		Line:       line,
		Column:     col,
		Metadata:   meta,
	})
}

// result returns the extraction with repeated references dropped.
func (b *builder) result() *Extraction {
	seen := make(map[string]bool, len(b.out.Refs))
	refs := b.out.Refs[:0]
	for _, r := range b.out.Refs {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		refs = append(refs, r)
	}
	b.out.Refs = refs
	return b.out
}

func qualifiedOr(q, name string) string {
	if q != "" {
		return q
	}
	return name
}

func join(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ".")
}

// moduleName derives a dotted module name from a file path without extension.
func moduleName(p string) string {
	p = strings.TrimSuffix(p, path.Ext(p))
	p = strings.TrimSuffix(p, "/__init__")
	p = strings.TrimSuffix(p, "/index")
	return strings.ReplaceAll(strings.Trim(p, "/"), "/", ".")
}
