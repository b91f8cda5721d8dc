// Package graph provides the knowledge graph data model for codegraph.
//
// It defines the symbol nodes, typed edges, pending references and file
// records that the store persists, plus the deterministic id scheme that
// keeps re-indexing of identical content stable.
package graph

import "time"

// NodeKind represents the type of a graph node.
type NodeKind string

const (
	NodeFile      NodeKind = "file"
	NodeModule    NodeKind = "module"
	NodeFunction  NodeKind = "function"
	NodeMethod    NodeKind = "method"
	NodeClass     NodeKind = "class"
	NodeStruct    NodeKind = "struct"
	NodeInterface NodeKind = "interface"
	NodeTrait     NodeKind = "trait"
	NodeVariable  NodeKind = "variable"
	NodeConstant  NodeKind = "constant"
	NodeEnum      NodeKind = "enum"
	NodeTypeAlias NodeKind = "type_alias"
	NodeImport    NodeKind = "import"
	NodeField     NodeKind = "field"
)

// EdgeKind represents the type of relationship between graph nodes.
type EdgeKind string

const (
	EdgeContains     EdgeKind = "contains"
	EdgeCalls        EdgeKind = "calls"
	EdgeImports      EdgeKind = "imports"
	EdgeExports      EdgeKind = "exports"
	EdgeExtends      EdgeKind = "extends"
	EdgeImplements   EdgeKind = "implements"
	EdgeReferences   EdgeKind = "references"
	EdgeTypeOf       EdgeKind = "type_of"
	EdgeReturns      EdgeKind = "returns"
	EdgeInstantiates EdgeKind = "instantiates"
	EdgeOverrides    EdgeKind = "overrides"
	EdgeDecorates    EdgeKind = "decorates"
)

// EdgeKinds lists every edge kind in a fixed order.
var EdgeKinds = []EdgeKind{
	EdgeContains, EdgeCalls, EdgeImports, EdgeExports, EdgeExtends, EdgeImplements,
	EdgeReferences, EdgeTypeOf, EdgeReturns, EdgeInstantiates, EdgeOverrides, EdgeDecorates,
}

// Valid reports whether k is one of the known edge kinds.
func (k EdgeKind) Valid() bool {
	for _, known := range EdgeKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Well-known metadata keys.
const (
	// MetaSource is the module specifier of an import node.
	MetaSource = "source"
	// MetaImported is the original exported name bound by an import node, "*" for namespace imports.
	MetaImported = "imported"
	// MetaReceiver is the receiver type of a method call reference.
	MetaReceiver = "receiver"
	// MetaCallee is the name of the call a reference was passed to as an argument.
	MetaCallee = "callee"
	// MetaPackage is the import path qualifying a reference.
	MetaPackage = "package"
	// MetaOrigin records who created an edge.
	MetaOrigin = "origin"
	// MetaRefName is the reference name an edge was resolved from.
	MetaRefName = "ref_name"
	// MetaMatcher is the framework matcher that produced a synthetic edge.
	MetaMatcher = "matcher"
	// MetaRoute is the route path attached to a route registration edge.
	MetaRoute = "route"
)

// Edge origins.
const (
	OriginExtraction = "extraction"
	OriginResolver   = "resolver"
	OriginMatcher    = "matcher"
)

// Node represents a code symbol in the knowledge graph.
type Node struct {
	// ID is derived from file path, kind, name and declaration line.
	ID string `json:"id"`

	Kind NodeKind `json:"kind"`
	Name string   `json:"name"`

	// QualifiedName is the dotted path from the file through enclosing scopes.
	QualifiedName string `json:"qualified_name,omitempty"`

	FilePath string `json:"file_path"`
	Language string `json:"language,omitempty"`

	StartLine   int `json:"start_line,omitempty"`
	EndLine     int `json:"end_line,omitempty"`
	StartColumn int `json:"start_column,omitempty"`
	EndColumn   int `json:"end_column,omitempty"`

	Docstring  string `json:"docstring,omitempty"`
	Signature  string `json:"signature,omitempty"`
	Visibility string `json:"visibility,omitempty"`

	IsExported bool `json:"is_exported,omitempty"`
	IsAsync    bool `json:"is_async,omitempty"`
	IsStatic   bool `json:"is_static,omitempty"`
	IsAbstract bool `json:"is_abstract,omitempty"`

	// Decorators holds decorator expressions without the leading '@'.
	Decorators []string `json:"decorators,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Edge represents a directed, typed relationship between two nodes.
type Edge struct {
	ID     string   `json:"id"`
	Source string   `json:"source"`
	Target string   `json:"target"`
	Kind   EdgeKind `json:"kind"`

	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Origin returns who created the edge. Edges without an origin came from extraction.
func (e *Edge) Origin() string {
	if o := e.Metadata[MetaOrigin]; o != "" {
		return o
	}
	return OriginExtraction
}

// UnresolvedReference is a textual symbol mention awaiting a concrete target.
type UnresolvedReference struct {
	ID         string   `json:"id"`
	FromNodeID string   `json:"from_node_id"`
	Name       string   `json:"name"`
	Kind       EdgeKind `json:"kind"`

	FilePath string `json:"file_path"`
	Language string `json:"language,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`

	// Candidates optionally carries node ids precomputed by extraction.
	Candidates []string `json:"candidates,omitempty"`

	// Attempts counts failed resolution passes under the retry policy.
	Attempts int `json:"attempts,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// FileRecord tracks one indexed file.
type FileRecord struct {
	Path      string    `json:"path"`
	Hash      string    `json:"hash"`
	Language  string    `json:"language,omitempty"`
	Size      int64     `json:"size"`
	IndexedAt time.Time `json:"indexed_at"`
	NodeCount int       `json:"node_count"`
	Errors    []string  `json:"errors,omitempty"`
}
