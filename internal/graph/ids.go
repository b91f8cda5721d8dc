package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

const idHashLen = 32

// NodeID creates a deterministic node ID from file path, kind, name and declaration line.
// Format: {kind}:{hash}
func NodeID(filePath string, kind NodeKind, name string, line int) string {
	return string(kind) + ":" + digest(filePath, string(kind), name, strconv.Itoa(line))
}

// EdgeID creates a deterministic edge ID. The (source, target, kind) triple is unique.
func EdgeID(source, target string, kind EdgeKind) string {
	return "edge:" + digest(source, target, string(kind))
}

// ReferenceID creates a deterministic ID for an unresolved reference.
func ReferenceID(fromNodeID, name string, kind EdgeKind, line, column int) string {
	return "ref:" + digest(fromNodeID, name, string(kind), strconv.Itoa(line), strconv.Itoa(column))
}

// NewEdge builds an edge with its ID filled in.
func NewEdge(source, target string, kind EdgeKind) *Edge {
	return &Edge{
		ID:     EdgeID(source, target, kind),
		Source: source,
		Target: target,
		Kind:   kind,
	}
}

// LookupName returns the lowercased last dotted segment of a reference name,
// the key under which candidates are indexed.
func LookupName(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 && i < len(name)-1 {
		name = name[i+1:]
	}
	return strings.ToLower(name)
}

// Qualifier returns the first dotted segment of a qualified reference name,
// or "" when the name is not qualified.
func Qualifier(name string) string {
	if i := strings.Index(name, "."); i > 0 {
		return name[:i]
	}
	return ""
}

func digest(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:idHashLen]
}
