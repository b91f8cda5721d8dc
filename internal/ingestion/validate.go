package ingestion

import (
	"errors"
	"fmt"

	"github.com/southerncoder/codegraph-sub000/internal/apperr"
	"github.com/southerncoder/codegraph-sub000/internal/extract"
	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// validate drops malformed records from an extraction of file and returns the
// rejections. The extraction is filtered in place.
func validate(file string, ex *extract.Extraction) []error {
	var errs []error
	reject := func(item string, format string, args ...any) {
		errs = append(errs, apperr.NewItemError(apperr.ErrExtraction, file+": "+item, fmt.Errorf(format, args...)))
	}

	known := make(map[string]bool, len(ex.Nodes))
	nodes := ex.Nodes[:0]
	for _, n := range ex.Nodes {
		switch {
		case n == nil:
			continue
		case n.ID == "" || n.Name == "" || n.Kind == "":
			reject("node "+n.ID, "missing id, name or kind")
			continue
		case n.FilePath != file:
			reject("node "+n.ID, "file path %q differs from extracted file", n.FilePath)
			continue
		case known[n.ID]:
			reject("node "+n.ID, "duplicate id")
			continue
		}
		known[n.ID] = true
		nodes = append(nodes, n)
	}
	ex.Nodes = nodes

	edges := ex.Edges[:0]
	for _, e := range ex.Edges {
		switch {
		case e == nil:
			continue
		case !e.Kind.Valid():
			reject("edge "+e.ID, "unknown kind %q", e.Kind)
			continue
		case !known[e.Source]:
			reject("edge "+e.ID, "unknown source %s", e.Source)
			continue
		case e.Target == "":
			reject("edge "+e.ID, "missing target")
			continue
		}
		if e.ID == "" {
			e.ID = graph.EdgeID(e.Source, e.Target, e.Kind)
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		if e.Metadata[graph.MetaOrigin] == "" {
			e.Metadata[graph.MetaOrigin] = graph.OriginExtraction
		}
		edges = append(edges, e)
	}
	ex.Edges = edges

	refs := ex.Refs[:0]
	for _, r := range ex.Refs {
		switch {
		case r == nil:
			continue
		case r.ID == "" || r.Name == "":
			reject("reference "+r.ID, "missing id or name")
			continue
		case !r.Kind.Valid():
			reject("reference "+r.ID, "unknown kind %q", r.Kind)
			continue
		case !known[r.FromNodeID]:
			reject("reference "+r.ID, "unknown origin %s", r.FromNodeID)
			continue
		case r.FilePath != file:
			reject("reference "+r.ID, "file path %q differs from extracted file", r.FilePath)
			continue
		}
		refs = append(refs, r)
	}
	ex.Refs = refs

	return errs
}

// errorStrings flattens errors for a file record.
func errorStrings(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		var ie *apperr.ItemError
		if errors.As(err, &ie) && ie.Err != nil {
			out = append(out, ie.Item+": "+ie.Err.Error())
			continue
		}
		out = append(out, err.Error())
	}
	return out
}
