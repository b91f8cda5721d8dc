package storage

import (
	"context"
	"strings"
)

// likeSearch ranks name matches exact first, then prefix, then substring.
func likeSearch(ctx context.Context, t *sqliteTx, query string, limit int) ([]SearchResult, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	escaped := escapeLike(q)
	nodes, err := t.queryNodes(ctx, `SELECT `+nodeColumns+` FROM nodes
		WHERE name_lower LIKE ? ESCAPE '\'
		ORDER BY CASE WHEN name_lower = ? THEN 0 WHEN name_lower LIKE ? ESCAPE '\' THEN 1 ELSE 2 END,
			length(name), id
		LIMIT ?`,
		"%"+escaped+"%", q, escaped+"%", limit)
	if err != nil {
		return nil, err
	}

	var out []SearchResult
	for _, n := range nodes {
		out = append(out, SearchResult{Node: n, Score: nameScore(n.Name, q)})
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// nameScore grades a match of the lowercased query q against name.
func nameScore(name, q string) float64 {
	lower := strings.ToLower(name)
	switch {
	case lower == q:
		return 1.0
	case strings.HasPrefix(lower, q):
		return 0.75
	case strings.Contains(lower, q):
		return 0.5
	default:
		return 0.25
	}
}
