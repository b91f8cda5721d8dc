//go:build sqlite_fts5

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

func initFTS(ctx context.Context, conn *sql.DB) error {
	var existing int
	if err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'nodes_fts'`).Scan(&existing); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `
		CREATE VIRTUAL TABLE IF NOT EXISTS nodes_fts USING fts5(
			id UNINDEXED,
			name,
			qualified_name,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`); err != nil {
		return err
	}
	if existing == 0 {
		_, err := conn.ExecContext(ctx, `INSERT INTO nodes_fts (id, name, qualified_name)
			SELECT id, name, qualified_name FROM nodes`)
		return err
	}
	return nil
}

func ftsUpsertNode(ctx context.Context, q querier, n *graph.Node) error {
	_, _ = q.ExecContext(ctx, `DELETE FROM nodes_fts WHERE id = ?`, n.ID)
	if _, err := q.ExecContext(ctx, `INSERT INTO nodes_fts (id, name, qualified_name) VALUES (?, ?, ?)`,
		n.ID, n.Name, n.QualifiedName); err != nil {
		return fmt.Errorf("storage: upsert fts: %w", err)
	}
	return nil
}

func ftsDeleteNodes(ctx context.Context, q querier, ids []string) error {
	for _, chunk := range chunks(ids, sqlChunk) {
		if _, err := q.ExecContext(ctx,
			`DELETE FROM nodes_fts WHERE id IN (`+placeholders(len(chunk))+`)`, stringArgs(chunk)...); err != nil {
			return fmt.Errorf("storage: delete fts: %w", err)
		}
	}
	return nil
}

// searchNodes ranks exact and prefix name hits from the LIKE scan first, then
// tops up with FTS5 token matches on the qualified name.
func searchNodes(ctx context.Context, t *sqliteTx, query string, limit int) ([]SearchResult, error) {
	out, err := likeSearch(ctx, t, query, limit)
	if err != nil || len(out) >= limit {
		return out, err
	}

	term := ftsTerm(query)
	if term == "" {
		return out, nil
	}
	rows, err := t.q.QueryContext(ctx, `SELECT id, rank FROM nodes_fts WHERE nodes_fts MATCH ? ORDER BY rank LIMIT ?`,
		term, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: search: %w", err)
	}
	type hit struct {
		id   string
		rank float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.rank); err != nil {
			rows.Close()
			return nil, err
		}
		hits = append(hits, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(out))
	for _, r := range out {
		seen[r.Node.ID] = true
	}
	for _, h := range hits {
		if seen[h.id] || len(out) >= limit {
			continue
		}
		n, err := t.Node(ctx, h.id)
		if err != nil {
			return nil, err
		}
		if n == nil {
			continue
		}
		seen[h.id] = true
		// bm25 rank is negative; map it below the LIKE tiers.
		out = append(out, SearchResult{Node: n, Score: 0.25 / (1 + (-h.rank))})
	}
	return out, nil
}

// ftsTerm quotes the query as a single FTS5 prefix phrase.
func ftsTerm(query string) string {
	q := strings.TrimSpace(query)
	if q == "" {
		return ""
	}
	return `"` + strings.ReplaceAll(q, `"`, `""`) + `"*`
}
