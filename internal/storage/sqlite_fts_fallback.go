//go:build !sqlite_fts5

package storage

import (
	"context"
	"database/sql"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

func initFTS(_ context.Context, _ *sql.DB) error {
	// FTS5 not available; search scans nodes.name_lower with LIKE.
	return nil
}

func ftsUpsertNode(_ context.Context, _ querier, _ *graph.Node) error { return nil }

func ftsDeleteNodes(_ context.Context, _ querier, _ []string) error { return nil }

func searchNodes(ctx context.Context, t *sqliteTx, query string, limit int) ([]SearchResult, error) {
	return likeSearch(ctx, t, query, limit)
}
