package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/southerncoder/codegraph-sub000/internal/apperr"
)

// SQLiteSchemaVersion is the schema version this build reads and writes.
const SQLiteSchemaVersion = 2

const metaSchemaSQL = `
CREATE TABLE IF NOT EXISTS schema_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

type sqliteMigration struct {
	version int
	stmts   string
}

// Migrations are forward-only and applied in order inside one transaction.
var sqliteMigrations = []sqliteMigration{
	{version: 1, stmts: `
CREATE TABLE nodes (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	name           TEXT NOT NULL,
	name_lower     TEXT NOT NULL,
	qualified_name TEXT NOT NULL DEFAULT '',
	file_path      TEXT NOT NULL,
	language       TEXT NOT NULL DEFAULT '',
	start_line     INTEGER NOT NULL DEFAULT 0,
	end_line       INTEGER NOT NULL DEFAULT 0,
	start_column   INTEGER NOT NULL DEFAULT 0,
	end_column     INTEGER NOT NULL DEFAULT 0,
	docstring      TEXT NOT NULL DEFAULT '',
	signature      TEXT NOT NULL DEFAULT '',
	visibility     TEXT NOT NULL DEFAULT '',
	flags          INTEGER NOT NULL DEFAULT 0,
	decorators     TEXT NOT NULL DEFAULT '[]',
	metadata       TEXT NOT NULL DEFAULT '{}',
	updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX idx_nodes_file ON nodes(file_path);
CREATE INDEX idx_nodes_kind ON nodes(kind);
CREATE INDEX idx_nodes_name_lower ON nodes(name_lower);

CREATE TABLE edges (
	id     TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	target TEXT NOT NULL,
	kind   TEXT NOT NULL,
	line   INTEGER NOT NULL DEFAULT 0,
	col    INTEGER NOT NULL DEFAULT 0,
	UNIQUE(source, target, kind)
);
CREATE INDEX idx_edges_source ON edges(source, kind);
CREATE INDEX idx_edges_target ON edges(target, kind);

CREATE TABLE unresolved_refs (
	id           TEXT PRIMARY KEY,
	from_node_id TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL,
	lookup_name  TEXT NOT NULL,
	kind         TEXT NOT NULL,
	file_path    TEXT NOT NULL,
	language     TEXT NOT NULL DEFAULT '',
	line         INTEGER NOT NULL DEFAULT 0,
	col          INTEGER NOT NULL DEFAULT 0,
	candidates   TEXT NOT NULL DEFAULT '[]',
	metadata     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX idx_unresolved_file ON unresolved_refs(file_path);
CREATE INDEX idx_unresolved_lookup ON unresolved_refs(lookup_name);

CREATE TABLE files (
	path       TEXT PRIMARY KEY,
	hash       TEXT NOT NULL,
	language   TEXT NOT NULL DEFAULT '',
	size       INTEGER NOT NULL DEFAULT 0,
	indexed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	node_count INTEGER NOT NULL DEFAULT 0,
	errors     TEXT NOT NULL DEFAULT '[]'
);
`},
	{version: 2, stmts: `
ALTER TABLE unresolved_refs ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0;
ALTER TABLE edges ADD COLUMN metadata TEXT NOT NULL DEFAULT '{}';
`},
}

// migrateSQLite brings the schema up to SQLiteSchemaVersion. A database written by a
// newer build is refused with a SchemaVersionError.
func migrateSQLite(ctx context.Context, db *sql.DB) (int, error) {
	if _, err := db.ExecContext(ctx, metaSchemaSQL); err != nil {
		return 0, fmt.Errorf("storage: create schema_meta: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := readSchemaVersion(ctx, tx)
	if err != nil {
		return 0, err
	}
	if current > SQLiteSchemaVersion {
		return current, &apperr.SchemaVersionError{OnDisk: current, Supported: SQLiteSchemaVersion}
	}

	for _, m := range sqliteMigrations {
		if m.version <= current {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.stmts); err != nil {
			return current, fmt.Errorf("storage: apply migration %d: %w", m.version, err)
		}
		current = m.version
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		strconv.Itoa(current)); err != nil {
		return current, fmt.Errorf("storage: record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("storage: commit migration: %w", err)
	}
	return current, nil
}

func readSchemaVersion(ctx context.Context, q querier) (int, error) {
	v, err := readMeta(ctx, q, "schema_version")
	if err != nil {
		return 0, err
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("storage: bad schema_version %q: %w", v, err)
	}
	return n, nil
}

func readMeta(ctx context.Context, q querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: read %s: %w", key, err)
	}
	return value, nil
}
