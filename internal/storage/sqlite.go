package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteBackend is the relational graph backend.
type SQLiteBackend struct {
	conn          *sql.DB
	schemaVersion int
}

var _ Backend = (*SQLiteBackend)(nil)

// OpenSQLite opens (or creates) the SQLite database at path and migrates its schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create db dir: %w", err)
	}

	// Writers take the database lock when their transaction begins rather than on first write.
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("storage: open db: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	version, err := migrateSQLite(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := initFTS(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: apply fts schema: %w", err)
	}

	return &SQLiteBackend{conn: conn, schemaVersion: version}, nil
}

// View runs fn against the database outside any write transaction.
func (b *SQLiteBackend) View(ctx context.Context, fn func(Reader) error) error {
	return fn(&sqliteTx{q: b.conn})
}

// Update runs fn inside a single transaction.
func (b *SQLiteBackend) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	if err := fn(&sqliteTx{q: tx, writable: true}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// SchemaVersion returns the schema version recorded in schema_meta.
func (b *SQLiteBackend) SchemaVersion(ctx context.Context) (int, error) {
	return readSchemaVersion(ctx, b.conn)
}

// Close closes the underlying database connection.
func (b *SQLiteBackend) Close() error {
	return b.conn.Close()
}
