package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/southerncoder/codegraph-sub000/internal/apperr"
	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

func TestOpenSQLite_Fresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "nested", "graph.db"))
	require.NoError(t, err)
	defer b.Close()

	v, err := b.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, SQLiteSchemaVersion, v)
}

func TestOpenSQLite_NewerSchemaRefused(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graph.db")

	b, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	_, err = b.conn.ExecContext(ctx, `UPDATE schema_meta SET value = '99' WHERE key = 'schema_version'`)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = OpenSQLite(ctx, path)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrSchemaVersionMismatch)

	var sv *apperr.SchemaVersionError
	require.ErrorAs(t, err, &sv)
	assert.Equal(t, 99, sv.OnDisk)
	assert.Equal(t, SQLiteSchemaVersion, sv.Supported)
}

func TestOpenSQLite_MigratesFromV1(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graph.db")

	// Lay down a version 1 database by hand.
	conn, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, metaSchemaSQL)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, sqliteMigrations[0].stmts)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO schema_meta (key, value) VALUES ('schema_version', '1')`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO unresolved_refs (id, from_node_id, name, lookup_name, kind, file_path)
		VALUES ('ref:1', 'function:a', 'Helper', 'helper', 'calls', 'a.go')`)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	b, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer b.Close()

	v, err := b.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	require.NoError(t, b.View(ctx, func(r Reader) error {
		refs, err := r.Unresolved(ctx, UnresolvedFilter{Names: []string{"helper"}})
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.Equal(t, 0, refs[0].Attempts)
		assert.Equal(t, graph.EdgeCalls, refs[0].Kind)
		return nil
	}))
}

func TestSQLite_LikeEscaping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, cleanup := setupTestBackend(t, BackendSQLite)
	defer cleanup()

	require.NoError(t, b.Update(ctx, func(tx Tx) error {
		return tx.PutNodes(ctx, []*graph.Node{
			testNode("a.py", graph.NodeFunction, "__init__", 1),
			testNode("a.py", graph.NodeFunction, "initialize", 4),
		})
	}))

	require.NoError(t, b.View(ctx, func(r Reader) error {
		results, err := r.SearchNodes(ctx, "__init", 10)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "__init__", results[0].Node.Name)
		return nil
	}))
}

func TestChunks(t *testing.T) {
	t.Parallel()

	assert.Nil(t, chunks(nil, 2))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunks([]string{"a", "b", "c"}, 2))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}
