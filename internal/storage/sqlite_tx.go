package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// sqlChunk bounds the number of bound parameters per IN clause.
const sqlChunk = 500

const nodeColumns = `id, kind, name, qualified_name, file_path, language, start_line, end_line,
	start_column, end_column, docstring, signature, visibility, flags, decorators, metadata, updated_at`

const edgeColumns = `id, source, target, kind, line, col, metadata`

const refColumns = `id, from_node_id, name, kind, file_path, language, line, col, candidates, attempts, metadata`

const (
	flagExported = 1 << iota
	flagAsync
	flagStatic
	flagAbstract
)

// sqliteTx implements Tx over a *sql.DB (read views) or a *sql.Tx (writes).
type sqliteTx struct {
	q        querier
	writable bool
}

var _ Tx = (*sqliteTx)(nil)

func (t *sqliteTx) requireWritable() error {
	if !t.writable {
		return errors.New("storage: write on read-only view")
	}
	return nil
}

// Node returns a single node by ID, or nil if not found.
func (t *sqliteTx) Node(ctx context.Context, id string) (*graph.Node, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get node: %w", err)
	}
	return n, nil
}

func (t *sqliteTx) NodesByFile(ctx context.Context, path string) ([]*graph.Node, error) {
	return t.queryNodes(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE file_path = ? ORDER BY start_line, id`, path)
}

func (t *sqliteTx) NodesByKind(ctx context.Context, kind graph.NodeKind) ([]*graph.Node, error) {
	return t.queryNodes(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE kind = ? ORDER BY id`, string(kind))
}

func (t *sqliteTx) NodesByName(ctx context.Context, name string) ([]*graph.Node, error) {
	return t.queryNodes(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE name_lower = ? ORDER BY id`, strings.ToLower(name))
}

func (t *sqliteTx) IterateNodes(ctx context.Context, fn func(*graph.Node) error) error {
	rows, err := t.q.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
	if err != nil {
		return fmt.Errorf("storage: iterate nodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return fmt.Errorf("storage: scan node: %w", err)
		}
		if err := fn(n); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (t *sqliteTx) queryNodes(ctx context.Context, query string, args ...any) ([]*graph.Node, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query nodes: %w", err)
	}
	defer rows.Close()

	var out []*graph.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (t *sqliteTx) Edges(ctx context.Context, id string, dir Direction, kinds ...graph.EdgeKind) ([]*graph.Edge, error) {
	column := "source"
	if dir == Incoming {
		column = "target"
	}
	query := `SELECT ` + edgeColumns + ` FROM edges WHERE ` + column + ` = ?`
	args := []any{id}
	if len(kinds) > 0 {
		query += ` AND kind IN (` + placeholders(len(kinds)) + `)`
		for _, k := range kinds {
			args = append(args, string(k))
		}
	}
	query += ` ORDER BY id`
	return t.queryEdges(ctx, query, args...)
}

func (t *sqliteTx) queryEdges(ctx context.Context, query string, args ...any) ([]*graph.Edge, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query edges: %w", err)
	}
	defer rows.Close()

	var out []*graph.Edge
	for rows.Next() {
		var (
			e    graph.Edge
			kind string
			meta string
		)
		if err := rows.Scan(&e.ID, &e.Source, &e.Target, &kind, &e.Line, &e.Column, &meta); err != nil {
			return nil, fmt.Errorf("storage: scan edge: %w", err)
		}
		e.Kind = graph.EdgeKind(kind)
		if err := decodeJSON(meta, &e.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (t *sqliteTx) SearchNodes(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	return searchNodes(ctx, t, query, limit)
}

func (t *sqliteTx) File(ctx context.Context, path string) (*graph.FileRecord, error) {
	recs, err := t.queryFiles(ctx, `SELECT path, hash, language, size, indexed_at, node_count, errors FROM files WHERE path = ?`, path)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (t *sqliteTx) Files(ctx context.Context) ([]*graph.FileRecord, error) {
	return t.queryFiles(ctx, `SELECT path, hash, language, size, indexed_at, node_count, errors FROM files ORDER BY path`)
}

func (t *sqliteTx) queryFiles(ctx context.Context, query string, args ...any) ([]*graph.FileRecord, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query files: %w", err)
	}
	defer rows.Close()

	var out []*graph.FileRecord
	for rows.Next() {
		var (
			rec  graph.FileRecord
			errs string
		)
		if err := rows.Scan(&rec.Path, &rec.Hash, &rec.Language, &rec.Size, &rec.IndexedAt, &rec.NodeCount, &errs); err != nil {
			return nil, fmt.Errorf("storage: scan file: %w", err)
		}
		if err := decodeJSON(errs, &rec.Errors); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (t *sqliteTx) Unresolved(ctx context.Context, filter UnresolvedFilter) ([]*graph.UnresolvedReference, error) {
	if filter.IsZero() {
		return t.queryRefs(ctx, `SELECT `+refColumns+` FROM unresolved_refs ORDER BY id`)
	}

	seen := make(map[string]bool)
	var out []*graph.UnresolvedReference
	collect := func(column string, values []string) error {
		for _, chunk := range chunks(values, sqlChunk) {
			refs, err := t.queryRefs(ctx,
				`SELECT `+refColumns+` FROM unresolved_refs WHERE `+column+` IN (`+placeholders(len(chunk))+`)`,
				stringArgs(chunk)...)
			if err != nil {
				return err
			}
			for _, r := range refs {
				if !seen[r.ID] {
					seen[r.ID] = true
					out = append(out, r)
				}
			}
		}
		return nil
	}
	if err := collect("file_path", filter.Files); err != nil {
		return nil, err
	}
	if err := collect("lookup_name", filter.Names); err != nil {
		return nil, err
	}
	sortRefs(out)
	return out, nil
}

func (t *sqliteTx) queryRefs(ctx context.Context, query string, args ...any) ([]*graph.UnresolvedReference, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query unresolved: %w", err)
	}
	defer rows.Close()

	var out []*graph.UnresolvedReference
	for rows.Next() {
		var (
			r          graph.UnresolvedReference
			kind       string
			candidates string
			meta       string
		)
		if err := rows.Scan(&r.ID, &r.FromNodeID, &r.Name, &kind, &r.FilePath, &r.Language,
			&r.Line, &r.Column, &candidates, &r.Attempts, &meta); err != nil {
			return nil, fmt.Errorf("storage: scan unresolved: %w", err)
		}
		r.Kind = graph.EdgeKind(kind)
		if err := decodeJSON(candidates, &r.Candidates); err != nil {
			return nil, err
		}
		if err := decodeJSON(meta, &r.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (t *sqliteTx) Generation(ctx context.Context) (uint64, error) {
	v, err := readMeta(ctx, t.q, "generation")
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

func (t *sqliteTx) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	counts := []struct {
		table string
		dst   *int
	}{
		{"nodes", &s.Nodes},
		{"edges", &s.Edges},
		{"files", &s.Files},
		{"unresolved_refs", &s.Unresolved},
	}
	for _, c := range counts {
		if err := t.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+c.table).Scan(c.dst); err != nil {
			return s, fmt.Errorf("storage: count %s: %w", c.table, err)
		}
	}
	gen, err := t.Generation(ctx)
	if err != nil {
		return s, err
	}
	s.Generation = gen
	s.SchemaVersion, err = readSchemaVersion(ctx, t.q)
	return s, err
}

// PutNodes inserts or replaces nodes.
func (t *sqliteTx) PutNodes(ctx context.Context, nodes []*graph.Node) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	for _, n := range nodes {
		decorators, err := encodeJSON(n.Decorators, "[]")
		if err != nil {
			return err
		}
		meta, err := encodeJSON(n.Metadata, "{}")
		if err != nil {
			return err
		}
		updated := n.UpdatedAt
		if updated.IsZero() {
			updated = time.Now().UTC()
		}
		if _, err := t.q.ExecContext(ctx, `INSERT OR REPLACE INTO nodes (`+nodeColumns+`, name_lower)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, string(n.Kind), n.Name, n.QualifiedName, n.FilePath, n.Language,
			n.StartLine, n.EndLine, n.StartColumn, n.EndColumn,
			n.Docstring, n.Signature, n.Visibility, nodeFlags(n), decorators, meta, updated,
			strings.ToLower(n.Name)); err != nil {
			return fmt.Errorf("storage: put node %s: %w", n.ID, err)
		}
		if err := ftsUpsertNode(ctx, t.q, n); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteTx) PutEdges(ctx context.Context, edges []*graph.Edge) (int, error) {
	if err := t.requireWritable(); err != nil {
		return 0, err
	}
	inserted := 0
	for _, e := range edges {
		if e.ID == "" {
			e.ID = graph.EdgeID(e.Source, e.Target, e.Kind)
		}
		meta, err := encodeJSON(e.Metadata, "{}")
		if err != nil {
			return inserted, err
		}
		res, err := t.q.ExecContext(ctx, `INSERT OR IGNORE INTO edges (`+edgeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Source, e.Target, string(e.Kind), e.Line, e.Column, meta)
		if err != nil {
			return inserted, fmt.Errorf("storage: put edge %s: %w", e.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	return inserted, nil
}

func (t *sqliteTx) PutUnresolved(ctx context.Context, refs []*graph.UnresolvedReference) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	for _, r := range refs {
		candidates, err := encodeJSON(r.Candidates, "[]")
		if err != nil {
			return err
		}
		meta, err := encodeJSON(r.Metadata, "{}")
		if err != nil {
			return err
		}
		if _, err := t.q.ExecContext(ctx, `INSERT OR REPLACE INTO unresolved_refs (`+refColumns+`, lookup_name)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.FromNodeID, r.Name, string(r.Kind), r.FilePath, r.Language, r.Line, r.Column,
			candidates, r.Attempts, meta, graph.LookupName(r.Name)); err != nil {
			return fmt.Errorf("storage: put unresolved %s: %w", r.ID, err)
		}
	}
	return nil
}

func (t *sqliteTx) PutFile(ctx context.Context, rec *graph.FileRecord) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	errs, err := encodeJSON(rec.Errors, "[]")
	if err != nil {
		return err
	}
	indexed := rec.IndexedAt
	if indexed.IsZero() {
		indexed = time.Now().UTC()
	}
	if _, err := t.q.ExecContext(ctx, `INSERT OR REPLACE INTO files (path, hash, language, size, indexed_at, node_count, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Path, rec.Hash, rec.Language, rec.Size, indexed, rec.NodeCount, errs); err != nil {
		return fmt.Errorf("storage: put file %s: %w", rec.Path, err)
	}
	return nil
}

func (t *sqliteTx) DeleteNodesByFile(ctx context.Context, path string) ([]string, error) {
	if err := t.requireWritable(); err != nil {
		return nil, err
	}
	rows, err := t.q.QueryContext(ctx, `SELECT id FROM nodes WHERE file_path = ? ORDER BY id`, path)
	if err != nil {
		return nil, fmt.Errorf("storage: list file nodes: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := t.q.ExecContext(ctx, `DELETE FROM nodes WHERE file_path = ?`, path); err != nil {
		return nil, fmt.Errorf("storage: delete file nodes: %w", err)
	}
	if err := ftsDeleteNodes(ctx, t.q, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (t *sqliteTx) DeleteEdgesTouching(ctx context.Context, ids []string) ([]*graph.Edge, error) {
	if err := t.requireWritable(); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var removed []*graph.Edge
	for _, chunk := range chunks(ids, sqlChunk) {
		in := placeholders(len(chunk))
		args := append(stringArgs(chunk), stringArgs(chunk)...)
		edges, err := t.queryEdges(ctx,
			`SELECT `+edgeColumns+` FROM edges WHERE source IN (`+in+`) OR target IN (`+in+`)`, args...)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if !seen[e.ID] {
				seen[e.ID] = true
				removed = append(removed, e)
			}
		}
		if _, err := t.q.ExecContext(ctx,
			`DELETE FROM edges WHERE source IN (`+in+`) OR target IN (`+in+`)`, args...); err != nil {
			return nil, fmt.Errorf("storage: delete edges: %w", err)
		}
	}
	return removed, nil
}

func (t *sqliteTx) DeleteUnresolved(ctx context.Context, ids []string) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	for _, chunk := range chunks(ids, sqlChunk) {
		if _, err := t.q.ExecContext(ctx,
			`DELETE FROM unresolved_refs WHERE id IN (`+placeholders(len(chunk))+`)`, stringArgs(chunk)...); err != nil {
			return fmt.Errorf("storage: delete unresolved: %w", err)
		}
	}
	return nil
}

func (t *sqliteTx) DeleteUnresolvedByFile(ctx context.Context, path string) (int, error) {
	if err := t.requireWritable(); err != nil {
		return 0, err
	}
	res, err := t.q.ExecContext(ctx, `DELETE FROM unresolved_refs WHERE file_path = ?`, path)
	if err != nil {
		return 0, fmt.Errorf("storage: delete file unresolved: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (t *sqliteTx) SetUnresolvedAttempts(ctx context.Context, id string, attempts int) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx, `UPDATE unresolved_refs SET attempts = ? WHERE id = ?`, attempts, id); err != nil {
		return fmt.Errorf("storage: update attempts: %w", err)
	}
	return nil
}

func (t *sqliteTx) DeleteFile(ctx context.Context, path string) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("storage: delete file: %w", err)
	}
	return nil
}

func (t *sqliteTx) BumpGeneration(ctx context.Context) (uint64, error) {
	if err := t.requireWritable(); err != nil {
		return 0, err
	}
	if _, err := t.q.ExecContext(ctx, `INSERT INTO schema_meta (key, value) VALUES ('generation', '1')
		ON CONFLICT(key) DO UPDATE SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT)`); err != nil {
		return 0, fmt.Errorf("storage: bump generation: %w", err)
	}
	return t.Generation(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*graph.Node, error) {
	var (
		n          graph.Node
		kind       string
		flags      int
		decorators string
		meta       string
	)
	if err := row.Scan(&n.ID, &kind, &n.Name, &n.QualifiedName, &n.FilePath, &n.Language,
		&n.StartLine, &n.EndLine, &n.StartColumn, &n.EndColumn,
		&n.Docstring, &n.Signature, &n.Visibility, &flags, &decorators, &meta, &n.UpdatedAt); err != nil {
		return nil, err
	}
	n.Kind = graph.NodeKind(kind)
	n.IsExported = flags&flagExported != 0
	n.IsAsync = flags&flagAsync != 0
	n.IsStatic = flags&flagStatic != 0
	n.IsAbstract = flags&flagAbstract != 0
	if err := decodeJSON(decorators, &n.Decorators); err != nil {
		return nil, err
	}
	if err := decodeJSON(meta, &n.Metadata); err != nil {
		return nil, err
	}
	return &n, nil
}

func nodeFlags(n *graph.Node) int {
	flags := 0
	if n.IsExported {
		flags |= flagExported
	}
	if n.IsAsync {
		flags |= flagAsync
	}
	if n.IsStatic {
		flags |= flagStatic
	}
	if n.IsAbstract {
		flags |= flagAbstract
	}
	return flags
}

func encodeJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("storage: encode: %w", err)
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" || s == "[]" || s == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("storage: decode: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func chunks(values []string, size int) [][]string {
	var out [][]string
	for len(values) > size {
		out = append(out, values[:size])
		values = values[size:]
	}
	if len(values) > 0 {
		out = append(out, values)
	}
	return out
}
