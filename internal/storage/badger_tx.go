package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// badgerTx implements Tx over a badger transaction.
type badgerTx struct {
	txn      *badger.Txn
	writable bool
}

var _ Tx = (*badgerTx)(nil)

func (t *badgerTx) requireWritable() error {
	if !t.writable {
		return errors.New("storage: write on read-only view")
	}
	return nil
}

// getJSON decodes the value at key into v. It reports false if the key is absent.
func (t *badgerTx) getJSON(key []byte, v any) (bool, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: get %s: %w", key, err)
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	}); err != nil {
		return false, fmt.Errorf("storage: unmarshaling %s: %w", key, err)
	}
	return true, nil
}

func (t *badgerTx) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshaling %s: %w", key, err)
	}
	return t.txn.Set(key, data)
}

// Node returns a single node by ID, or nil if not found.
func (t *badgerTx) Node(ctx context.Context, id string) (*graph.Node, error) {
	var n graph.Node
	ok, err := t.getJSON(nodeKey(id), &n)
	if err != nil || !ok {
		return nil, err
	}
	return &n, nil
}

// nodesByIndex loads the nodes referenced by the index keys under prefix.
func (t *badgerTx) nodesByIndex(prefix string) ([]*graph.Node, error) {
	var out []*graph.Node
	for _, key := range prefixKeys(t.txn, prefix) {
		n, err := t.Node(context.Background(), lastPart(key))
		if err != nil {
			return nil, err
		}
		if n != nil {
			out = append(out, n)
		}
	}
	return out, nil
}

func (t *badgerTx) NodesByFile(ctx context.Context, path string) ([]*graph.Node, error) {
	nodes, err := t.nodesByIndex(prefixNodeFile + path + sep)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(nodes, func(a, b *graph.Node) int {
		if a.StartLine != b.StartLine {
			return a.StartLine - b.StartLine
		}
		return strings.Compare(a.ID, b.ID)
	})
	return nodes, nil
}

func (t *badgerTx) NodesByKind(ctx context.Context, kind graph.NodeKind) ([]*graph.Node, error) {
	return t.nodesByIndex(prefixNodeKind + string(kind) + sep)
}

func (t *badgerTx) NodesByName(ctx context.Context, name string) ([]*graph.Node, error) {
	return t.nodesByIndex(prefixNodeName + strings.ToLower(name) + sep)
}

func (t *badgerTx) IterateNodes(ctx context.Context, fn func(*graph.Node) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixNode)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var n graph.Node
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &n)
		}); err != nil {
			return fmt.Errorf("storage: unmarshaling node: %w", err)
		}
		if err := fn(&n); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTx) Edges(ctx context.Context, id string, dir Direction, kinds ...graph.EdgeKind) ([]*graph.Edge, error) {
	prefix := prefixOutgoing
	if dir == Incoming {
		prefix = prefixIncoming
	}
	prefixes := []string{prefix + id + sep}
	if len(kinds) > 0 {
		prefixes = prefixes[:0]
		for _, k := range kinds {
			prefixes = append(prefixes, prefix+id+sep+string(k)+sep)
		}
	}

	var out []*graph.Edge
	for _, p := range prefixes {
		for _, key := range prefixKeys(t.txn, p) {
			var e graph.Edge
			ok, err := t.getJSON(edgeKey(lastPart(key)), &e)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, &e)
			}
		}
	}
	slices.SortFunc(out, func(a, b *graph.Edge) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// SearchNodes scans the name index. Names containing the whole query rank by
// exact, prefix and substring match; names containing every query token rank below them.
func (t *badgerTx) SearchNodes(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	tokens := tokenizeForSearch(q)

	type hit struct {
		id    string
		name  string
		score float64
	}
	var hits []hit
	for _, key := range prefixKeys(t.txn, prefixNodeName) {
		rest := strings.TrimPrefix(string(key), prefixNodeName)
		i := strings.LastIndex(rest, sep)
		if i < 0 {
			continue
		}
		name, id := rest[:i], rest[i+1:]
		switch {
		case strings.Contains(name, q):
			hits = append(hits, hit{id: id, name: name, score: nameScore(name, q)})
		case len(tokens) > 1 && containsAll(name, tokens):
			hits = append(hits, hit{id: id, name: name, score: 0.25})
		}
	}

	slices.SortFunc(hits, func(a, b hit) int {
		switch {
		case a.score != b.score:
			if a.score > b.score {
				return -1
			}
			return 1
		case len(a.name) != len(b.name):
			return len(a.name) - len(b.name)
		default:
			return strings.Compare(a.id, b.id)
		}
	})

	var out []SearchResult
	for _, h := range hits {
		if len(out) >= limit {
			break
		}
		n, err := t.Node(ctx, h.id)
		if err != nil {
			return nil, err
		}
		if n != nil {
			out = append(out, SearchResult{Node: n, Score: h.score})
		}
	}
	return out, nil
}

// tokenizeForSearch splits text on non-alphanumeric runes, dropping one-character tokens.
func tokenizeForSearch(text string) []string {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	out := tokens[:0]
	for _, tok := range tokens {
		if len(tok) >= 2 {
			out = append(out, tok)
		}
	}
	return out
}

func containsAll(s string, tokens []string) bool {
	for _, tok := range tokens {
		if !strings.Contains(s, tok) {
			return false
		}
	}
	return true
}

func (t *badgerTx) File(ctx context.Context, path string) (*graph.FileRecord, error) {
	var rec graph.FileRecord
	ok, err := t.getJSON(fileKey(path), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func (t *badgerTx) Files(ctx context.Context) ([]*graph.FileRecord, error) {
	var out []*graph.FileRecord
	err := iteratePrefix(t.txn, prefixFile, func(_, val []byte) error {
		var rec graph.FileRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("storage: unmarshaling file record: %w", err)
		}
		out = append(out, &rec)
		return nil
	})
	return out, err
}

func (t *badgerTx) Unresolved(ctx context.Context, filter UnresolvedFilter) ([]*graph.UnresolvedReference, error) {
	if filter.IsZero() {
		var out []*graph.UnresolvedReference
		err := iteratePrefix(t.txn, prefixRef, func(_, val []byte) error {
			var r graph.UnresolvedReference
			if err := json.Unmarshal(val, &r); err != nil {
				return fmt.Errorf("storage: unmarshaling reference: %w", err)
			}
			out = append(out, &r)
			return nil
		})
		return out, err
	}

	seen := make(map[string]bool)
	var out []*graph.UnresolvedReference
	collect := func(prefix string, values []string) error {
		for _, v := range values {
			for _, key := range prefixKeys(t.txn, prefix+v+sep) {
				id := lastPart(key)
				if seen[id] {
					continue
				}
				var r graph.UnresolvedReference
				ok, err := t.getJSON(refKey(id), &r)
				if err != nil {
					return err
				}
				if ok {
					seen[id] = true
					out = append(out, &r)
				}
			}
		}
		return nil
	}
	if err := collect(prefixRefFile, filter.Files); err != nil {
		return nil, err
	}
	if err := collect(prefixRefName, filter.Names); err != nil {
		return nil, err
	}
	sortRefs(out)
	return out, nil
}

func (t *badgerTx) Generation(ctx context.Context) (uint64, error) {
	item, err := t.txn.Get([]byte(keyGeneration))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage: read generation: %w", err)
	}
	var gen uint64
	err = item.Value(func(val []byte) error {
		gen = decodeGeneration(val)
		return nil
	})
	return gen, err
}

func (t *badgerTx) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		Nodes:      len(prefixKeys(t.txn, prefixNode)),
		Edges:      len(prefixKeys(t.txn, prefixEdge)),
		Files:      len(prefixKeys(t.txn, prefixFile)),
		Unresolved: len(prefixKeys(t.txn, prefixRef)),
	}
	gen, err := t.Generation(ctx)
	if err != nil {
		return s, err
	}
	s.Generation = gen
	s.SchemaVersion, err = readSchemaVersionBadger(t.txn)
	return s, err
}

// PutNodes inserts or replaces nodes, rewriting the secondary index keys of replaced nodes.
func (t *badgerTx) PutNodes(ctx context.Context, nodes []*graph.Node) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	for _, n := range nodes {
		old, err := t.Node(ctx, n.ID)
		if err != nil {
			return err
		}
		if old != nil {
			if err := t.deleteNodeKeys(old); err != nil {
				return err
			}
		}
		if n.UpdatedAt.IsZero() {
			n.UpdatedAt = time.Now().UTC()
		}
		if err := t.setJSON(nodeKey(n.ID), n); err != nil {
			return fmt.Errorf("storage: setting node: %w", err)
		}
		for _, key := range [][]byte{nodeFileKey(n), nodeKindKey(n), nodeNameKey(n)} {
			if err := t.txn.Set(key, nil); err != nil {
				return fmt.Errorf("storage: setting node index: %w", err)
			}
		}
	}
	return nil
}

func (t *badgerTx) deleteNodeKeys(n *graph.Node) error {
	for _, key := range [][]byte{nodeKey(n.ID), nodeFileKey(n), nodeKindKey(n), nodeNameKey(n)} {
		if err := t.txn.Delete(key); err != nil {
			return fmt.Errorf("storage: deleting node: %w", err)
		}
	}
	return nil
}

func (t *badgerTx) PutEdges(ctx context.Context, edges []*graph.Edge) (int, error) {
	if err := t.requireWritable(); err != nil {
		return 0, err
	}
	inserted := 0
	for _, e := range edges {
		if e.ID == "" {
			e.ID = graph.EdgeID(e.Source, e.Target, e.Kind)
		}
		_, err := t.txn.Get(edgeTripleKey(e))
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return inserted, fmt.Errorf("storage: checking edge: %w", err)
		}
		if err := t.setJSON(edgeKey(e.ID), e); err != nil {
			return inserted, fmt.Errorf("storage: setting edge: %w", err)
		}
		if err := t.txn.Set(edgeTripleKey(e), []byte(e.ID)); err != nil {
			return inserted, err
		}
		if err := t.txn.Set(outgoingKey(e), nil); err != nil {
			return inserted, fmt.Errorf("storage: setting outgoing index: %w", err)
		}
		if err := t.txn.Set(incomingKey(e), nil); err != nil {
			return inserted, fmt.Errorf("storage: setting incoming index: %w", err)
		}
		inserted++
	}
	return inserted, nil
}

func (t *badgerTx) PutUnresolved(ctx context.Context, refs []*graph.UnresolvedReference) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	for _, r := range refs {
		var old graph.UnresolvedReference
		ok, err := t.getJSON(refKey(r.ID), &old)
		if err != nil {
			return err
		}
		if ok {
			if err := t.deleteRefKeys(&old); err != nil {
				return err
			}
		}
		if err := t.setJSON(refKey(r.ID), r); err != nil {
			return fmt.Errorf("storage: setting reference: %w", err)
		}
		if err := t.txn.Set(refFileKey(r), nil); err != nil {
			return err
		}
		if err := t.txn.Set(refNameKey(r), nil); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTx) deleteRefKeys(r *graph.UnresolvedReference) error {
	for _, key := range [][]byte{refKey(r.ID), refFileKey(r), refNameKey(r)} {
		if err := t.txn.Delete(key); err != nil {
			return fmt.Errorf("storage: deleting reference: %w", err)
		}
	}
	return nil
}

func (t *badgerTx) PutFile(ctx context.Context, rec *graph.FileRecord) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	if rec.IndexedAt.IsZero() {
		rec.IndexedAt = time.Now().UTC()
	}
	return t.setJSON(fileKey(rec.Path), rec)
}

func (t *badgerTx) DeleteNodesByFile(ctx context.Context, path string) ([]string, error) {
	if err := t.requireWritable(); err != nil {
		return nil, err
	}
	nodes, err := t.nodesByIndex(prefixNodeFile + path + sep)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if err := t.deleteNodeKeys(n); err != nil {
			return nil, err
		}
		ids = append(ids, n.ID)
	}
	slices.Sort(ids)
	return ids, nil
}

func (t *badgerTx) DeleteEdgesTouching(ctx context.Context, ids []string) ([]*graph.Edge, error) {
	if err := t.requireWritable(); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var removed []*graph.Edge
	for _, id := range ids {
		for _, dir := range []Direction{Outgoing, Incoming} {
			edges, err := t.Edges(ctx, id, dir)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if seen[e.ID] {
					continue
				}
				seen[e.ID] = true
				for _, key := range [][]byte{edgeKey(e.ID), edgeTripleKey(e), outgoingKey(e), incomingKey(e)} {
					if err := t.txn.Delete(key); err != nil {
						return nil, fmt.Errorf("storage: deleting edge: %w", err)
					}
				}
				removed = append(removed, e)
			}
		}
	}
	return removed, nil
}

func (t *badgerTx) DeleteUnresolved(ctx context.Context, ids []string) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	for _, id := range ids {
		var r graph.UnresolvedReference
		ok, err := t.getJSON(refKey(id), &r)
		if err != nil {
			return err
		}
		if ok {
			if err := t.deleteRefKeys(&r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *badgerTx) DeleteUnresolvedByFile(ctx context.Context, path string) (int, error) {
	if err := t.requireWritable(); err != nil {
		return 0, err
	}
	keys := prefixKeys(t.txn, prefixRefFile+path+sep)
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, lastPart(key))
	}
	return len(ids), t.DeleteUnresolved(ctx, ids)
}

func (t *badgerTx) SetUnresolvedAttempts(ctx context.Context, id string, attempts int) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	var r graph.UnresolvedReference
	ok, err := t.getJSON(refKey(id), &r)
	if err != nil || !ok {
		return err
	}
	r.Attempts = attempts
	return t.setJSON(refKey(id), &r)
}

func (t *badgerTx) DeleteFile(ctx context.Context, path string) error {
	if err := t.requireWritable(); err != nil {
		return err
	}
	return t.txn.Delete(fileKey(path))
}

func (t *badgerTx) BumpGeneration(ctx context.Context) (uint64, error) {
	if err := t.requireWritable(); err != nil {
		return 0, err
	}
	gen, err := t.Generation(ctx)
	if err != nil {
		return 0, err
	}
	gen++
	if err := t.txn.Set([]byte(keyGeneration), encodeGeneration(gen)); err != nil {
		return 0, fmt.Errorf("storage: bump generation: %w", err)
	}
	return gen, nil
}
