package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/southerncoder/codegraph-sub000/internal/apperr"
	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// BadgerSchemaVersion is the key layout version this build reads and writes.
const BadgerSchemaVersion = 2

// Key prefixes. Composite keys separate their parts with a NUL byte.
const (
	keySchemaVersion = "m:schema_version"
	keyGeneration    = "m:generation"

	prefixNode     = "n:"  // n:<id> -> node JSON
	prefixNodeFile = "nf:" // nf:<file>\x00<id>
	prefixNodeKind = "nk:" // nk:<kind>\x00<id>
	prefixNodeName = "x:"  // x:<lowername>\x00<id>

	prefixEdge       = "e:"  // e:<id> -> edge JSON
	prefixEdgeTriple = "et:" // et:<source>\x00<target>\x00<kind> -> edge id
	prefixOutgoing   = "eo:" // eo:<source>\x00<kind>\x00<edge id>
	prefixIncoming   = "ei:" // ei:<target>\x00<kind>\x00<edge id>

	prefixRef     = "u:"  // u:<id> -> reference JSON
	prefixRefFile = "uf:" // uf:<file>\x00<id>
	prefixRefName = "un:" // un:<lookup name>\x00<id>

	prefixFile = "f:" // f:<path> -> file record JSON
)

const sep = "\x00"

// BadgerBackend is a BadgerDB-backed graph store.
type BadgerBackend struct {
	db            *badger.DB
	schemaVersion int
}

var _ Backend = (*BadgerBackend)(nil)

// OpenBadger opens or creates the BadgerDB database in dir.
func OpenBadger(ctx context.Context, dir string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir).
		WithNumCompactors(2).
		WithNumMemtables(5).
		WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: opening badger DB: %w", err)
	}

	version, err := migrateBadger(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BadgerBackend{db: db, schemaVersion: version}, nil
}

// migrateBadger upgrades the key layout. Version 2 added the x: name index.
func migrateBadger(db *badger.DB) (int, error) {
	var current int
	err := db.Update(func(txn *badger.Txn) error {
		v, err := readSchemaVersionBadger(txn)
		if err != nil {
			return err
		}
		current = v
		if current > BadgerSchemaVersion {
			return &apperr.SchemaVersionError{OnDisk: current, Supported: BadgerSchemaVersion}
		}
		if current < 2 {
			if err := backfillNameKeys(txn); err != nil {
				return err
			}
		}
		current = BadgerSchemaVersion
		return txn.Set([]byte(keySchemaVersion), []byte(strconv.Itoa(current)))
	})
	return current, err
}

func backfillNameKeys(txn *badger.Txn) error {
	var nodes []*graph.Node
	if err := iteratePrefix(txn, prefixNode, func(_, val []byte) error {
		var n graph.Node
		if err := json.Unmarshal(val, &n); err != nil {
			return fmt.Errorf("storage: unmarshaling node: %w", err)
		}
		nodes = append(nodes, &n)
		return nil
	}); err != nil {
		return err
	}
	for _, n := range nodes {
		if err := txn.Set(nodeNameKey(n), nil); err != nil {
			return fmt.Errorf("storage: backfill name key: %w", err)
		}
	}
	return nil
}

func readSchemaVersionBadger(txn *badger.Txn) (int, error) {
	item, err := txn.Get([]byte(keySchemaVersion))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage: read schema version: %w", err)
	}
	var v int
	err = item.Value(func(val []byte) error {
		v, err = strconv.Atoi(string(val))
		return err
	})
	return v, err
}

// View runs fn against a read-only snapshot.
func (b *BadgerBackend) View(ctx context.Context, fn func(Reader) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

// Update runs fn in a read-write transaction.
func (b *BadgerBackend) Update(ctx context.Context, fn func(Tx) error) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn, writable: true})
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		return fmt.Errorf("storage: change set exceeds badger transaction limits: %w", err)
	}
	return err
}

// SchemaVersion returns the key layout version recorded in the database.
func (b *BadgerBackend) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		v, err = readSchemaVersionBadger(txn)
		return err
	})
	return v, err
}

// Close releases all resources held by the backend.
func (b *BadgerBackend) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func nodeKey(id string) []byte { return []byte(prefixNode + id) }

func nodeFileKey(n *graph.Node) []byte {
	return []byte(prefixNodeFile + n.FilePath + sep + n.ID)
}

func nodeKindKey(n *graph.Node) []byte {
	return []byte(prefixNodeKind + string(n.Kind) + sep + n.ID)
}

func nodeNameKey(n *graph.Node) []byte {
	return []byte(prefixNodeName + strings.ToLower(n.Name) + sep + n.ID)
}

func edgeKey(id string) []byte { return []byte(prefixEdge + id) }

func edgeTripleKey(e *graph.Edge) []byte {
	return []byte(prefixEdgeTriple + e.Source + sep + e.Target + sep + string(e.Kind))
}

func outgoingKey(e *graph.Edge) []byte {
	return []byte(prefixOutgoing + e.Source + sep + string(e.Kind) + sep + e.ID)
}

func incomingKey(e *graph.Edge) []byte {
	return []byte(prefixIncoming + e.Target + sep + string(e.Kind) + sep + e.ID)
}

func refKey(id string) []byte { return []byte(prefixRef + id) }

func refFileKey(r *graph.UnresolvedReference) []byte {
	return []byte(prefixRefFile + r.FilePath + sep + r.ID)
}

func refNameKey(r *graph.UnresolvedReference) []byte {
	return []byte(prefixRefName + graph.LookupName(r.Name) + sep + r.ID)
}

func fileKey(path string) []byte { return []byte(prefixFile + path) }

// lastPart returns the segment after the final separator of a composite key.
func lastPart(key []byte) string {
	s := string(key)
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[i+1:]
	}
	return s
}

// iteratePrefix calls fn with a copy of each key and value under prefix.
// The iterator is closed before iteratePrefix returns.
func iteratePrefix(txn *badger.Txn, prefix string, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("storage: reading %s: %w", prefix, err)
		}
		if err := fn(item.KeyCopy(nil), val); err != nil {
			return err
		}
	}
	return nil
}

// prefixKeys collects the keys under prefix without fetching values.
func prefixKeys(txn *badger.Txn, prefix string) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

func encodeGeneration(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeGeneration(val []byte) uint64 {
	if len(val) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(val)
}
