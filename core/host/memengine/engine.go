// Package memengine is an in-memory host engine backed by btree row
// storage, with replication slot positions and the local table set
// persisted in a bolt database so they survive restarts.
package memengine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/btree"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/Charles-Schleich/postgres-cluster/core/host"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

var (
	bucketSlots       = []byte("slots")
	bucketLocalTables = []byte("local_tables")
)

const rowLogWeight = 64 // synthetic log bytes charged per row change

// Engine implements host.Engine with btree backed relations.
type Engine struct {
	mu  sync.Mutex
	log *zap.Logger
	db  *bbolt.DB

	lsn       host.LSN
	relations map[string]*relation
	prepared  map[string][]change
	slots     map[txstate.NodeID]host.LSN
	local     map[string]struct{}
}

// Open creates or reopens the engine's metadata store in dataDir.
func Open(log *zap.Logger, dataDir string) (*Engine, error) {
	db, err := bbolt.Open(filepath.Join(dataDir, "host.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("memengine: open metadata store: %w", err)
	}
	e := &Engine{
		log:       log,
		db:        db,
		lsn:       1, // position 0 is InvalidLSN
		relations: make(map[string]*relation),
		prepared:  make(map[string][]change),
		slots:     make(map[txstate.NodeID]host.LSN),
		local:     make(map[string]struct{}),
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		slots, err := tx.CreateBucketIfNotExists(bucketSlots)
		if err != nil {
			return err
		}
		locals, err := tx.CreateBucketIfNotExists(bucketLocalTables)
		if err != nil {
			return err
		}
		if err := slots.ForEach(func(k, v []byte) error {
			if len(k) != 4 || len(v) != 8 {
				return fmt.Errorf("memengine: corrupt slot record")
			}
			node := txstate.NodeID(binary.BigEndian.Uint32(k))
			e.slots[node] = host.LSN(binary.BigEndian.Uint64(v))
			return nil
		}); err != nil {
			return err
		}
		return locals.ForEach(func(k, _ []byte) error {
			e.local[string(k)] = struct{}{}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) Close() error { return e.db.Close() }

func (e *Engine) CurrentLSN() host.LSN {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lsn
}

// LockWaits is empty here: staging conflicts fail immediately with
// ErrTupleConflict, nothing ever blocks on a row lock.
func (e *Engine) LockWaits() []host.LockWait { return nil }

// NativeVisible treats every transaction unknown to the coordinator
// as locally committed. Rows written before the coordinator attached
// carry no commit record in the transaction table.
func (e *Engine) NativeVisible(txstate.XID) bool { return true }

// CreateRelation registers a table. keyAttr is the zero based index
// of the replica identity column; pass a negative value for tables
// without one.
func (e *Engine) CreateRelation(schema, name string, keyAttr int) host.Relation {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := relationKey(schema, name)
	if rel, ok := e.relations[key]; ok {
		return rel
	}
	rel := &relation{
		eng:     e,
		schema:  schema,
		name:    name,
		keyAttr: keyAttr,
		rows: btree.NewG(32, func(a, b row) bool {
			return bytes.Compare(a.key, b.key) < 0
		}),
	}
	e.relations[key] = rel
	return rel
}

func (e *Engine) Relation(schema, name string) (host.Relation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rel, ok := e.relations[relationKey(schema, name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", host.ErrRelationNotFound, schema, name)
	}
	return rel, nil
}

func (e *Engine) Begin() host.Tx {
	return &stagingTx{eng: e}
}

func (e *Engine) FinishPrepared(gid string, commit bool) (host.LSN, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	changes, ok := e.prepared[gid]
	if !ok {
		return host.InvalidLSN, fmt.Errorf("%w: %q", host.ErrUnknownGID, gid)
	}
	delete(e.prepared, gid)
	if !commit {
		return e.advance(1), nil
	}
	e.applyLocked(changes)
	return e.advance(len(changes) + 1), nil
}

func (e *Engine) MakeTableLocal(schema, name string) error {
	key := relationKey(schema, name)
	err := e.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLocalTables).Put([]byte(key), []byte{1})
	})
	if err != nil {
		return fmt.Errorf("memengine: persist local table: %w", err)
	}
	e.mu.Lock()
	e.local[key] = struct{}{}
	e.mu.Unlock()
	return nil
}

func (e *Engine) IsTableLocal(schema, name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.local[relationKey(schema, name)]
	return ok
}

func (e *Engine) CreateSlot(node txstate.NodeID) error {
	e.mu.Lock()
	if _, ok := e.slots[node]; ok {
		e.mu.Unlock()
		return nil
	}
	start := e.lsn
	e.slots[node] = start
	e.mu.Unlock()
	return e.persistSlot(node, start)
}

func (e *Engine) SlotRestartLSN(node txstate.NodeID) (host.LSN, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	lsn, ok := e.slots[node]
	return lsn, ok
}

func (e *Engine) AdvanceSlot(node txstate.NodeID, lsn host.LSN) error {
	e.mu.Lock()
	cur, ok := e.slots[node]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("memengine: no slot for node %d", node)
	}
	if lsn <= cur {
		e.mu.Unlock()
		return nil
	}
	e.slots[node] = lsn
	e.mu.Unlock()
	return e.persistSlot(node, lsn)
}

func (e *Engine) DropSlot(node txstate.NodeID) error {
	e.mu.Lock()
	delete(e.slots, node)
	e.mu.Unlock()
	err := e.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSlots).Delete(slotKey(node))
	})
	if err != nil {
		return fmt.Errorf("memengine: drop slot: %w", err)
	}
	e.log.Info("dropped replication slot", zap.Int("node", int(node)))
	return nil
}

// advance moves the log end. Caller must hold e.mu.
func (e *Engine) advance(records int) host.LSN {
	e.lsn += host.LSN(records * rowLogWeight)
	return e.lsn
}

// applyLocked installs staged changes. Conflicts were checked at
// staging time; apply is last writer wins.
func (e *Engine) applyLocked(changes []change) {
	for _, c := range changes {
		switch c.op {
		case opInsert, opUpdate:
			c.rel.rows.ReplaceOrInsert(row{key: c.key, tuple: c.tuple})
		case opDelete:
			c.rel.rows.Delete(row{key: c.key})
		}
	}
}

func (e *Engine) persistSlot(node txstate.NodeID, lsn host.LSN) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(lsn))
	err := e.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSlots).Put(slotKey(node), v[:])
	})
	if err != nil {
		return fmt.Errorf("memengine: persist slot: %w", err)
	}
	return nil
}

func slotKey(node txstate.NodeID) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], uint32(node))
	return k[:]
}

func relationKey(schema, name string) string { return schema + "." + name }
