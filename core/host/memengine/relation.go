package memengine

import (
	"fmt"

	"github.com/google/btree"

	"github.com/Charles-Schleich/postgres-cluster/core/host"
	"github.com/Charles-Schleich/postgres-cluster/core/replication/repproto"
)

const (
	opInsert = 'I'
	opUpdate = 'U'
	opDelete = 'D'
)

type row struct {
	key   []byte
	tuple repproto.Tuple
}

type change struct {
	rel   *relation
	op    byte
	key   []byte
	tuple repproto.Tuple
}

type relation struct {
	eng     *Engine
	schema  string
	name    string
	keyAttr int
	rows    *btree.BTreeG[row]
}

func (r *relation) Schema() string { return r.schema }
func (r *relation) Name() string   { return r.name }

// Len returns the visible row count, ignoring staged changes.
func (r *relation) Len() int {
	r.eng.mu.Lock()
	defer r.eng.mu.Unlock()
	return r.rows.Len()
}

// Get returns the visible row for key, ignoring staged changes.
func (r *relation) Get(key []byte) (repproto.Tuple, bool) {
	r.eng.mu.Lock()
	defer r.eng.mu.Unlock()
	found, ok := r.rows.Get(row{key: key})
	return found.tuple, ok
}

func (r *relation) Insert(tx host.Tx, tuple repproto.Tuple) error {
	key, err := r.keyOf(tuple)
	if err != nil {
		return err
	}
	stx := tx.(*stagingTx)
	r.eng.mu.Lock()
	_, exists := r.rows.Get(row{key: key})
	r.eng.mu.Unlock()
	if exists || stx.stagedHas(r, key) {
		return fmt.Errorf("%w: %s.%s", host.ErrTupleConflict, r.schema, r.name)
	}
	stx.stage(change{rel: r, op: opInsert, key: key, tuple: tuple})
	return nil
}

func (r *relation) Update(tx host.Tx, oldKey *repproto.Tuple, newTuple repproto.Tuple) error {
	var key []byte
	var err error
	if oldKey != nil {
		key, err = r.keyOf(*oldKey)
	} else {
		key, err = r.keyOf(newTuple)
	}
	if err != nil {
		return err
	}
	if err := r.mustExist(tx.(*stagingTx), key); err != nil {
		return err
	}
	newKey, err := r.keyOf(newTuple)
	if err != nil {
		return err
	}
	stx := tx.(*stagingTx)
	if string(newKey) != string(key) {
		stx.stage(change{rel: r, op: opDelete, key: key})
	}
	stx.stage(change{rel: r, op: opUpdate, key: newKey, tuple: newTuple})
	return nil
}

func (r *relation) Delete(tx host.Tx, keyTuple repproto.Tuple) error {
	key, err := r.keyOf(keyTuple)
	if err != nil {
		return err
	}
	stx := tx.(*stagingTx)
	if err := r.mustExist(stx, key); err != nil {
		return err
	}
	stx.stage(change{rel: r, op: opDelete, key: key})
	return nil
}

func (r *relation) mustExist(stx *stagingTx, key []byte) error {
	if stx.stagedHas(r, key) {
		return nil
	}
	r.eng.mu.Lock()
	_, exists := r.rows.Get(row{key: key})
	r.eng.mu.Unlock()
	if !exists {
		return fmt.Errorf("%w: %s.%s", host.ErrTupleNotFound, r.schema, r.name)
	}
	return nil
}

// keyOf extracts the replica identity value from a tuple.
func (r *relation) keyOf(t repproto.Tuple) ([]byte, error) {
	if r.keyAttr < 0 {
		return nil, fmt.Errorf("%w: %s.%s", host.ErrNoReplicaIdentity, r.schema, r.name)
	}
	if r.keyAttr >= len(t.Attrs) {
		return nil, fmt.Errorf("memengine: tuple for %s.%s has %d attributes, key is %d",
			r.schema, r.name, len(t.Attrs), r.keyAttr)
	}
	a := t.Attrs[r.keyAttr]
	if a.Kind == repproto.AttrNull || a.Kind == repproto.AttrUnchanged {
		return nil, fmt.Errorf("%w: %s.%s key column not transferred",
			host.ErrNoReplicaIdentity, r.schema, r.name)
	}
	return a.Data, nil
}

// stagingTx buffers row changes until commit or prepare.
type stagingTx struct {
	eng     *Engine
	changes []change
	done    bool
}

func (t *stagingTx) stage(c change) { t.changes = append(t.changes, c) }

// stagedHas reports whether the pending changes leave a live row at
// key, so that a transaction can see its own writes.
func (t *stagingTx) stagedHas(rel *relation, key []byte) bool {
	live := false
	for _, c := range t.changes {
		if c.rel != rel || string(c.key) != string(key) {
			continue
		}
		live = c.op != opDelete
	}
	return live
}

func (t *stagingTx) Commit() (host.LSN, error) {
	if t.done {
		return host.InvalidLSN, fmt.Errorf("memengine: transaction already finished")
	}
	t.done = true
	t.eng.mu.Lock()
	defer t.eng.mu.Unlock()
	t.eng.applyLocked(t.changes)
	return t.eng.advance(len(t.changes) + 1), nil
}

func (t *stagingTx) Prepare(gid string) (host.LSN, error) {
	if t.done {
		return host.InvalidLSN, fmt.Errorf("memengine: transaction already finished")
	}
	t.done = true
	t.eng.mu.Lock()
	defer t.eng.mu.Unlock()
	if _, dup := t.eng.prepared[gid]; dup {
		return host.InvalidLSN, fmt.Errorf("memengine: duplicate prepared gid %q", gid)
	}
	t.eng.prepared[gid] = t.changes
	return t.eng.advance(len(t.changes) + 1), nil
}

func (t *stagingTx) Abort() { t.done = true; t.changes = nil }
