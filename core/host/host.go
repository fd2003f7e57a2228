// Package host defines the contract between the commit coordinator
// and the database engine it runs inside: log positions, replication
// slots, relation access for the apply workers and the set of tables
// excluded from replication.
package host

import (
	"errors"
	"fmt"

	"github.com/Charles-Schleich/postgres-cluster/core/replication/repproto"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

// LSN is a position in the host's write-ahead log.
type LSN uint64

// InvalidLSN marks an unknown log position.
const InvalidLSN LSN = 0

func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

var (
	// ErrTupleConflict is returned when an insert collides with an
	// existing row on the replica identity key.
	ErrTupleConflict = errors.New("host: tuple conflicts with existing row")

	// ErrTupleNotFound is returned when an update or delete cannot
	// locate its target row.
	ErrTupleNotFound = errors.New("host: target tuple not found")

	// ErrNoReplicaIdentity is returned for relations that cannot be
	// targeted by replicated updates or deletes.
	ErrNoReplicaIdentity = errors.New("host: relation has no replica identity")

	// ErrRelationNotFound is returned when a replicated change names
	// an unknown relation.
	ErrRelationNotFound = errors.New("host: relation not found")

	// ErrUnknownGID is returned when a prepared transaction id is not
	// registered with the engine.
	ErrUnknownGID = errors.New("host: unknown prepared transaction")
)

// Relation is a table the apply workers write into.
type Relation interface {
	Schema() string
	Name() string

	// Insert adds a row, failing with ErrTupleConflict when the key
	// already exists.
	Insert(tx Tx, tuple repproto.Tuple) error

	// Update replaces the row identified by oldKey (or by newTuple's
	// key when oldKey is nil). Fails with ErrTupleNotFound when the
	// row does not exist.
	Update(tx Tx, oldKey *repproto.Tuple, newTuple repproto.Tuple) error

	// Delete removes the row identified by key, failing with
	// ErrTupleNotFound when absent.
	Delete(tx Tx, key repproto.Tuple) error
}

// Tx stages row changes for one replicated transaction. Changes are
// not visible until the transaction is committed, directly or through
// the two phase path.
type Tx interface {
	// Commit applies the staged changes in one step.
	Commit() (LSN, error)

	// Prepare registers the staged changes under gid for a later
	// FinishPrepared call on the engine.
	Prepare(gid string) (LSN, error)

	// Abort discards the staged changes.
	Abort()
}

// LockWait is one edge of the host's lock wait graph: waiter is
// blocked on a lock held by holder.
type LockWait struct {
	Waiter txstate.XID
	Holder txstate.XID
}

// Engine is the host database seen by the coordinator.
type Engine interface {
	// CurrentLSN returns the current end of the host's log.
	CurrentLSN() LSN

	// LockWaits snapshots the current lock wait edges for deadlock
	// detection. Engines that fail conflicting writes instead of
	// blocking return an empty set.
	LockWaits() []LockWait

	// NativeVisible is the host's own visibility rule, used for
	// transactions the coordinator has no record of.
	NativeVisible(xid txstate.XID) bool

	// Begin opens a staging transaction for an apply worker.
	Begin() Tx

	// FinishPrepared commits or discards a transaction previously
	// registered with Tx.Prepare.
	FinishPrepared(gid string, commit bool) (LSN, error)

	// Relation resolves a replicated table.
	Relation(schema, name string) (Relation, error)

	// MakeTableLocal excludes a table from replication. The exclusion
	// survives restarts.
	MakeTableLocal(schema, name string) error

	// IsTableLocal reports whether a table is excluded from
	// replication.
	IsTableLocal(schema, name string) bool

	// CreateSlot ensures a replication slot exists for the peer.
	CreateSlot(node txstate.NodeID) error

	// SlotRestartLSN returns the peer slot's restart position.
	SlotRestartLSN(node txstate.NodeID) (LSN, bool)

	// AdvanceSlot records the position the peer confirmed flushed.
	AdvanceSlot(node txstate.NodeID, lsn LSN) error

	// DropSlot removes the peer's slot, typically when its lag
	// exceeds the configured maximum.
	DropSlot(node txstate.NodeID) error

	Close() error
}
