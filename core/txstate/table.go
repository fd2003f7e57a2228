package txstate

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	godsutils "github.com/emirpasic/gods/utils"

	"github.com/Charles-Schleich/postgres-cluster/core/csn"
)

// TransState is the per-XID record held while a transaction may still
// matter to some snapshot on some node.
type TransState struct {
	XID  XID
	GTID GTID
	GID  string

	Status      Status
	SnapshotCSN csn.CSN
	CommitCSN   csn.CSN

	// IsLocal transactions are not emitted to the replication stream.
	IsLocal bool

	SubXIDs []XID

	// Voting state, meaningful on the coordinator.
	NVotes          int
	VotingCompleted bool
	Cmd             MsgCode

	latch chan struct{}
	elem  *list.Element
}

// Coordinator reports whether self originated this transaction.
func (ts *TransState) Coordinator(self NodeID) bool {
	return ts.GTID.Node == self
}

// Latch returns the edge-triggered wake channel for the backend
// waiting on this transaction's votes.
func (ts *TransState) Latch() <-chan struct{} { return ts.latch }

// Wake signals the waiting backend. Safe to call multiple times.
func (ts *TransState) Wake() {
	select {
	case ts.latch <- struct{}{}:
	default:
	}
}

type gidEntry struct {
	state  *TransState
	status Status
}

// Table holds every tracked transaction of this node. It performs no
// locking of its own: all callers synchronize through the single
// cluster-wide reader/writer lock, which the table shares so that the
// visibility wait loop can drop and retake it around sleeps.
type Table struct {
	mu   *sync.RWMutex
	self NodeID

	byXID map[XID]*TransState
	byGID *treemap.Map // GID string -> *gidEntry, ordered for dumps

	// Age-ordered list of *TransState; commit-order prefix is what the
	// GC pass trims. Element handles avoid the dangling-pointer hazard
	// of an intrusive next field.
	ages *list.List

	oldestXID XID
}

// NewTable creates a transaction table sharing the given cluster lock.
func NewTable(mu *sync.RWMutex, self NodeID) *Table {
	return &Table{
		mu:    mu,
		self:  self,
		byXID: make(map[XID]*TransState),
		byGID: treemap.NewWith(godsutils.StringComparator),
		ages:  list.New(),
	}
}

// Create finds or creates the state record for xid. A zero gtid means
// this node coordinates the transaction. Caller holds the lock.
func (t *Table) Create(xid XID, gtid GTID, gid string, snapshot csn.CSN, isLocal bool) *TransState {
	ts, ok := t.byXID[xid]
	if !ok {
		ts = &TransState{XID: xid, latch: make(chan struct{}, 1)}
		t.byXID[xid] = ts
	}
	ts.Status = StatusInProgress
	ts.SnapshotCSN = snapshot
	ts.IsLocal = isLocal
	if gtid.Valid() {
		ts.GTID = gtid
	} else {
		ts.GTID = GTID{Node: t.self, XID: xid}
	}
	ts.GID = gid
	return ts
}

// Get returns the record for xid, or nil.
func (t *Table) Get(xid XID) *TransState {
	return t.byXID[xid]
}

// GetByGID returns the prepared transaction registered under gid, or nil.
func (t *Table) GetByGID(gid string) *TransState {
	if v, ok := t.byGID.Get(gid); ok {
		return v.(*gidEntry).state
	}
	return nil
}

// PutGID registers a prepared transaction under its GID. Entries exist
// exactly while the transaction is in UNKNOWN state on this node.
func (t *Table) PutGID(gid string, ts *TransState) {
	if gid == "" {
		return
	}
	t.byGID.Put(gid, &gidEntry{state: ts, status: ts.Status})
}

// RemoveGID drops the GID entry and returns its transaction, or nil.
func (t *Table) RemoveGID(gid string) *TransState {
	if v, ok := t.byGID.Get(gid); ok {
		t.byGID.Remove(gid)
		return v.(*gidEntry).state
	}
	return nil
}

// ExchangeGlobalStatus records the verdict for gid and returns the
// previously known one. An ABORTED verdict is sticky: later COMMITTED
// reports do not overwrite it. A verdict for a GID this node no
// longer tracks is reported as IN_PROGRESS and leaves no entry
// behind: the GID table holds in-doubt transactions only, and a
// replayed verdict finalizes at the host idempotently.
func (t *Table) ExchangeGlobalStatus(gid string, next Status) Status {
	if v, ok := t.byGID.Get(gid); ok {
		e := v.(*gidEntry)
		old := e.status
		if old != StatusAborted {
			e.status = next
		}
		return old
	}
	return StatusInProgress
}

// SetStatus advances the transaction to next, assigning the commit CSN
// when one is provided. Illegal transitions are rejected. The new
// status and CSN are propagated to subtransactions.
func (t *Table) SetStatus(xid XID, next Status, commitCSN csn.CSN) error {
	ts := t.byXID[xid]
	if ts == nil {
		return fmt.Errorf("set status: no state for xid %d", xid)
	}
	if !ts.Status.CanAdvance(next) {
		return fmt.Errorf("set status: illegal transition %s -> %s for xid %d", ts.Status, next, xid)
	}
	ts.Status = next
	if commitCSN != csn.Invalid {
		ts.CommitCSN = commitCSN
	}
	t.AdjustSubtransactions(ts)
	return nil
}

// AppendAge enqueues the transaction at the tail of the age-ordered
// list. Re-enqueueing is a no-op.
func (t *Table) AppendAge(ts *TransState) {
	if ts.elem != nil {
		return
	}
	ts.elem = t.ages.PushBack(ts)
}

// AddSubtransactions creates records for the committed children of a
// prepared transaction. They share the parent's status and CSN and sit
// directly after it in the age list.
func (t *Table) AddSubtransactions(parent *TransState, subxids []XID) {
	parent.SubXIDs = append(parent.SubXIDs[:0], subxids...)
	after := parent.elem
	for _, sub := range subxids {
		sts := &TransState{
			XID:             sub,
			GTID:            parent.GTID,
			Status:          parent.Status,
			SnapshotCSN:     parent.SnapshotCSN,
			CommitCSN:       parent.CommitCSN,
			IsLocal:         parent.IsLocal,
			VotingCompleted: true,
			latch:           make(chan struct{}, 1),
		}
		t.byXID[sub] = sts
		if after != nil {
			sts.elem = t.ages.InsertAfter(sts, after)
			after = sts.elem
		}
	}
}

// AdjustSubtransactions propagates the parent's status and commit CSN
// to every child record.
func (t *Table) AdjustSubtransactions(parent *TransState) {
	for _, sub := range parent.SubXIDs {
		if sts := t.byXID[sub]; sts != nil {
			sts.Status = parent.Status
			sts.CommitCSN = parent.CommitCSN
		}
	}
}

// OldestXID returns the oldest XID that may still be referenced.
func (t *Table) OldestXID() XID { return t.oldestXID }

// Len reports the number of tracked transactions.
func (t *Table) Len() int { return len(t.byXID) }

// OldestSnapshot returns the oldest snapshot still held by an active
// transaction, or Invalid when none are active. Caller holds the
// lock.
func (t *Table) OldestSnapshot() csn.CSN {
	var oldest csn.CSN
	for _, ts := range t.byXID {
		if ts.Status != StatusInProgress || ts.SnapshotCSN == csn.Invalid {
			continue
		}
		if oldest == csn.Invalid || ts.SnapshotCSN < oldest {
			oldest = ts.SnapshotCSN
		}
	}
	return oldest
}

// Each visits every tracked transaction. Caller holds the lock.
func (t *Table) Each(fn func(*TransState)) {
	for _, ts := range t.byXID {
		fn(ts)
	}
}

// PreparedGIDs lists the currently registered GIDs in order.
func (t *Table) PreparedGIDs() []string {
	out := make([]string, 0, t.byGID.Size())
	t.byGID.Each(func(key, _ interface{}) {
		out = append(out, key.(string))
	})
	return out
}

// Collect trims the age-ordered prefix of records whose commit CSN
// precedes the horizon and whose XID precedes hint, returning the new
// oldest XID. Caller holds the lock exclusively and has already
// lowered the horizon by the vacuum delay and by every peer's
// published oldest snapshot.
func (t *Table) Collect(hint XID, horizon csn.CSN) XID {
	var prev *TransState
	for e := t.ages.Front(); e != nil; {
		ts := e.Value.(*TransState)
		if ts.CommitCSN >= horizon || ts.XID >= hint {
			break
		}
		next := e.Next()
		if prev != nil {
			t.ages.Remove(prev.elem)
			delete(t.byXID, prev.XID)
		}
		prev = ts
		e = next
	}
	if prev != nil {
		// The boundary record stays so that the oldest XID remains
		// resolvable; everything before it is gone.
		t.oldestXID = prev.XID
		return prev.XID
	}
	if t.oldestXID != InvalidXID && t.oldestXID < hint {
		return t.oldestXID
	}
	t.oldestXID = hint
	return hint
}
