package txstate

import (
	"errors"
	"time"

	"github.com/Charles-Schleich/postgres-cluster/core/csn"
)

// ErrVisibilityTimeout is returned when an in-doubt transaction is not
// resolved within the bounded backoff window. The caller must retry
// its transaction.
var ErrVisibilityTimeout = errors.New("txstate: timed out waiting for in-doubt transaction")

const (
	minVisibilityWait = 1 * time.Millisecond
	maxVisibilityWait = 100 * time.Millisecond
	maxVisibilityLoop = 100
)

// Visible decides whether xid's effects belong to a snapshot taken at
// snapshotCSN. Transactions unknown to the table are delegated to the
// host's native visibility check. Prepared transactions whose verdict
// is still pending are awaited with bounded exponential backoff: the
// snapshot cannot be answered until the commit CSN is known.
//
// The table's shared lock is taken and released internally so that the
// wait loop never sleeps while holding it.
func (t *Table) Visible(xid XID, snapshotCSN csn.CSN, native func(XID) bool) (bool, error) {
	delay := minVisibilityWait
	for i := 0; i < maxVisibilityLoop; i++ {
		t.mu.RLock()
		ts := t.byXID[xid]
		if ts == nil {
			t.mu.RUnlock()
			return native(xid), nil
		}
		if ts.CommitCSN != csn.Invalid && ts.CommitCSN > snapshotCSN {
			t.mu.RUnlock()
			return false, nil
		}
		if ts.Status == StatusUnknown {
			t.mu.RUnlock()
			time.Sleep(delay)
			if delay*2 <= maxVisibilityWait {
				delay *= 2
			}
			continue
		}
		visible := ts.Status == StatusCommitted
		t.mu.RUnlock()
		return visible, nil
	}
	return false, ErrVisibilityTimeout
}

// SnapshotOf returns the snapshot CSN under which a replicated
// transaction runs, or Invalid when the transaction is unknown or
// node-local.
func (t *Table) SnapshotOf(xid XID) csn.CSN {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if ts := t.byXID[xid]; ts != nil && !ts.IsLocal {
		return ts.SnapshotCSN
	}
	return csn.Invalid
}

// CommitCSNOf returns the commit CSN recorded for xid, or Invalid.
func (t *Table) CommitCSNOf(xid XID) csn.CSN {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if ts := t.byXID[xid]; ts != nil {
		return ts.CommitCSN
	}
	return csn.Invalid
}
