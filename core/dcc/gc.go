package dcc

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Charles-Schleich/postgres-cluster/core/csn"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

func oldestSnapshotKey(id txstate.NodeID) string {
	return fmt.Sprintf("oldest-snapshot-%d", id)
}

// AdjustOldestXID recomputes this node's snapshot horizon, publishes
// it for the peers and trims the transaction table below the global
// horizon minus the vacuum delay. Safe to call concurrently; passes
// serialize.
func (d *DCC) AdjustOldestXID() {
	d.gcMu.Lock()
	defer d.gcMu.Unlock()

	d.state.Lock()
	local := d.state.Txns.OldestSnapshot()
	if local == csn.Invalid {
		// Nothing in progress: our horizon is the present.
		local = d.clock.Now()
	}
	d.state.Self().OldestSnapshot = local
	d.mergePeerHorizonsLocked()

	global := d.state.OldestGlobalSnapshot()
	delay := csn.CSN(d.cfg.VacuumDelay.Microseconds())
	if global > delay {
		hint := d.oldestActiveXIDLocked()
		oldest := d.state.Txns.Collect(hint, global-delay)
		d.log.Debug("transaction table trimmed",
			zap.Uint64("oldest_xid", uint64(oldest)),
			zap.Uint64("horizon", uint64(global-delay)))
	}
	d.state.Unlock()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(local))
	if d.reg != nil {
		if err := d.reg.Set(oldestSnapshotKey(d.state.SelfID), buf[:]); err != nil {
			d.log.Warn("cannot publish oldest snapshot", zap.Error(err))
		}
	}
}

// mergePeerHorizonsLocked folds the register-published snapshot
// horizons of the peers into the roster. Heartbeats carry the same
// value; the register copy bridges heartbeat gaps, so the newer of
// the two wins. Caller holds the write lock.
func (d *DCC) mergePeerHorizonsLocked() {
	if d.reg == nil {
		return
	}
	for _, n := range d.state.Nodes {
		if n.ID == d.state.SelfID {
			continue
		}
		v, err := d.reg.Get(oldestSnapshotKey(n.ID))
		if err != nil || len(v) != 8 {
			continue
		}
		if published := csn.CSN(binary.BigEndian.Uint64(v)); published > n.OldestSnapshot {
			n.OldestSnapshot = published
		}
	}
}

// oldestActiveXIDLocked returns the smallest in-progress xid, or the
// next xid to be assigned when the node is idle. Caller holds the
// write lock.
func (d *DCC) oldestActiveXIDLocked() txstate.XID {
	oldest := txstate.InvalidXID
	d.state.Txns.Each(func(ts *txstate.TransState) {
		if ts.Status != txstate.StatusInProgress && ts.Status != txstate.StatusUnknown {
			return
		}
		if oldest == txstate.InvalidXID || ts.XID < oldest {
			oldest = ts.XID
		}
	})
	if oldest == txstate.InvalidXID {
		return txstate.XID(d.xids.Load() + 1)
	}
	return oldest
}

// RunGC adjusts the oldest xid on a fixed period until ctx ends. The
// transaction-count trigger in Begin handles busy nodes; this loop
// covers idle ones.
func (d *DCC) RunGC(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.AdjustOldestXID()
		}
	}
}
