package dcc

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Charles-Schleich/postgres-cluster/core/csn"
	"github.com/Charles-Schleich/postgres-cluster/core/deadlock"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

// RunDeadlockDetection polls the host's lock wait graph on the
// deadlock timeout and aborts local waiters caught in a cross-node
// cycle. The abort wakes the stuck backend; the vote machinery backs
// the victim out everywhere else.
func (d *DCC) RunDeadlockDetection(ctx context.Context) {
	if d.det == nil {
		return
	}
	ticker := time.NewTicker(d.cfg.DeadlockTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.detectDeadlocks()
		}
	}
}

func (d *DCC) detectDeadlocks() {
	waits := d.engine.LockWaits()

	d.state.RLock()
	edges := make([]deadlock.Edge, 0, len(waits))
	waiters := make(map[txstate.GTID]txstate.XID, len(waits))
	for _, w := range waits {
		wts := d.state.Txns.Get(w.Waiter)
		hts := d.state.Txns.Get(w.Holder)
		if wts == nil || hts == nil {
			continue
		}
		edges = append(edges, deadlock.Edge{Waiter: wts.GTID, Holder: hts.GTID})
		// Only transactions we coordinate are our victims to pick.
		if wts.Coordinator(d.state.SelfID) {
			waiters[wts.GTID] = wts.XID
		}
	}
	d.state.RUnlock()

	if len(edges) == 0 {
		if err := d.det.Publish(nil); err != nil {
			d.log.Warn("cannot publish lock graph", zap.Error(err))
		}
		return
	}

	for gtid, xid := range waiters {
		if !d.det.Detect(gtid, edges) {
			continue
		}
		d.state.Lock()
		ts := d.state.Txns.Get(xid)
		if ts != nil && (ts.Status == txstate.StatusInProgress || ts.Status == txstate.StatusUnknown) {
			if err := d.state.Txns.SetStatus(xid, txstate.StatusAborted, csn.Invalid); err == nil {
				d.log.Warn("aborting deadlock victim", zap.Stringer("gtid", gtid))
				ts.VotingCompleted = true
				ts.Wake()
			}
		}
		d.state.Unlock()
	}
}
