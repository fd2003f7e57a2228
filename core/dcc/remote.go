package dcc

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Charles-Schleich/postgres-cluster/core/cluster"
	"github.com/Charles-Schleich/postgres-cluster/core/csn"
	"github.com/Charles-Schleich/postgres-cluster/core/host"
	"github.com/Charles-Schleich/postgres-cluster/core/replication/apply"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

// The participant half of the commit protocol: apply workers feed
// replicated transactions through these callbacks.
var _ apply.Coordinator = (*DCC)(nil)

// JoinRemote registers a replicated transaction under a fresh local
// xid, absorbing the coordinator's snapshot into this node's clock so
// every later local CSN exceeds it.
func (d *DCC) JoinRemote(gtid txstate.GTID, snapshot csn.CSN) (txstate.XID, error) {
	if snapshot != csn.Invalid {
		d.clock.Sync(snapshot)
	}
	d.state.Lock()
	defer d.state.Unlock()
	xid := d.nextXID()
	d.state.Txns.Create(xid, gtid, "", snapshot, false)
	d.state.NActiveTransactions++
	return xid, nil
}

// PrepareRemote stages the replicated transaction in the host under
// gid and votes READY to its coordinator. A node replaying in
// recovery stays silent: the verdict already exists and arrives in
// the same stream.
func (d *DCC) PrepareRemote(xid txstate.XID, gid string, tx host.Tx) error {
	if _, err := tx.Prepare(gid); err != nil {
		return fmt.Errorf("dcc: participant prepare %q: %w", gid, err)
	}

	d.state.Lock()
	ts := d.state.Txns.Get(xid)
	if ts == nil {
		d.state.Unlock()
		return fmt.Errorf("dcc: participant prepare: no state for xid %d", xid)
	}
	if err := d.state.Txns.SetStatus(xid, txstate.StatusUnknown, csn.Invalid); err != nil {
		d.state.Unlock()
		return err
	}
	ts.GID = gid
	ts.VotingCompleted = true
	d.state.Txns.PutGID(gid, ts)
	d.state.Txns.AppendAge(ts)
	gtid := ts.GTID
	recovering := d.state.Status == cluster.StatusRecovery
	d.state.Unlock()

	if !recovering {
		d.vote(txstate.MsgReady, gtid.Node, gtid.XID, xid)
	}
	return nil
}

// CommitPrepared applies the coordinator's commit verdict. Replays of
// a verdict already applied are no-ops.
func (d *DCC) CommitPrepared(gid string, commit csn.CSN) error {
	if commit != csn.Invalid {
		d.clock.Sync(commit)
	}

	d.state.Lock()
	ts := d.state.Txns.GetByGID(gid)
	if ts == nil || ts.Status == txstate.StatusCommitted {
		prev := d.state.Txns.ExchangeGlobalStatus(gid, txstate.StatusCommitted)
		d.state.Unlock()
		if prev == txstate.StatusCommitted {
			return nil
		}
		// Verdict for a transaction we no longer track; let the host
		// decide whether anything remains to finalize.
		if _, err := d.engine.FinishPrepared(gid, true); err != nil && !errors.Is(err, host.ErrUnknownGID) {
			return err
		}
		return nil
	}
	if err := d.state.Txns.SetStatus(ts.XID, txstate.StatusCommitted, commit); err != nil {
		d.state.Unlock()
		return err
	}
	d.state.Txns.RemoveGID(gid)
	if commit > d.lastCSN {
		d.lastCSN = commit
	}
	d.state.NActiveTransactions--
	d.state.Unlock()

	if _, err := d.engine.FinishPrepared(gid, true); err != nil {
		return fmt.Errorf("dcc: commit prepared %q: %w", gid, err)
	}
	d.met.commits.Add(noCtx, 1)
	return nil
}

// AbortPrepared applies the coordinator's abort verdict.
func (d *DCC) AbortPrepared(gid string) error {
	d.state.Lock()
	ts := d.state.Txns.RemoveGID(gid)
	if ts != nil {
		if err := d.state.Txns.SetStatus(ts.XID, txstate.StatusAborted, csn.Invalid); err != nil {
			d.log.Error("abort prepared status", zap.String("gid", gid), zap.Error(err))
		}
		d.state.NActiveTransactions--
	}
	d.state.Txns.ExchangeGlobalStatus(gid, txstate.StatusAborted)
	d.state.Unlock()

	if _, err := d.engine.FinishPrepared(gid, false); err != nil && !errors.Is(err, host.ErrUnknownGID) {
		return fmt.Errorf("dcc: abort prepared %q: %w", gid, err)
	}
	if ts != nil {
		d.met.aborts.Add(noCtx, 1)
	}
	return nil
}

// CommitRemote finishes a plain replicated commit, one that never
// went through the prepared path. Seen during recovery replay.
func (d *DCC) CommitRemote(xid txstate.XID, tx host.Tx) error {
	if _, err := tx.Commit(); err != nil {
		return fmt.Errorf("dcc: remote commit: %w", err)
	}
	commit := d.clock.Assign()

	d.state.Lock()
	defer d.state.Unlock()
	if err := d.state.Txns.SetStatus(xid, txstate.StatusCommitted, commit); err != nil {
		return err
	}
	d.state.Txns.AppendAge(d.state.Txns.Get(xid))
	if commit > d.lastCSN {
		d.lastCSN = commit
	}
	d.state.NActiveTransactions--
	return nil
}

// AbortRemote drops a replicated transaction that failed to apply and
// tells its coordinator, which backs the transaction out everywhere.
func (d *DCC) AbortRemote(xid txstate.XID, gtid txstate.GTID) error {
	d.state.Lock()
	if err := d.state.Txns.SetStatus(xid, txstate.StatusAborted, csn.Invalid); err != nil {
		d.state.Unlock()
		return err
	}
	d.state.Txns.AppendAge(d.state.Txns.Get(xid))
	d.state.NActiveTransactions--
	recovering := d.state.Status == cluster.StatusRecovery
	d.state.Unlock()

	d.met.conflicts.Add(noCtx, 1)
	if !recovering {
		d.vote(txstate.MsgAborted, gtid.Node, gtid.XID, xid)
	}
	return nil
}

// CaughtUp handles the donor's marker: this node has replayed
// everything and rejoins the cluster.
func (d *DCC) CaughtUp(source txstate.NodeID) {
	if d.rec != nil {
		d.rec.CompleteRecovery()
	}
}

// Acknowledge records how far this node has applied the source's
// log. Heartbeats carry the position back to the source, where it
// feeds slot advancement and recovery catch-up.
func (d *DCC) Acknowledge(source txstate.NodeID, flushed uint64) {
	d.state.Lock()
	if n := d.state.Node(source); n != nil && flushed > n.AppliedPos {
		n.AppliedPos = flushed
	}
	d.state.Unlock()
}
