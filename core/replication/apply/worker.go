// Package apply replays one peer's replication stream: it decodes
// payloads in order, stages row changes in the host engine and drives
// the participant side of distributed commit through the Coordinator
// interface.
package apply

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Charles-Schleich/postgres-cluster/core/csn"
	"github.com/Charles-Schleich/postgres-cluster/core/host"
	"github.com/Charles-Schleich/postgres-cluster/core/replication/repproto"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

// Coordinator is the commit machinery the worker reports into. The
// transaction coordinator implements it; the indirection keeps this
// package free of the coordinator's dependencies.
type Coordinator interface {
	// JoinRemote registers a replicated transaction and returns the
	// local xid tracking it.
	JoinRemote(gtid txstate.GTID, snapshot csn.CSN) (txstate.XID, error)

	// PrepareRemote stages tx under gid and votes READY to the
	// transaction's coordinator.
	PrepareRemote(xid txstate.XID, gid string, tx host.Tx) error

	// CommitPrepared finalizes a prepared transaction with its commit
	// CSN.
	CommitPrepared(gid string, commit csn.CSN) error

	// AbortPrepared discards a prepared transaction.
	AbortPrepared(gid string) error

	// CommitRemote applies a plain, non two phase transaction.
	CommitRemote(xid txstate.XID, tx host.Tx) error

	// AbortRemote drops a transaction that cannot apply and votes
	// ABORTED to its coordinator.
	AbortRemote(xid txstate.XID, gtid txstate.GTID) error

	// CaughtUp is invoked when the stream carries the donor's
	// caught-up marker.
	CaughtUp(source txstate.NodeID)

	// Acknowledge records the source's log position once everything
	// up to it has been applied. The position flows back to the
	// source in heartbeats, driving its view of our replication
	// progress.
	Acknowledge(source txstate.NodeID, flushed uint64)
}

// ErrStreamBroken wraps errors the worker cannot recover from. The
// supervisor tears the stream down and lets recovery re-seed it.
var ErrStreamBroken = errors.New("apply: replication stream broken")

// Worker replays one origin stream.
type Worker struct {
	log    *zap.Logger
	source txstate.NodeID
	engine host.Engine
	coord  Coordinator

	cur *openTxn
}

type openTxn struct {
	xid     txstate.XID
	gtid    txstate.GTID
	tx      host.Tx
	rel     host.Relation
	aborted bool
}

func NewWorker(log *zap.Logger, source txstate.NodeID, engine host.Engine, coord Coordinator) *Worker {
	return &Worker{log: log, source: source, engine: engine, coord: coord}
}

// Run consumes frames until the channel closes or the stream breaks.
func (w *Worker) Run(ctx context.Context, frames <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			w.abandon()
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				w.abandon()
				return nil
			}
			if err := w.Apply(frame); err != nil {
				w.abandon()
				return err
			}
		}
	}
}

// Apply processes one replication payload.
func (w *Worker) Apply(frame []byte) error {
	msg, err := repproto.Decode(frame)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStreamBroken, err)
	}

	switch m := msg.(type) {
	case repproto.Begin:
		return w.begin(m)
	case repproto.Relation:
		return w.relation(m)
	case repproto.Insert:
		return w.change(func() error { return w.cur.rel.Insert(w.cur.tx, m.NewTuple) })
	case repproto.Update:
		return w.change(func() error { return w.cur.rel.Update(w.cur.tx, m.OldKey, m.NewTuple) })
	case repproto.Delete:
		return w.change(func() error { return w.cur.rel.Delete(w.cur.tx, m.OldKey) })
	case repproto.Commit:
		return w.commit(m)
	default:
		return fmt.Errorf("%w: unhandled message %T", ErrStreamBroken, msg)
	}
}

func (w *Worker) begin(m repproto.Begin) error {
	if w.cur != nil {
		return fmt.Errorf("%w: BEGIN inside open transaction", ErrStreamBroken)
	}
	gtid := txstate.GTID{Node: m.Node, XID: m.XID}
	xid, err := w.coord.JoinRemote(gtid, m.SnapshotCSN)
	if err != nil {
		return fmt.Errorf("%w: join %s: %v", ErrStreamBroken, gtid, err)
	}
	w.cur = &openTxn{xid: xid, gtid: gtid, tx: w.engine.Begin()}
	return nil
}

func (w *Worker) relation(m repproto.Relation) error {
	if w.cur == nil || w.cur.aborted {
		return nil
	}
	rel, err := w.engine.Relation(m.Schema, m.Name)
	if err != nil {
		// An unknown table means the schemas diverged; conflict rules
		// cannot fix that, the stream is broken.
		return fmt.Errorf("%w: %v", ErrStreamBroken, err)
	}
	w.cur.rel = rel
	return nil
}

// change runs one row operation, converting apply conflicts into a
// local abort plus an ABORTED vote so the coordinator backs out
// everywhere.
func (w *Worker) change(op func() error) error {
	if w.cur == nil {
		return fmt.Errorf("%w: row change outside transaction", ErrStreamBroken)
	}
	if w.cur.aborted {
		return nil
	}
	if w.cur.rel == nil {
		return fmt.Errorf("%w: row change before RELATION", ErrStreamBroken)
	}
	err := op()
	if err == nil {
		return nil
	}
	if errors.Is(err, host.ErrTupleConflict) || errors.Is(err, host.ErrTupleNotFound) {
		w.log.Warn("apply conflict, aborting transaction",
			zap.Stringer("gtid", w.cur.gtid), zap.Error(err))
		w.cur.tx.Abort()
		w.cur.aborted = true
		if aerr := w.coord.AbortRemote(w.cur.xid, w.cur.gtid); aerr != nil {
			w.log.Error("abort vote failed", zap.Stringer("gtid", w.cur.gtid), zap.Error(aerr))
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStreamBroken, err)
}

func (w *Worker) commit(m repproto.Commit) error {
	if m.CaughtUp {
		w.coord.CaughtUp(w.source)
	}
	if err := w.commitEvent(m); err != nil {
		return err
	}
	if m.EndLSN != 0 {
		w.coord.Acknowledge(w.source, m.EndLSN)
	}
	return nil
}

func (w *Worker) commitEvent(m repproto.Commit) error {
	switch m.Event {
	case repproto.EventPrepare:
		if w.cur == nil {
			return fmt.Errorf("%w: PREPARE outside transaction", ErrStreamBroken)
		}
		cur := w.cur
		w.cur = nil
		if cur.aborted {
			// The ABORTED vote already went out; nothing to stage.
			return nil
		}
		if err := w.coord.PrepareRemote(cur.xid, m.GID, cur.tx); err != nil {
			return fmt.Errorf("%w: prepare %q: %v", ErrStreamBroken, m.GID, err)
		}
		return nil

	case repproto.EventCommit:
		if w.cur == nil {
			return fmt.Errorf("%w: COMMIT outside transaction", ErrStreamBroken)
		}
		cur := w.cur
		w.cur = nil
		if cur.aborted {
			return nil
		}
		if err := w.coord.CommitRemote(cur.xid, cur.tx); err != nil {
			return fmt.Errorf("%w: commit %s: %v", ErrStreamBroken, cur.gtid, err)
		}
		return nil

	case repproto.EventCommitPrepared:
		if err := w.coord.CommitPrepared(m.GID, m.CSN); err != nil {
			return fmt.Errorf("%w: commit prepared %q: %v", ErrStreamBroken, m.GID, err)
		}
		return nil

	case repproto.EventAbortPrepared:
		if err := w.coord.AbortPrepared(m.GID); err != nil {
			// Aborting something already gone is fine; the decision
			// was abort either way.
			w.log.Debug("abort prepared", zap.String("gid", m.GID), zap.Error(err))
		}
		return nil

	case repproto.EventSync:
		// Position-only marker; the caught-up flag and the ack were
		// already taken care of.
		return nil

	default:
		return fmt.Errorf("%w: unknown commit event %d", ErrStreamBroken, m.Event)
	}
}

// abandon rolls back whatever transaction was open when the stream
// ended.
func (w *Worker) abandon() {
	if w.cur == nil {
		return
	}
	if !w.cur.aborted {
		w.cur.tx.Abort()
	}
	w.log.Warn("stream ended mid transaction", zap.Stringer("gtid", w.cur.gtid))
	w.cur = nil
}
