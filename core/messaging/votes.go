package messaging

import (
	"time"

	"go.uber.org/zap"

	"github.com/Charles-Schleich/postgres-cluster/core/cluster"
	"github.com/Charles-Schleich/postgres-cluster/core/csn"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

// Dispatcher applies incoming votes to the transaction table. Every
// message also refreshes the sender's liveness record and absorbs its
// clock reading, so vote traffic doubles as heartbeat traffic.
type Dispatcher struct {
	log   *zap.Logger
	state *cluster.State
	clock *csn.Clock
}

func NewDispatcher(log *zap.Logger, state *cluster.State, clock *csn.Clock) *Dispatcher {
	return &Dispatcher{log: log, state: state, clock: clock}
}

func (d *Dispatcher) HandleVote(msg VoteMessage) {
	d.clock.Sync(msg.CSN)

	d.state.Lock()
	defer d.state.Unlock()

	if n := d.state.Node(msg.Node); n != nil {
		n.LastHeartbeat = time.Now()
		n.ConnectivityMask = msg.ConnectivityMask
		if msg.OldestSnapshot != csn.Invalid {
			n.OldestSnapshot = msg.OldestSnapshot
		}
	} else {
		d.log.Warn("vote from unknown node", zap.Int("node", int(msg.Node)))
		return
	}

	switch msg.Code {
	case txstate.MsgReady:
		d.handleReady(msg)
	case txstate.MsgAborted:
		d.handleAborted(msg)
	default:
		d.log.Warn("unexpected vote code",
			zap.Stringer("code", msg.Code), zap.Int("node", int(msg.Node)))
	}
}

func (d *Dispatcher) handleReady(msg VoteMessage) {
	ts := d.state.Txns.Get(msg.DstXID)
	if ts == nil || ts.VotingCompleted {
		// Late vote for a transaction already resolved or collected.
		d.log.Debug("stray READY vote",
			zap.Uint64("xid", uint64(msg.DstXID)), zap.Int("node", int(msg.Node)))
		return
	}
	ts.NVotes++
	if ts.NVotes >= d.state.NLiveNodes {
		ts.VotingCompleted = true
		ts.Wake()
	}
}

func (d *Dispatcher) handleAborted(msg VoteMessage) {
	ts := d.state.Txns.Get(msg.DstXID)
	if ts == nil {
		return
	}
	if err := d.state.Txns.SetStatus(ts.XID, txstate.StatusAborted, csn.Invalid); err != nil {
		d.log.Debug("abort vote for finished transaction",
			zap.Uint64("xid", uint64(msg.DstXID)), zap.Error(err))
		return
	}
	d.log.Info("transaction aborted by participant vote",
		zap.Uint64("xid", uint64(msg.DstXID)), zap.Int("node", int(msg.Node)))
	ts.VotingCompleted = true
	ts.Wake()
}
