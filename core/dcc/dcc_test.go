package dcc

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Charles-Schleich/postgres-cluster/core/cluster"
	"github.com/Charles-Schleich/postgres-cluster/core/csn"
	"github.com/Charles-Schleich/postgres-cluster/core/deadlock"
	"github.com/Charles-Schleich/postgres-cluster/core/host"
	"github.com/Charles-Schleich/postgres-cluster/core/host/memengine"
	"github.com/Charles-Schleich/postgres-cluster/core/messaging"
	"github.com/Charles-Schleich/postgres-cluster/core/recovery"
	"github.com/Charles-Schleich/postgres-cluster/core/registry"
	"github.com/Charles-Schleich/postgres-cluster/core/replication/repproto"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

// recordingStreams captures emitted frames per destination.
type recordingStreams struct {
	mu     sync.Mutex
	frames map[txstate.NodeID][][]byte
}

func newRecordingStreams() *recordingStreams {
	return &recordingStreams{frames: make(map[txstate.NodeID][][]byte)}
}

func (r *recordingStreams) Send(dst txstate.NodeID, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	r.frames[dst] = append(r.frames[dst], cp)
	return nil
}

func (r *recordingStreams) decoded(t *testing.T, dst txstate.NodeID) []repproto.Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]repproto.Message, 0, len(r.frames[dst]))
	for _, f := range r.frames[dst] {
		m, err := repproto.Decode(f)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

type fixture struct {
	d       *DCC
	state   *cluster.State
	engine  *memengine.Engine
	bus     *messaging.Bus
	clock   *csn.Clock
	reg     *registry.MemRegister
	streams *recordingStreams
	disp    *messaging.Dispatcher
}

func setup(t *testing.T, nodes int) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)

	conns := make([]cluster.ConnInfo, nodes)
	for i := range conns {
		conns[i] = cluster.ConnInfo{Host: "127.0.0.1"}
	}
	state, err := cluster.NewState(log, 1, conns)
	require.NoError(t, err)
	state.Lock()
	state.SetStatus(cluster.StatusOnline)
	state.Unlock()

	engine, err := memengine.Open(log, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	engine.CreateRelation("public", "accounts", 0)

	clock := csn.NewClock()
	bus := messaging.NewBus()
	reg := registry.NewMemRegister()
	streams := newRecordingStreams()

	d, err := New(Config{
		Min2PCTimeout:    300 * time.Millisecond,
		VoteWakeInterval: 10 * time.Millisecond,
		VacuumDelay:      time.Microsecond,
	}, Deps{
		Log:      log,
		Clock:    clock,
		State:    state,
		Engine:   engine,
		Bus:      bus,
		Recovery: recovery.NewManager(log, state, engine, recovery.Config{}),
		Register: reg,
		Streams:  streams,
	})
	require.NoError(t, err)

	return &fixture{
		d:       d,
		state:   state,
		engine:  engine,
		bus:     bus,
		clock:   clock,
		reg:     reg,
		streams: streams,
		disp:    messaging.NewDispatcher(log, state, clock),
	}
}

func kv(key, val string) repproto.Tuple {
	return repproto.Tuple{Attrs: []repproto.Attr{
		{Kind: repproto.AttrText, Data: []byte(key)},
		{Kind: repproto.AttrText, Data: []byte(val)},
	}}
}

// stage opens a host transaction, inserts one row and records the
// matching replication payloads on the session.
func (f *fixture) stage(t *testing.T, s *Session, key, val string) host.Tx {
	t.Helper()
	rel, err := f.engine.Relation("public", "accounts")
	require.NoError(t, err)
	tx := f.engine.Begin()
	require.NoError(t, rel.Insert(tx, kv(key, val)))
	s.Record(
		repproto.Relation{Schema: "public", Name: "accounts"},
		repproto.Insert{NewTuple: kv(key, val)},
	)
	return tx
}

func (f *fixture) rowExists(t *testing.T, key string) bool {
	t.Helper()
	rel, err := f.engine.Relation("public", "accounts")
	require.NoError(t, err)
	tx := f.engine.Begin()
	defer tx.Abort()
	err = rel.Insert(tx, kv(key, "placeholder"))
	if err == nil {
		return false
	}
	require.ErrorIs(t, err, host.ErrTupleConflict)
	return true
}

func TestBeginAdmissionControl(t *testing.T) {
	f := setup(t, 3)

	f.state.Lock()
	f.state.SetStatus(cluster.StatusRecovery)
	f.state.Unlock()
	_, err := f.d.Begin(false)
	assert.ErrorIs(t, err, ErrClusterNotReady)

	f.state.Lock()
	f.state.SetStatus(cluster.StatusInMinority)
	f.state.Unlock()
	_, err = f.d.Begin(false)
	assert.ErrorIs(t, err, ErrQuorumLost)

	// Internal sessions bypass admission.
	s, err := f.d.Begin(true)
	require.NoError(t, err)
	assert.NotZero(t, s.XID)
	assert.NotEqual(t, csn.Invalid, s.Snapshot)
}

func TestTwoPhaseCommitSingleNode(t *testing.T) {
	f := setup(t, 1)

	s, err := f.d.Begin(false)
	require.NoError(t, err)
	tx := f.stage(t, s, "alice", "100")

	commit, err := f.d.TwoPhaseCommit(context.Background(), s, tx)
	require.NoError(t, err)
	assert.Greater(t, commit, s.Snapshot)
	assert.True(t, f.rowExists(t, "alice"))
	assert.Equal(t, commit, f.d.LastCSN())
	assert.Equal(t, commit, f.state.Txns.CommitCSNOf(s.XID))

	f.state.RLock()
	assert.Zero(t, f.state.NActiveTransactions)
	f.state.RUnlock()
}

func TestTwoPhaseCommitWithPeerVotes(t *testing.T) {
	f := setup(t, 3)

	s, err := f.d.Begin(false)
	require.NoError(t, err)
	tx := f.stage(t, s, "bob", "50")

	done := make(chan error, 1)
	var commit csn.CSN
	go func() {
		var err error
		commit, err = f.d.TwoPhaseCommit(context.Background(), s, tx)
		done <- err
	}()

	// Wait until the prepare reached the peers, then vote READY from
	// both.
	require.Eventually(t, func() bool {
		f.state.RLock()
		defer f.state.RUnlock()
		ts := f.state.Txns.Get(s.XID)
		return ts != nil && ts.Status == txstate.StatusUnknown
	}, time.Second, 5*time.Millisecond)

	for _, peer := range []txstate.NodeID{2, 3} {
		f.disp.HandleVote(messaging.VoteMessage{
			Code:   txstate.MsgReady,
			Node:   peer,
			DstXID: s.XID,
			CSN:    f.clock.Now(),
		})
	}

	require.NoError(t, <-done)
	assert.True(t, f.rowExists(t, "bob"))

	// Both peers got the transaction body and the commit verdict.
	for _, peer := range []txstate.NodeID{2, 3} {
		msgs := f.streams.decoded(t, peer)
		require.Len(t, msgs, 5)
		begin := msgs[0].(repproto.Begin)
		assert.Equal(t, s.XID, begin.XID)
		assert.Equal(t, s.Snapshot, begin.SnapshotCSN)
		prepare := msgs[3].(repproto.Commit)
		assert.Equal(t, repproto.EventPrepare, prepare.Event)
		assert.Equal(t, s.GID, prepare.GID)
		verdict := msgs[4].(repproto.Commit)
		assert.Equal(t, repproto.EventCommitPrepared, verdict.Event)
		assert.Equal(t, commit, verdict.CSN)
		assert.Equal(t, uint64(f.engine.CurrentLSN()), verdict.EndLSN,
			"verdict advertises the log end for flush acknowledgment")
	}
}

func TestVotingTimeoutAborts(t *testing.T) {
	f := setup(t, 3)

	s, err := f.d.Begin(false)
	require.NoError(t, err)
	tx := f.stage(t, s, "carol", "10")

	start := time.Now()
	_, err = f.d.TwoPhaseCommit(context.Background(), s, tx)
	assert.ErrorIs(t, err, ErrVotingTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, f.rowExists(t, "carol"))

	// Peers are told to abort the prepared transaction.
	msgs := f.streams.decoded(t, 2)
	last := msgs[len(msgs)-1].(repproto.Commit)
	assert.Equal(t, repproto.EventAbortPrepared, last.Event)
	assert.Equal(t, s.GID, last.GID)
}

func TestParticipantAbortVote(t *testing.T) {
	f := setup(t, 3)

	s, err := f.d.Begin(false)
	require.NoError(t, err)
	tx := f.stage(t, s, "dave", "1")

	done := make(chan error, 1)
	go func() {
		_, err := f.d.TwoPhaseCommit(context.Background(), s, tx)
		done <- err
	}()

	require.Eventually(t, func() bool {
		f.state.RLock()
		defer f.state.RUnlock()
		ts := f.state.Txns.Get(s.XID)
		return ts != nil && ts.Status == txstate.StatusUnknown
	}, time.Second, 5*time.Millisecond)

	f.disp.HandleVote(messaging.VoteMessage{
		Code:   txstate.MsgAborted,
		Node:   2,
		DstXID: s.XID,
		CSN:    f.clock.Now(),
	})

	assert.ErrorIs(t, <-done, ErrAbortedByVoting)
	assert.False(t, f.rowExists(t, "dave"))
}

func TestMembershipChangeAbortsVoting(t *testing.T) {
	f := setup(t, 3)

	s, err := f.d.Begin(false)
	require.NoError(t, err)
	tx := f.stage(t, s, "erin", "2")

	done := make(chan error, 1)
	go func() {
		_, err := f.d.TwoPhaseCommit(context.Background(), s, tx)
		done <- err
	}()

	require.Eventually(t, func() bool {
		f.state.RLock()
		defer f.state.RUnlock()
		ts := f.state.Txns.Get(s.XID)
		return ts != nil && ts.Status == txstate.StatusUnknown
	}, time.Second, 5*time.Millisecond)

	f.state.Lock()
	f.state.DisableNode(3)
	f.state.Unlock()
	f.state.Txns.Get(s.XID).Wake()

	assert.ErrorIs(t, <-done, ErrEpochChanged)
	assert.False(t, f.rowExists(t, "erin"))
}

func TestLocalTablesNotReplicated(t *testing.T) {
	f := setup(t, 2)
	require.NoError(t, f.engine.MakeTableLocal("public", "scratch"))
	f.engine.CreateRelation("public", "scratch", 0)

	s, err := f.d.Begin(false)
	require.NoError(t, err)
	s.Record(
		repproto.Relation{Schema: "public", Name: "scratch"},
		repproto.Insert{NewTuple: kv("tmp", "1")},
		repproto.Relation{Schema: "public", Name: "accounts"},
		repproto.Insert{NewTuple: kv("kept", "1")},
	)
	s.GID = "MTM-1-1-test"

	frames, err := f.d.txFrames(s)
	require.NoError(t, err)
	// BEGIN, accounts relation, one insert, PREPARE. The scratch
	// section is gone.
	require.Len(t, frames, 4)
	m, err := repproto.Decode(frames[1])
	require.NoError(t, err)
	assert.Equal(t, "accounts", m.(repproto.Relation).Name)
}

func TestErrorInjectionPoints(t *testing.T) {
	f := setup(t, 1)

	// Point 1: fails before anything is prepared.
	f.d.Inject2PCError(InjectBeforePrepare)
	s, err := f.d.Begin(false)
	require.NoError(t, err)
	tx := f.stage(t, s, "frank", "1")
	_, err = f.d.TwoPhaseCommit(context.Background(), s, tx)
	assert.ErrorIs(t, err, ErrInjectedFailure)
	assert.False(t, f.rowExists(t, "frank"))

	// The injection fires once; the next transaction is clean.
	s2, err := f.d.Begin(false)
	require.NoError(t, err)
	tx2 := f.stage(t, s2, "gina", "2")
	_, err = f.d.TwoPhaseCommit(context.Background(), s2, tx2)
	require.NoError(t, err)

	// Point 3: commit succeeded, the error is synthetic.
	f.d.Inject2PCError(InjectAfterCommit)
	s3, err := f.d.Begin(false)
	require.NoError(t, err)
	tx3 := f.stage(t, s3, "hank", "3")
	commit, err := f.d.TwoPhaseCommit(context.Background(), s3, tx3)
	assert.ErrorIs(t, err, ErrInjectedFailure)
	assert.NotEqual(t, csn.Invalid, commit)
	assert.True(t, f.rowExists(t, "hank"))
}

func TestVoteTimeoutScalesWithPrepareDuration(t *testing.T) {
	f := setup(t, 1)
	f.d.cfg.Min2PCTimeout = time.Second
	f.d.cfg.PrepareRatio = 200

	s := &Session{Snapshot: 1_000_000, prepareCSN: 2_000_000}
	// One second of prepare at ratio 200% = two seconds.
	assert.Equal(t, 2*time.Second, f.d.voteTimeout(s))

	s = &Session{Snapshot: 1_000_000, prepareCSN: 1_000_100}
	assert.Equal(t, time.Second, f.d.voteTimeout(s))
}

func TestRemoteLifecycle(t *testing.T) {
	f := setup(t, 2)

	gtid := txstate.GTID{Node: 2, XID: 77}
	snapshot := f.clock.Now() + 500
	xid, err := f.d.JoinRemote(gtid, snapshot)
	require.NoError(t, err)

	// The remote snapshot was absorbed into the local clock.
	assert.GreaterOrEqual(t, f.clock.Now(), snapshot)

	rel, err := f.engine.Relation("public", "accounts")
	require.NoError(t, err)
	tx := f.engine.Begin()
	require.NoError(t, rel.Insert(tx, kv("ivan", "9")))
	require.NoError(t, f.d.PrepareRemote(xid, "MTM-2-1-1", tx))

	// A READY vote went to the coordinator.
	out := f.bus.Drain()
	require.Len(t, out, 1)
	assert.Equal(t, txstate.NodeID(2), out[0].Dst)
	assert.Equal(t, txstate.MsgReady, out[0].Msg.Code)
	assert.Equal(t, gtid.XID, out[0].Msg.DstXID)
	assert.Equal(t, xid, out[0].Msg.SrcXID)

	commit := f.clock.Now() + 100
	require.NoError(t, f.d.CommitPrepared("MTM-2-1-1", commit))
	assert.True(t, f.rowExists(t, "ivan"))
	assert.Equal(t, commit, f.state.Txns.CommitCSNOf(xid))

	// Replaying the verdict is a no-op.
	require.NoError(t, f.d.CommitPrepared("MTM-2-1-1", commit))
}

func TestRemoteAbortVotesAborted(t *testing.T) {
	f := setup(t, 2)

	gtid := txstate.GTID{Node: 2, XID: 78}
	xid, err := f.d.JoinRemote(gtid, f.clock.Now())
	require.NoError(t, err)

	require.NoError(t, f.d.AbortRemote(xid, gtid))
	out := f.bus.Drain()
	require.Len(t, out, 1)
	assert.Equal(t, txstate.MsgAborted, out[0].Msg.Code)
	assert.Equal(t, gtid.XID, out[0].Msg.DstXID)
}

func TestRemoteAbortSilentDuringRecovery(t *testing.T) {
	f := setup(t, 2)
	f.state.Lock()
	f.state.SetStatus(cluster.StatusRecovery)
	f.state.Unlock()

	gtid := txstate.GTID{Node: 2, XID: 79}
	xid, err := f.d.JoinRemote(gtid, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.d.AbortRemote(xid, gtid))
	assert.Zero(t, f.bus.Len())
}

func TestAcknowledgeTracksAppliedPosition(t *testing.T) {
	f := setup(t, 2)

	f.d.Acknowledge(2, 500)
	f.state.RLock()
	assert.Equal(t, uint64(500), f.state.Node(2).AppliedPos)
	f.state.RUnlock()

	// Positions only move forward.
	f.d.Acknowledge(2, 400)
	f.state.RLock()
	assert.Equal(t, uint64(500), f.state.Node(2).AppliedPos)
	f.state.RUnlock()
}

func TestEmitSyncAdvertisesLogEnd(t *testing.T) {
	f := setup(t, 2)
	f.d.FlagCaughtUp(2)

	require.NoError(t, f.d.EmitSync(2))
	require.NoError(t, f.d.EmitSync(2))

	msgs := f.streams.decoded(t, 2)
	require.Len(t, msgs, 2)
	first := msgs[0].(repproto.Commit)
	assert.Equal(t, repproto.EventSync, first.Event)
	assert.Equal(t, uint64(f.engine.CurrentLSN()), first.EndLSN)
	assert.True(t, first.CaughtUp, "pending marker rides the first sync")
	assert.False(t, msgs[1].(repproto.Commit).CaughtUp)
}

func TestCaughtUpFlagAttachesOnce(t *testing.T) {
	f := setup(t, 2)
	f.d.FlagCaughtUp(2)

	f.d.broadcastVerdict(repproto.Commit{
		Event:  repproto.EventCommitPrepared,
		Origin: 1,
		CSN:    42,
		GID:    "MTM-1-1-9",
	})
	f.d.broadcastVerdict(repproto.Commit{
		Event:  repproto.EventAbortPrepared,
		Origin: 1,
		GID:    "MTM-1-1-10",
	})

	msgs := f.streams.decoded(t, 2)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].(repproto.Commit).CaughtUp)
	assert.False(t, msgs[1].(repproto.Commit).CaughtUp)
}

func TestAdjustOldestXIDPublishesHorizon(t *testing.T) {
	f := setup(t, 2)

	s, err := f.d.Begin(false)
	require.NoError(t, err)

	f.d.AdjustOldestXID()

	f.state.RLock()
	published := f.state.Self().OldestSnapshot
	f.state.RUnlock()
	assert.Equal(t, s.Snapshot, published)

	raw, err := f.reg.Get("oldest-snapshot-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(s.Snapshot), binary.BigEndian.Uint64(raw))
}

func TestAbortBeforePrepareIsReclaimed(t *testing.T) {
	f := setup(t, 1)

	// Abort at the earliest point: no GID, no prepared state, only
	// the table record from Begin.
	f.d.Inject2PCError(InjectBeforePrepare)
	s, err := f.d.Begin(false)
	require.NoError(t, err)
	tx := f.stage(t, s, "kate", "7")
	_, err = f.d.TwoPhaseCommit(context.Background(), s, tx)
	require.ErrorIs(t, err, ErrInjectedFailure)

	s2, err := f.d.Begin(false)
	require.NoError(t, err)
	tx2 := f.stage(t, s2, "liam", "8")
	_, err = f.d.TwoPhaseCommit(context.Background(), s2, tx2)
	require.NoError(t, err)

	// Let the horizon move past the second commit, then trim.
	time.Sleep(5 * time.Millisecond)
	f.d.AdjustOldestXID()
	f.d.AdjustOldestXID()

	f.state.RLock()
	defer f.state.RUnlock()
	assert.Nil(t, f.state.Txns.Get(s.XID), "aborted record reclaimed")
	assert.Equal(t, 1, f.state.Txns.Len(), "only the boundary record remains")
}

func TestAdjustOldestXIDMergesRegisterHorizons(t *testing.T) {
	f := setup(t, 2)

	peerHorizon := f.clock.Now() - 1000
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(peerHorizon))
	require.NoError(t, f.reg.Set("oldest-snapshot-2", buf[:]))

	f.d.AdjustOldestXID()

	f.state.RLock()
	assert.Equal(t, peerHorizon, f.state.Node(2).OldestSnapshot)
	assert.Equal(t, peerHorizon, f.state.OldestGlobalSnapshot(),
		"slowest peer bounds the trim horizon")
	f.state.RUnlock()

	// A fresher heartbeat value is not regressed by the register copy.
	f.state.Lock()
	f.state.Node(2).OldestSnapshot = peerHorizon + 5000
	f.state.Unlock()
	f.d.AdjustOldestXID()

	f.state.RLock()
	assert.Equal(t, peerHorizon+5000, f.state.Node(2).OldestSnapshot)
	f.state.RUnlock()
}

// waitingEngine overlays a synthetic lock wait graph on the real
// engine.
type waitingEngine struct {
	*memengine.Engine
	waits []host.LockWait
}

func (w *waitingEngine) LockWaits() []host.LockWait { return w.waits }

func TestDeadlockVictimAborted(t *testing.T) {
	f := setup(t, 2)
	log := zaptest.NewLogger(t)

	// Our in-doubt transaction waits on a transaction coordinated by
	// node 2.
	s, err := f.d.Begin(false)
	require.NoError(t, err)
	f.state.Lock()
	require.NoError(t, f.state.Txns.SetStatus(s.XID, txstate.StatusUnknown, f.clock.Now()))
	f.state.Unlock()

	remoteGTID := txstate.GTID{Node: 2, XID: 900}
	remoteXID, err := f.d.JoinRemote(remoteGTID, f.clock.Now())
	require.NoError(t, err)

	weng := &waitingEngine{
		Engine: f.engine,
		waits:  []host.LockWait{{Waiter: s.XID, Holder: remoteXID}},
	}
	d2, err := New(f.d.cfg, Deps{
		Log:      log,
		Clock:    f.clock,
		State:    f.state,
		Engine:   weng,
		Bus:      f.bus,
		Register: f.reg,
		Streams:  f.streams,
		Detector: deadlock.NewDetector(log, f.state, f.reg),
	})
	require.NoError(t, err)

	// Without the reverse edge there is no cycle, nothing aborts.
	d2.detectDeadlocks()
	f.state.RLock()
	assert.Equal(t, txstate.StatusUnknown, f.state.Txns.Get(s.XID).Status)
	f.state.RUnlock()

	// Node 2 reports the reverse wait, closing the cycle.
	require.NoError(t, f.reg.Set("lock-graph-2", deadlock.SerializeEdges([]deadlock.Edge{
		{Waiter: remoteGTID, Holder: txstate.GTID{Node: 1, XID: s.XID}},
	})))
	d2.detectDeadlocks()

	f.state.RLock()
	ts := f.state.Txns.Get(s.XID)
	assert.Equal(t, txstate.StatusAborted, ts.Status)
	assert.True(t, ts.VotingCompleted)
	f.state.RUnlock()

	// Our edges were published for the peers' own passes.
	raw, err := f.reg.Get("lock-graph-1")
	require.NoError(t, err)
	edges, err := deadlock.DeserializeEdges(raw)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, remoteGTID, edges[0].Holder)
}

func TestHandleApplyError(t *testing.T) {
	f := setup(t, 2)

	// Transient errors leave the node alone.
	f.d.HandleApplyError(2, host.ErrTupleConflict)
	f.state.RLock()
	assert.Equal(t, cluster.StatusOnline, f.state.Status)
	f.state.RUnlock()

	// A broken stream takes the node out of service.
	f.d.HandleApplyError(2, assert.AnError)
	f.state.RLock()
	assert.Equal(t, cluster.StatusOutOfService, f.state.Status)
	f.state.RUnlock()
}
