// Package dcc is the distributed commit coordinator: the state
// machine that drives a transaction from local begin through
// replicated prepare, vote gathering and global commit or abort. One
// DCC instance per node owns the commit side of the shared cluster
// state; the apply workers feed their participant callbacks into it.
package dcc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/Charles-Schleich/postgres-cluster/core/cluster"
	"github.com/Charles-Schleich/postgres-cluster/core/csn"
	"github.com/Charles-Schleich/postgres-cluster/core/deadlock"
	"github.com/Charles-Schleich/postgres-cluster/core/host"
	"github.com/Charles-Schleich/postgres-cluster/core/messaging"
	"github.com/Charles-Schleich/postgres-cluster/core/recovery"
	"github.com/Charles-Schleich/postgres-cluster/core/registry"
	"github.com/Charles-Schleich/postgres-cluster/core/replication/repproto"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

// Error injection points for the 2PC state machine, settable through
// the admin surface. Each fires once.
const (
	InjectNone          = 0
	InjectBeforePrepare = 1
	InjectAfterPrepare  = 2
	InjectAfterCommit   = 3
)

// Streams fans encoded replication payloads out to peers. The cmd
// wiring backs it with one ordered HTTP/3 stream per peer.
type Streams interface {
	Send(dst txstate.NodeID, frame []byte) error
}

// Config holds the coordinator tunables.
type Config struct {
	// GCPeriod is how many locally begun transactions pass between
	// oldest-xid adjustments.
	GCPeriod int

	// Min2PCTimeout floors the voting timeout.
	Min2PCTimeout time.Duration

	// PrepareRatio scales the prepare duration into the voting
	// timeout, in percent.
	PrepareRatio int

	// VacuumDelay is the safety margin subtracted from the global
	// oldest snapshot before trimming the transaction table.
	VacuumDelay time.Duration

	// DeadlockTimeout paces the distributed deadlock detection
	// passes over the host's lock waits.
	DeadlockTimeout time.Duration

	// VoteWakeInterval bounds how long a voting waiter sleeps between
	// re-checks when no latch arrives.
	VoteWakeInterval time.Duration

	// GCInterval is the background oldest-xid adjustment period.
	GCInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.GCPeriod <= 0 {
		c.GCPeriod = 100
	}
	if c.Min2PCTimeout <= 0 {
		c.Min2PCTimeout = 2 * time.Second
	}
	if c.PrepareRatio <= 0 {
		c.PrepareRatio = 200
	}
	if c.VacuumDelay <= 0 {
		c.VacuumDelay = time.Second
	}
	if c.DeadlockTimeout <= 0 {
		c.DeadlockTimeout = time.Second
	}
	if c.VoteWakeInterval <= 0 {
		c.VoteWakeInterval = time.Second
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 5 * time.Second
	}
}

// Deps are the collaborators a DCC is built from.
type Deps struct {
	Log      *zap.Logger
	Clock    *csn.Clock
	State    *cluster.State
	Engine   host.Engine
	Bus      *messaging.Bus
	Recovery *recovery.Manager
	Register registry.Register
	Streams  Streams
	Detector *deadlock.Detector
	Meter    metric.Meter
}

// DCC is the per-node commit coordinator.
type DCC struct {
	log    *zap.Logger
	cfg    Config
	clock  *csn.Clock
	state  *cluster.State
	engine host.Engine
	bus    *messaging.Bus
	rec    *recovery.Manager
	reg    registry.Register
	str    Streams
	det    *deadlock.Detector
	client *http.Client
	met    *instruments

	pid  int
	xids atomic.Uint64
	gids atomic.Uint64

	inject          atomic.Int32
	pendingCaughtUp atomic.Uint64 // mask of peers whose next commit carries the marker

	// Guarded by the cluster lock.
	lastCSN   csn.CSN
	txSinceGC int

	gcMu sync.Mutex // serializes AdjustOldestXID passes
}

// New builds the coordinator. Log, Clock, State, Engine, Bus and
// Streams are required; Register, Recovery, Detector and Meter are
// optional in tests.
func New(cfg Config, deps Deps) (*DCC, error) {
	cfg.setDefaults()
	switch {
	case deps.Log == nil, deps.Clock == nil, deps.State == nil,
		deps.Engine == nil, deps.Bus == nil, deps.Streams == nil:
		return nil, errors.New("dcc: missing required dependency")
	}
	meter := deps.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	d := &DCC{
		log:    deps.Log,
		cfg:    cfg,
		clock:  deps.Clock,
		state:  deps.State,
		engine: deps.Engine,
		bus:    deps.Bus,
		rec:    deps.Recovery,
		reg:    deps.Register,
		str:    deps.Streams,
		det:    deps.Detector,
		client: &http.Client{Timeout: 5 * time.Second},
		pid:    os.Getpid(),
	}
	met, err := newInstruments(meter, d)
	if err != nil {
		return nil, fmt.Errorf("dcc: metric instruments: %w", err)
	}
	d.met = met
	return d, nil
}

// Session tracks one coordinator transaction through the lifecycle
// callbacks.
type Session struct {
	XID      txstate.XID
	GID      string
	Snapshot csn.CSN
	SubXIDs  []txstate.XID

	prepareCSN csn.CSN
	epoch      int
	started    time.Time
	changes    []repproto.Message
	emitted    bool
	internal   bool
}

// Record queues replicated row payloads for emission at prepare time.
// Callers interleave Relation markers with the row changes exactly as
// they staged them in the host transaction.
func (s *Session) Record(msgs ...repproto.Message) {
	s.changes = append(s.changes, msgs...)
}

func (d *DCC) nextXID() txstate.XID {
	return txstate.XID(d.xids.Add(1))
}

func (d *DCC) newGID() (string, error) {
	gid := fmt.Sprintf("MTM-%d-%d-%d", d.state.SelfID, d.pid, d.gids.Add(1))
	if len(gid) > txstate.MaxGIDLength {
		return "", ErrGIDTooLong
	}
	return gid, nil
}

// Begin opens a coordinator transaction: admission control, snapshot
// assignment, state record. internal sessions (admin, recovery) skip
// admission so a degraded node stays operable.
func (d *DCC) Begin(internal bool) (*Session, error) {
	d.state.Lock()
	if !internal {
		switch d.state.Status {
		case cluster.StatusOnline:
		case cluster.StatusInMinority:
			d.state.Unlock()
			return nil, ErrQuorumLost
		default:
			status := d.state.Status
			d.state.Unlock()
			return nil, fmt.Errorf("%w: node status is %s", ErrClusterNotReady, status)
		}
	}
	xid := d.nextXID()
	snapshot := d.clock.Assign()
	d.state.Txns.Create(xid, txstate.GTID{}, "", snapshot, false)
	d.state.NActiveTransactions++
	d.txSinceGC++
	runGC := d.txSinceGC >= d.cfg.GCPeriod
	if runGC {
		d.txSinceGC = 0
	}
	d.state.Unlock()

	if runGC {
		go d.AdjustOldestXID()
	}
	return &Session{
		XID:      xid,
		Snapshot: snapshot,
		started:  time.Now(),
		internal: internal,
	}, nil
}

// PrePrepare runs before the host makes the transaction durable:
// cluster lock check, prepare timestamp, voting state, GID.
func (d *DCC) PrePrepare(ctx context.Context, s *Session) error {
	if d.injected(InjectBeforePrepare) {
		return fmt.Errorf("%w: before prepare", ErrInjectedFailure)
	}
	if d.rec != nil {
		if err := d.rec.CheckClusterLock(ctx); err != nil {
			return err
		}
	}
	gid, err := d.newGID()
	if err != nil {
		return err
	}

	d.state.Lock()
	defer d.state.Unlock()

	if !s.internal && d.state.Status != cluster.StatusOnline {
		return fmt.Errorf("%w: node status changed to %s", ErrClusterNotReady, d.state.Status)
	}
	s.GID = gid
	s.prepareCSN = d.clock.Assign()
	s.epoch = d.state.NConfigChanges

	ts := d.state.Txns.Get(s.XID)
	if ts == nil {
		return fmt.Errorf("dcc: no state for xid %d", s.XID)
	}
	if err := d.state.Txns.SetStatus(s.XID, txstate.StatusUnknown, s.prepareCSN); err != nil {
		return err
	}
	ts.GID = gid
	ts.NVotes = 1 // self vote
	ts.VotingCompleted = ts.NVotes >= d.state.NLiveNodes
	d.state.Txns.PutGID(gid, ts)
	d.state.Txns.AppendAge(ts)
	if len(s.SubXIDs) > 0 {
		d.state.Txns.AddSubtransactions(ts, s.SubXIDs)
	}
	return nil
}

// EmitPrepare ships BEGIN, the recorded row changes and the PREPARE
// marker to every peer in the replica set.
func (d *DCC) EmitPrepare(s *Session) error {
	frames, err := d.txFrames(s)
	if err != nil {
		return err
	}
	dsts := d.replicaSet()
	s.emitted = len(dsts) > 0
	for _, dst := range dsts {
		for _, f := range frames {
			if err := d.str.Send(dst, f); err != nil {
				return fmt.Errorf("dcc: emit prepare to node %d: %w", dst, err)
			}
		}
	}
	return nil
}

// txFrames encodes the transaction body: BEGIN, the recorded changes
// with local tables filtered out, and the PREPARE commit marker.
func (d *DCC) txFrames(s *Session) ([][]byte, error) {
	msgs := make([]repproto.Message, 0, len(s.changes)+2)
	msgs = append(msgs, repproto.Begin{
		Node:        d.state.SelfID,
		XID:         s.XID,
		SnapshotCSN: s.Snapshot,
	})
	skipping := false
	for _, m := range s.changes {
		if rel, ok := m.(repproto.Relation); ok {
			skipping = d.engine.IsTableLocal(rel.Schema, rel.Name)
		}
		if skipping {
			continue
		}
		msgs = append(msgs, m)
	}
	msgs = append(msgs, repproto.Commit{
		Event:  repproto.EventPrepare,
		Origin: d.state.SelfID,
		GID:    s.GID,
		EndLSN: uint64(d.engine.CurrentLSN()),
	})

	frames := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		f, err := repproto.Encode(m)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// replicaSet lists the peers this node streams to: every enabled peer
// plus any peer in its final catch-up phase holding the cluster lock.
func (d *DCC) replicaSet() []txstate.NodeID {
	d.state.RLock()
	defer d.state.RUnlock()
	var out []txstate.NodeID
	for _, n := range d.state.Nodes {
		if n.ID == d.state.SelfID {
			continue
		}
		if d.state.IsEnabled(n.ID) || d.state.NodeLockerMask.Has(int(n.ID)) {
			out = append(out, n.ID)
		}
	}
	return out
}

// PostPrepare waits for the participants' verdict: every live node
// votes READY, or the wait ends in abort through a participant
// rejection, a membership change or the timeout.
func (d *DCC) PostPrepare(ctx context.Context, s *Session) error {
	if d.injected(InjectAfterPrepare) {
		return fmt.Errorf("%w: after prepare", ErrInjectedFailure)
	}

	timeout := d.voteTimeout(s)
	deadline := time.Now().Add(timeout)
	start := time.Now()
	defer func() {
		d.met.voteWait.Record(context.Background(), time.Since(start).Seconds())
	}()

	d.state.RLock()
	ts := d.state.Txns.Get(s.XID)
	d.state.RUnlock()
	if ts == nil {
		return fmt.Errorf("dcc: no state for xid %d", s.XID)
	}

	for {
		d.state.RLock()
		completed := ts.VotingCompleted
		status := ts.Status
		epochChanged := d.state.NConfigChanges != s.epoch
		d.state.RUnlock()

		switch {
		case status == txstate.StatusAborted:
			return ErrAbortedByVoting
		case epochChanged:
			return ErrEpochChanged
		case completed:
			return nil
		case time.Now().After(deadline):
			return ErrVotingTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ts.Latch():
		case <-time.After(d.cfg.VoteWakeInterval):
		}
	}
}

// voteTimeout scales with how long the transaction ran before
// prepare: a big transaction replays slowly on peers.
func (d *DCC) voteTimeout(s *Session) time.Duration {
	elapsed := time.Duration(s.prepareCSN-s.Snapshot) * time.Microsecond
	scaled := elapsed * time.Duration(d.cfg.PrepareRatio) / 100
	if scaled < d.cfg.Min2PCTimeout {
		return d.cfg.Min2PCTimeout
	}
	return scaled
}

// FinishCommit records the commit verdict, finalizes the prepared
// transaction in the host and broadcasts COMMIT_PREPARED with the
// commit CSN.
func (d *DCC) FinishCommit(s *Session) (csn.CSN, error) {
	commit := d.clock.Assign()

	if _, err := d.engine.FinishPrepared(s.GID, true); err != nil {
		return csn.Invalid, fmt.Errorf("dcc: finalize %q: %w", s.GID, err)
	}

	d.state.Lock()
	if err := d.state.Txns.SetStatus(s.XID, txstate.StatusCommitted, commit); err != nil {
		d.state.Unlock()
		return csn.Invalid, err
	}
	d.state.Txns.RemoveGID(s.GID)
	if commit > d.lastCSN {
		d.lastCSN = commit
	}
	d.state.NActiveTransactions--
	d.state.Unlock()

	d.met.commits.Add(context.Background(), 1)
	d.broadcastVerdict(repproto.Commit{
		Event:  repproto.EventCommitPrepared,
		Origin: d.state.SelfID,
		CSN:    commit,
		GID:    s.GID,
	})

	if d.injected(InjectAfterCommit) {
		return commit, fmt.Errorf("%w: after commit", ErrInjectedFailure)
	}
	return commit, nil
}

// FinishAbort records the abort verdict, rolls back the prepared
// transaction if one exists and tells the peers.
func (d *DCC) FinishAbort(s *Session) {
	if s.GID != "" {
		if _, err := d.engine.FinishPrepared(s.GID, false); err != nil && !errors.Is(err, host.ErrUnknownGID) {
			d.log.Error("rollback prepared failed", zap.String("gid", s.GID), zap.Error(err))
		}
	}

	d.state.Lock()
	if ts := d.state.Txns.Get(s.XID); ts != nil && ts.Status != txstate.StatusCommitted {
		if err := d.state.Txns.SetStatus(s.XID, txstate.StatusAborted, csn.Invalid); err != nil {
			d.log.Error("abort status", zap.Uint64("xid", uint64(s.XID)), zap.Error(err))
		}
		// A transaction aborted before prepare never entered the age
		// list; enqueue it so the GC pass can reclaim the record.
		d.state.Txns.AppendAge(ts)
	}
	if s.GID != "" {
		d.state.Txns.RemoveGID(s.GID)
	}
	d.state.NActiveTransactions--
	d.state.Unlock()

	d.met.aborts.Add(context.Background(), 1)
	if s.emitted {
		d.broadcastVerdict(repproto.Commit{
			Event:  repproto.EventAbortPrepared,
			Origin: d.state.SelfID,
			GID:    s.GID,
		})
	}
}

// broadcastVerdict sends a standalone commit marker to the replica
// set, attaching the recovery caught-up flag where one is pending.
// The marker is stamped with the log end so the peers can acknowledge
// how far they have applied.
func (d *DCC) broadcastVerdict(msg repproto.Commit) {
	msg.EndLSN = uint64(d.engine.CurrentLSN())
	for _, dst := range d.replicaSet() {
		m := msg
		if d.takeCaughtUp(dst) {
			m.CaughtUp = true
		}
		frame, err := repproto.Encode(m)
		if err != nil {
			d.log.Error("encode verdict", zap.Error(err))
			return
		}
		if err := d.str.Send(dst, frame); err != nil {
			d.log.Warn("verdict send failed", zap.Int("node", int(dst)), zap.Error(err))
		}
	}
}

// TwoPhaseCommit drives a full coordinator commit of the session's
// staged host transaction. On any failure the transaction is aborted
// everywhere it reached.
func (d *DCC) TwoPhaseCommit(ctx context.Context, s *Session, tx host.Tx) (csn.CSN, error) {
	if err := d.PrePrepare(ctx, s); err != nil {
		tx.Abort()
		d.FinishAbort(s)
		return csn.Invalid, err
	}
	if _, err := tx.Prepare(s.GID); err != nil {
		d.FinishAbort(s)
		return csn.Invalid, fmt.Errorf("dcc: local prepare: %w", err)
	}
	if err := d.EmitPrepare(s); err != nil {
		d.FinishAbort(s)
		return csn.Invalid, err
	}
	if err := d.PostPrepare(ctx, s); err != nil {
		d.FinishAbort(s)
		return csn.Invalid, err
	}
	return d.FinishCommit(s)
}

// EmitSync streams a standalone position marker to one peer: during
// catch-up it advertises the log end and carries the caught-up flag
// even when no commit traffic is flowing.
func (d *DCC) EmitSync(dst txstate.NodeID) error {
	msg := repproto.Commit{
		Event:  repproto.EventSync,
		Origin: d.state.SelfID,
		EndLSN: uint64(d.engine.CurrentLSN()),
	}
	if d.takeCaughtUp(dst) {
		msg.CaughtUp = true
	}
	frame, err := repproto.Encode(msg)
	if err != nil {
		return err
	}
	return d.str.Send(dst, frame)
}

// FlagCaughtUp arms the caught-up marker for a peer finishing
// recovery: the next commit marker streamed to it carries the flag.
func (d *DCC) FlagCaughtUp(node txstate.NodeID) {
	d.pendingCaughtUp.Or(uint64(1) << (uint(node) - 1))
}

func (d *DCC) takeCaughtUp(node txstate.NodeID) bool {
	bit := uint64(1) << (uint(node) - 1)
	return d.pendingCaughtUp.And(^bit)&bit != 0
}

// Inject2PCError arms one error injection point; it fires on the next
// transaction passing that point.
func (d *DCC) Inject2PCError(point int) {
	d.inject.Store(int32(point))
}

func (d *DCC) injected(point int32) bool {
	return d.inject.CompareAndSwap(point, InjectNone)
}

// LastCSN returns the newest commit CSN this node recorded.
func (d *DCC) LastCSN() csn.CSN {
	d.state.RLock()
	defer d.state.RUnlock()
	return d.lastCSN
}

// vote enqueues a voting message to the coordinator of a transaction,
// stamped with this node's clock, masks and snapshot horizon.
func (d *DCC) vote(code txstate.MsgCode, dst txstate.NodeID, dstXID, srcXID txstate.XID) {
	d.state.RLock()
	msg := messaging.VoteMessage{
		Code:             code,
		Node:             d.state.SelfID,
		DstXID:           dstXID,
		SrcXID:           srcXID,
		CSN:              d.clock.Now(),
		DisabledMask:     d.state.DisabledMask,
		ConnectivityMask: d.state.Self().ConnectivityMask,
		OldestSnapshot:   d.state.Self().OldestSnapshot,
	}
	d.state.RUnlock()
	d.bus.Send(dst, msg)
}

// HandleApplyError is the cluster health signal for apply worker
// failures. Transient errors were already handled per transaction; a
// fatal one takes the node out of service so it stops serving stale
// data.
func (d *DCC) HandleApplyError(source txstate.NodeID, err error) {
	if !ClassifyApplyError(err) {
		return
	}
	d.log.Error("fatal apply error, leaving service",
		zap.Int("source", int(source)), zap.Error(err))
	d.state.Lock()
	d.state.SetStatus(cluster.StatusOutOfService)
	d.state.Unlock()
}
