package membership

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Charles-Schleich/postgres-cluster/core/cluster"
	"github.com/Charles-Schleich/postgres-cluster/core/csn"
	"github.com/Charles-Schleich/postgres-cluster/core/host"
	"github.com/Charles-Schleich/postgres-cluster/core/registry"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

// Config holds the membership timing knobs.
type Config struct {
	// HeartbeatSendInterval is the pause between heartbeat rounds.
	HeartbeatSendInterval time.Duration
	// HeartbeatRecvTimeout is how long a peer may stay silent before
	// it drops out of our connectivity mask.
	HeartbeatRecvTimeout time.Duration
	// NodeDisableDelay is how long a peer may stay silent before the
	// watchdog disables it.
	NodeDisableDelay time.Duration
	// RefreshInterval paces member set recomputation from the
	// register.
	RefreshInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.HeartbeatSendInterval == 0 {
		c.HeartbeatSendInterval = 200 * time.Millisecond
	}
	if c.HeartbeatRecvTimeout == 0 {
		c.HeartbeatRecvTimeout = time.Second
	}
	if c.NodeDisableDelay == 0 {
		c.NodeDisableDelay = 2 * time.Second
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = time.Second
	}
}

// Heartbeat is the liveness beacon exchanged between nodes. Applied
// holds, per node id i+1, how far the sender has applied that node's
// log; each receiver picks out its own entry as the sender's flush
// acknowledgment.
type Heartbeat struct {
	Node             int      `json:"node"`
	CSN              uint64   `json:"csn"`
	ConnectivityMask uint64   `json:"connectivity_mask"`
	DisabledMask     uint64   `json:"disabled_mask"`
	OldestSnapshot   uint64   `json:"oldest_snapshot"`
	Applied          []uint64 `json:"applied,omitempty"`
	Status           string   `json:"status"`
}

// Monitor runs the liveness and membership machinery for one node.
type Monitor struct {
	log     *zap.Logger
	state   *cluster.State
	clock   *csn.Clock
	reg     registry.Register
	engine  host.Engine // nil when replay gating is not wanted
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

func NewMonitor(log *zap.Logger, state *cluster.State, clock *csn.Clock, reg registry.Register, engine host.Engine, cfg Config) *Monitor {
	cfg.setDefaults()
	return &Monitor{
		log:    log,
		state:  state,
		clock:  clock,
		reg:    reg,
		engine: engine,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HeartbeatRecvTimeout},
		// The register is polled at most once per refresh interval no
		// matter how often membership events fire.
		limiter: rate.NewLimiter(rate.Every(cfg.RefreshInterval), 1),
	}
}

// Run drives heartbeats, the watchdog and member set refresh until
// ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	hb := time.NewTicker(m.cfg.HeartbeatSendInterval)
	defer hb.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-hb.C:
			m.SendHeartbeats(ctx)
			m.Watchdog()
			if m.limiter.Allow() {
				if err := m.Refresh(); err != nil {
					m.log.Warn("member set refresh failed", zap.Error(err))
				}
			}
		}
	}
}

// SendHeartbeats posts a beacon to every enabled peer.
func (m *Monitor) SendHeartbeats(ctx context.Context) {
	m.state.RLock()
	applied := make([]uint64, len(m.state.Nodes))
	for i, n := range m.state.Nodes {
		applied[i] = n.AppliedPos
	}
	beat := Heartbeat{
		Node:             int(m.state.SelfID),
		CSN:              uint64(m.clock.Now()),
		ConnectivityMask: uint64(m.selfConnectivity()),
		DisabledMask:     uint64(m.state.DisabledMask),
		OldestSnapshot:   uint64(m.state.Txns.OldestSnapshot()),
		Applied:          applied,
		Status:           m.state.Status.String(),
	}
	type target struct {
		id  txstate.NodeID
		url string
	}
	var targets []target
	for _, n := range m.state.Nodes {
		if n.ID == m.state.SelfID {
			continue
		}
		targets = append(targets, target{n.ID, fmt.Sprintf("http://%s/heartbeat", n.Conn.HTTPAddr())})
	}
	m.state.RUnlock()

	body, err := json.Marshal(beat)
	if err != nil {
		m.log.Error("encode heartbeat", zap.Error(err))
		return
	}
	for _, tgt := range targets {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tgt.url, bytes.NewReader(body))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := m.client.Do(req)
		if err != nil {
			m.log.Debug("heartbeat not delivered", zap.Int("node", int(tgt.id)), zap.Error(err))
			continue
		}
		resp.Body.Close()
	}
}

// Handler serves incoming heartbeats. Mount at /heartbeat.
func (m *Monitor) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var beat Heartbeat
		if err := json.NewDecoder(r.Body).Decode(&beat); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		m.Observe(beat)
		w.WriteHeader(http.StatusOK)
	}
}

// Observe records a received beacon.
func (m *Monitor) Observe(beat Heartbeat) {
	m.clock.Sync(csn.CSN(beat.CSN))
	m.state.Lock()
	defer m.state.Unlock()
	n := m.state.Node(txstate.NodeID(beat.Node))
	if n == nil || txstate.NodeID(beat.Node) == m.state.SelfID {
		m.log.Warn("heartbeat from unknown node", zap.Int("node", beat.Node))
		return
	}
	n.LastHeartbeat = time.Now()
	n.ConnectivityMask = cluster.Mask(beat.ConnectivityMask)
	if beat.OldestSnapshot != 0 {
		n.OldestSnapshot = csn.CSN(beat.OldestSnapshot)
	}
	// The sender's entry for us is its flush acknowledgment of our
	// log. Positions only move forward.
	if idx := int(m.state.SelfID) - 1; idx < len(beat.Applied) {
		if pos := beat.Applied[idx]; pos > n.FlushPos {
			n.FlushPos = pos
		}
	}
}

// Watchdog disables enabled peers that have been silent longer than
// the disable delay. Peers that never sent a heartbeat since their
// last status change are left alone, so a freshly enabled node gets
// time to come up.
func (m *Monitor) Watchdog() {
	now := time.Now()
	m.state.Lock()
	defer m.state.Unlock()
	for _, n := range m.state.Nodes {
		if n.ID == m.state.SelfID || !m.state.IsEnabled(n.ID) {
			continue
		}
		if n.LastHeartbeat.IsZero() || now.Sub(n.LastHeartbeat) <= m.cfg.NodeDisableDelay {
			continue
		}
		m.log.Warn("peer heartbeat timed out",
			zap.Int("node", int(n.ID)),
			zap.Duration("silent", now.Sub(n.LastHeartbeat)))
		m.state.DisableNode(n.ID)
		m.abortIncompleteVotes(n.ID)
	}
}

// selfConnectivity is this node's current view: itself plus every
// peer heard from within the receive timeout. Caller holds the lock.
func (m *Monitor) selfConnectivity() cluster.Mask {
	now := time.Now()
	mask := cluster.Mask(0).Set(int(m.state.SelfID))
	for _, n := range m.state.Nodes {
		if n.ID == m.state.SelfID {
			continue
		}
		if !n.LastHeartbeat.IsZero() && now.Sub(n.LastHeartbeat) <= m.cfg.HeartbeatRecvTimeout {
			mask = mask.Set(int(n.ID))
		}
	}
	return mask
}

func maskKey(id txstate.NodeID) string { return fmt.Sprintf("node-mask-%d", id) }

// Refresh publishes our connectivity mask, reads everyone else's,
// and recomputes the member set as the maximum clique of the
// symmetrized matrix. Losing the majority parks the node in minority
// mode; regaining it sends the node through recovery.
func (m *Monitor) Refresh() error {
	m.state.RLock()
	self := m.state.SelfID
	n := m.state.NAllNodes()
	mask := m.selfConnectivity()
	m.state.RUnlock()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(mask))
	if err := m.reg.Set(maskKey(self), buf[:]); err != nil {
		m.state.Lock()
		m.state.SetStatus(cluster.StatusOffline)
		m.state.Unlock()
		return fmt.Errorf("publish connectivity mask: %w", err)
	}

	matrix := make([]cluster.Mask, n)
	for i := 0; i < n; i++ {
		v, err := m.reg.Get(maskKey(txstate.NodeID(i + 1)))
		if err == registry.ErrNotFound {
			continue // node never reported, no edges
		}
		if err != nil {
			m.state.Lock()
			m.state.SetStatus(cluster.StatusOffline)
			m.state.Unlock()
			return fmt.Errorf("read connectivity mask of node %d: %w", i+1, err)
		}
		if len(v) == 8 {
			matrix[i] = cluster.Mask(binary.BigEndian.Uint64(v))
		}
	}
	SymmetrizeMatrix(matrix, n)
	clique, size := FindMaxClique(matrix, n)

	m.state.Lock()
	defer m.state.Unlock()

	if !clique.Has(int(self)) || !m.state.HasQuorum(size) {
		m.state.SetStatus(cluster.StatusInMinority)
		return nil
	}

	for id := 1; id <= n; id++ {
		nid := txstate.NodeID(id)
		switch {
		case clique.Has(id) && !m.state.IsEnabled(nid):
			// A peer rejoining the clique may still have parts of our
			// log to replay; recovery enables it once it has drained.
			if m.replayPending(nid) {
				continue
			}
			m.state.EnableNode(nid)
		case !clique.Has(id) && m.state.IsEnabled(nid):
			m.state.DisableNode(nid)
			m.abortIncompleteVotes(nid)
		}
	}

	switch m.state.Status {
	case cluster.StatusInitialization:
		m.state.SetStatus(cluster.StatusConnected)
	case cluster.StatusOffline, cluster.StatusInMinority:
		// Back in the majority after a partition; catch up before
		// serving transactions again.
		m.state.SetStatus(cluster.StatusRecovery)
	}
	return nil
}

// replayPending reports whether the peer's acknowledged position is
// behind our log end. Caller holds the write lock.
func (m *Monitor) replayPending(id txstate.NodeID) bool {
	if m.engine == nil {
		return false
	}
	return m.state.Node(id).FlushPos != uint64(m.engine.CurrentLSN())
}

// abortIncompleteVotes fails every in-doubt transaction coordinated
// by a node that just left the member set. Its votes can never
// complete; waiting backends are released with an abort. Caller
// holds the write lock.
func (m *Monitor) abortIncompleteVotes(node txstate.NodeID) {
	m.state.Txns.Each(func(ts *txstate.TransState) {
		if ts.GTID.Node != node || ts.VotingCompleted {
			return
		}
		if ts.Status != txstate.StatusInProgress && ts.Status != txstate.StatusUnknown {
			return
		}
		if err := m.state.Txns.SetStatus(ts.XID, txstate.StatusAborted, csn.Invalid); err != nil {
			return
		}
		m.log.Info("aborting transaction of disabled coordinator",
			zap.Uint64("xid", uint64(ts.XID)), zap.Int("node", int(node)))
		ts.VotingCompleted = true
		ts.Wake()
	})
}
