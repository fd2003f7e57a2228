// Package recovery manages node catch-up: the donor side decides when
// a recovering peer has replayed enough of the log to rejoin, the
// recovering side arbitrates which peer it recovers through, and the
// cluster lock briefly stops new commits so the last bytes of lag can
// drain.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Charles-Schleich/postgres-cluster/core/cluster"
	"github.com/Charles-Schleich/postgres-cluster/core/host"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

// Config holds the recovery lag thresholds.
type Config struct {
	// MinRecoveryLag is the residual lag, in log bytes, below which
	// the donor takes the cluster lock so the recovering node can
	// drain to an exact match.
	MinRecoveryLag uint64
	// MaxRecoveryLag is the slot lag, in log bytes, beyond which the
	// slot is dropped and the peer must re-seed from scratch.
	MaxRecoveryLag uint64
}

func (c *Config) setDefaults() {
	if c.MinRecoveryLag == 0 {
		c.MinRecoveryLag = 100 * 1024
	}
	if c.MaxRecoveryLag == 0 {
		c.MaxRecoveryLag = 100 * 1024 * 1024
	}
}

// Outcome reports where a recovering peer stands after a send-side
// progress check.
type Outcome int

const (
	// InProgress: the peer is still far behind, keep streaming.
	InProgress Outcome = iota
	// Locking: the peer is close; new commits are now blocked by the
	// cluster lock until it drains the rest.
	Locking
	// Done: the peer replayed everything and is enabled again.
	Done
)

func (o Outcome) String() string {
	switch o {
	case InProgress:
		return "IN_PROGRESS"
	case Locking:
		return "LOCKING"
	case Done:
		return "DONE"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Mode tells a receiver how to attach to its source node.
type Mode int

const (
	// ModeNormal applies only changes originating at the source.
	ModeNormal Mode = iota
	// ModeRecovery replays the donor's full stream, all origins
	// included.
	ModeRecovery
	// ModeWait means another receiver holds the recovery slot; retry
	// after it finishes.
	ModeWait
)

// Manager ties recovery decisions to the shared state and the host
// engine.
type Manager struct {
	log    *zap.Logger
	state  *cluster.State
	engine host.Engine
	cfg    Config
}

func NewManager(log *zap.Logger, state *cluster.State, engine host.Engine, cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{log: log, state: state, engine: engine, cfg: cfg}
}

// CaughtUp runs on the donor each time the stream to a recovering
// peer reaches the position the peer confirmed. An exact match with
// the log end finishes recovery; a near match takes the cluster lock
// so no new commits widen the gap.
func (m *Manager) CaughtUp(node txstate.NodeID, flushed host.LSN) Outcome {
	m.state.Lock()
	defer m.state.Unlock()

	wal := m.engine.CurrentLSN()
	switch {
	case flushed == wal:
		m.log.Info("peer caught up", zap.Int("node", int(node)), zap.Stringer("lsn", wal))
		if m.state.NodeLockerMask.Has(int(node)) {
			m.state.NodeLockerMask = m.state.NodeLockerMask.Clear(int(node))
			m.state.NLockers--
		}
		m.state.EnableNode(node)
		return Done
	case uint64(flushed)+m.cfg.MinRecoveryLag > uint64(wal):
		if !m.state.NodeLockerMask.Has(int(node)) {
			m.log.Info("peer nearly caught up, taking cluster lock",
				zap.Int("node", int(node)),
				zap.Uint64("lag", uint64(wal)-uint64(flushed)))
			m.state.NodeLockerMask = m.state.NodeLockerMask.Set(int(node))
			m.state.NLockers++
		}
		return Locking
	default:
		return InProgress
	}
}

// Cluster lock wait backoff.
const (
	minLockWait = time.Millisecond
	maxLockWait = 100 * time.Millisecond
)

// CheckClusterLock blocks the caller while any node holds the
// cluster lock for catch-up. Commit paths call it before assigning a
// prepare position.
func (m *Manager) CheckClusterLock(ctx context.Context) error {
	delay := minLockWait
	for {
		m.state.RLock()
		locked := m.state.NodeLockerMask != 0 || m.state.SenderLockerMask != 0
		m.state.RUnlock()
		if !locked {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < maxLockWait {
			delay *= 2
		}
	}
}

// CheckSlots drops the slot of any enabled peer whose lag exceeds the
// maximum and disables the peer; it can only come back through a full
// re-seed.
func (m *Manager) CheckSlots() {
	m.state.Lock()
	defer m.state.Unlock()

	wal := m.engine.CurrentLSN()
	for _, n := range m.state.Nodes {
		if n.ID == m.state.SelfID || !m.state.IsEnabled(n.ID) || n.SlotDropped {
			continue
		}
		restart, ok := m.engine.SlotRestartLSN(n.ID)
		if !ok || restart == host.InvalidLSN {
			continue
		}
		if uint64(wal)-uint64(restart) <= m.cfg.MaxRecoveryLag {
			continue
		}
		m.log.Warn("dropping slot of lagging peer",
			zap.Int("node", int(n.ID)),
			zap.Uint64("lag", uint64(wal)-uint64(restart)))
		if err := m.engine.DropSlot(n.ID); err != nil {
			m.log.Error("slot drop failed", zap.Int("node", int(n.ID)), zap.Error(err))
			continue
		}
		n.SlotDropped = true
		m.state.DisableNode(n.ID)
	}
}

// ReceiverMode arbitrates which peer a recovering node recovers
// through: the first receiver to claim the recovery slot replays the
// donor's full stream, the others wait. Outside recovery every
// receiver applies normally.
func (m *Manager) ReceiverMode(source txstate.NodeID) Mode {
	m.state.Lock()
	defer m.state.Unlock()

	switch m.state.Status {
	case cluster.StatusRecovery, cluster.StatusInitialization, cluster.StatusConnected:
		if m.state.RecoverySlot == 0 {
			m.state.RecoverySlot = source
			m.state.DonorNodeID = source
			m.log.Info("recovering through donor", zap.Int("donor", int(source)))
			return ModeRecovery
		}
		if m.state.RecoverySlot == source {
			return ModeRecovery
		}
		return ModeWait
	default:
		return ModeNormal
	}
}

// CompleteRecovery runs on the recovering node when the donor's
// stream carries the caught-up marker. The node is fully replayed
// and goes online.
func (m *Manager) CompleteRecovery() {
	m.state.Lock()
	defer m.state.Unlock()

	if m.state.RecoverySlot == 0 && m.state.Status == cluster.StatusOnline {
		return
	}
	m.log.Info("recovery complete",
		zap.Int("donor", int(m.state.DonorNodeID)),
		zap.Int("recovery_count", m.state.RecoveryCount+1))
	m.state.RecoverySlot = 0
	m.state.DonorNodeID = 0
	m.state.RecoveryCount++
	m.state.SetStatus(cluster.StatusOnline)
}
