// Package cluster holds the shared coordinator state: node roster,
// status machine, disabled/locker masks and the transaction table.
// One RWMutex guards all of it; the transaction table shares the same
// lock so commit paths and membership changes serialize against each
// other.
package cluster

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Charles-Schleich/postgres-cluster/core/csn"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

// Status is the node's view of its own standing in the cluster.
type Status int

const (
	StatusInitialization Status = iota
	StatusOffline
	StatusConnected
	StatusOnline
	StatusRecovery
	StatusInMinority
	StatusOutOfService
)

func (s Status) String() string {
	switch s {
	case StatusInitialization:
		return "INITIALIZATION"
	case StatusOffline:
		return "OFFLINE"
	case StatusConnected:
		return "CONNECTED"
	case StatusOnline:
		return "ONLINE"
	case StatusRecovery:
		return "RECOVERY"
	case StatusInMinority:
		return "IN_MINORITY"
	case StatusOutOfService:
		return "OUT_OF_SERVICE"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Node is the cluster's record of one member.
type Node struct {
	ID               txstate.NodeID
	Conn             ConnInfo
	LastHeartbeat    time.Time
	LastStatusChange time.Time
	ConnectivityMask Mask     // masks reported by this node's heartbeats
	OldestSnapshot   csn.CSN  // oldest snapshot reported by this node
	FlushPos         uint64   // how far this node applied our log, from its heartbeats
	AppliedPos       uint64   // how far we applied this node's log
	RestartLSN       uint64   // restart position of this node's slot
	SlotDropped      bool     // replication slot dropped for excessive lag
}

// State is the shared coordinator state. Mutating methods and most
// readers require the caller to hold the lock; see Lock and RLock.
type State struct {
	mu  sync.RWMutex
	log *zap.Logger

	SelfID txstate.NodeID
	Nodes  []*Node // index i holds node i+1

	Status         Status
	DisabledMask   Mask
	NodeLockerMask Mask // nodes waiting for the cluster lock as receivers
	SenderLockerMask Mask // nodes waiting for the cluster lock as senders
	ReconnectMask  Mask

	NLiveNodes          int
	NLockers            int
	NActiveTransactions int
	NConfigChanges      int

	RecoverySlot  txstate.NodeID // node currently recovering through us, 0 if none
	RecoveryCount int            // bumped each time we complete our own recovery
	DonorNodeID   txstate.NodeID // node we recover from, 0 if none

	Txns *txstate.Table
}

// NewState builds the roster from per-node connection info. The slice
// index fixes the node id: conns[i] describes node i+1.
func NewState(log *zap.Logger, self txstate.NodeID, conns []ConnInfo) (*State, error) {
	if len(conns) < 1 || len(conns) > MaxNodes {
		return nil, fmt.Errorf("cluster: node count %d out of range [1,%d]", len(conns), MaxNodes)
	}
	if int(self) < 1 || int(self) > len(conns) {
		return nil, fmt.Errorf("cluster: self id %d not in roster of %d nodes", self, len(conns))
	}
	s := &State{
		log:        log,
		SelfID:     self,
		Status:     StatusInitialization,
		NLiveNodes: len(conns),
	}
	now := time.Now()
	for i, c := range conns {
		s.Nodes = append(s.Nodes, &Node{
			ID:               txstate.NodeID(i + 1),
			Conn:             c,
			LastStatusChange: now,
			ConnectivityMask: All(len(conns)),
		})
	}
	s.Txns = txstate.NewTable(&s.mu, self)
	return s, nil
}

// Lock acquires the cluster lock for writing.
func (s *State) Lock() { s.mu.Lock() }

// Unlock releases the write lock.
func (s *State) Unlock() { s.mu.Unlock() }

// RLock acquires the cluster lock for reading.
func (s *State) RLock() { s.mu.RLock() }

// RUnlock releases the read lock.
func (s *State) RUnlock() { s.mu.RUnlock() }

// NAllNodes returns the roster size.
func (s *State) NAllNodes() int { return len(s.Nodes) }

// Self returns this node's roster record.
func (s *State) Self() *Node { return s.Nodes[s.SelfID-1] }

// Node returns the record for the given id, or nil when out of range.
func (s *State) Node(id txstate.NodeID) *Node {
	if int(id) < 1 || int(id) > len(s.Nodes) {
		return nil
	}
	return s.Nodes[id-1]
}

// HasQuorum reports whether live nodes form a majority of the roster.
func (s *State) HasQuorum(live int) bool {
	return live >= len(s.Nodes)/2+1
}

// EnabledMask returns the set of nodes not currently disabled.
// Caller must hold the lock.
func (s *State) EnabledMask() Mask {
	return All(len(s.Nodes)) &^ s.DisabledMask
}

// SetStatus transitions the node status and bumps the configuration
// epoch, waking transactions blocked on a stale epoch. Caller must
// hold the write lock.
func (s *State) SetStatus(next Status) {
	if s.Status == next {
		return
	}
	s.log.Info("cluster status change",
		zap.Stringer("from", s.Status),
		zap.Stringer("to", next))
	s.Status = next
	s.NConfigChanges++
}

// DisableNode marks a node failed. Its in-doubt transactions stay in
// the table; the membership layer aborts votes it coordinated. Caller
// must hold the write lock.
func (s *State) DisableNode(id txstate.NodeID) {
	if s.DisabledMask.Has(int(id)) {
		return
	}
	s.log.Warn("disabling node", zap.Int("node", int(id)))
	s.DisabledMask = s.DisabledMask.Set(int(id))
	s.NLiveNodes--
	s.NConfigChanges++
	n := s.Node(id)
	n.LastStatusChange = time.Now()
	// Defuse the heartbeat watchdog so a node re-enabled during
	// recovery is not immediately knocked out again.
	n.LastHeartbeat = time.Time{}
}

// EnableNode readmits a previously disabled node. Caller must hold
// the write lock.
func (s *State) EnableNode(id txstate.NodeID) {
	if !s.DisabledMask.Has(int(id)) {
		return
	}
	s.log.Info("enabling node", zap.Int("node", int(id)))
	s.DisabledMask = s.DisabledMask.Clear(int(id))
	s.NLiveNodes++
	s.NConfigChanges++
	s.Node(id).LastStatusChange = time.Now()
}

// IsEnabled reports whether the node participates in replication.
// Caller must hold the lock.
func (s *State) IsEnabled(id txstate.NodeID) bool {
	return !s.DisabledMask.Has(int(id))
}

// OldestGlobalSnapshot returns the minimum of the snapshot horizons
// reported by all enabled nodes, used as the GC horizon for the
// transaction table. Caller must hold the lock.
func (s *State) OldestGlobalSnapshot() csn.CSN {
	var oldest csn.CSN
	for _, n := range s.Nodes {
		if !s.IsEnabled(n.ID) || n.OldestSnapshot == csn.Invalid {
			continue
		}
		if oldest == csn.Invalid || n.OldestSnapshot < oldest {
			oldest = n.OldestSnapshot
		}
	}
	return oldest
}
