package deadlock

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Charles-Schleich/postgres-cluster/core/cluster"
	"github.com/Charles-Schleich/postgres-cluster/core/registry"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

func graphKey(id txstate.NodeID) string { return fmt.Sprintf("lock-graph-%d", id) }

// Detector answers "is this stuck backend deadlocked" by combining
// the lock graphs of every cluster node.
type Detector struct {
	log   *zap.Logger
	state *cluster.State
	reg   registry.Register
}

func NewDetector(log *zap.Logger, state *cluster.State, reg registry.Register) *Detector {
	return &Detector{log: log, state: state, reg: reg}
}

// Publish replaces this node's edge set in the shared lock graph
// without running detection. Periodic passes with no local waiters
// use it so peers never chase stale edges.
func (d *Detector) Publish(edges []Edge) error {
	return d.reg.Set(graphKey(d.state.SelfID), SerializeEdges(edges))
}

// Detect publishes this node's local wait edges and checks whether
// waiter is part of a cross-node wait cycle. When the register cannot
// be reached the waiter is reported deadlocked: aborting one
// transaction beats hanging a backend forever on an unanswerable
// question.
func (d *Detector) Detect(waiter txstate.GTID, localEdges []Edge) bool {
	if err := d.reg.Set(graphKey(d.state.SelfID), SerializeEdges(localEdges)); err != nil {
		d.log.Warn("cannot publish lock graph, assuming deadlock", zap.Error(err))
		return true
	}

	global := NewGraph()
	global.Merge(localEdges)

	d.state.RLock()
	n := d.state.NAllNodes()
	self := d.state.SelfID
	enabled := make([]bool, n+1)
	for id := 1; id <= n; id++ {
		enabled[id] = d.state.IsEnabled(txstate.NodeID(id))
	}
	d.state.RUnlock()

	for id := 1; id <= n; id++ {
		nid := txstate.NodeID(id)
		if nid == self || !enabled[id] {
			continue
		}
		data, err := d.reg.Get(graphKey(nid))
		if err == registry.ErrNotFound {
			continue
		}
		if err != nil {
			d.log.Warn("cannot read peer lock graph, assuming deadlock",
				zap.Int("node", id), zap.Error(err))
			return true
		}
		edges, err := DeserializeEdges(data)
		if err != nil {
			d.log.Error("corrupt peer lock graph", zap.Int("node", id), zap.Error(err))
			continue
		}
		global.Merge(edges)
	}

	if global.HasCycleFrom(waiter) {
		d.log.Info("distributed deadlock found", zap.Stringer("waiter", waiter))
		return true
	}

	// Starvation rule: a backend blocked behind a transaction whose
	// coordinator has left the cluster will never be released by a
	// vote; break the wait now.
	starved := global.Reachable(waiter, func(g txstate.GTID) bool {
		return int(g.Node) >= 1 && int(g.Node) <= n && !enabled[g.Node]
	})
	if starved {
		d.log.Info("waiter starved behind disabled node", zap.Stringer("waiter", waiter))
		return true
	}
	return false
}

// DumpGraph renders every node's published wait-for edges as text,
// one "waiter -> holder" line per edge, grouped by publishing node.
func (d *Detector) DumpGraph() (string, error) {
	d.state.RLock()
	n := d.state.NAllNodes()
	d.state.RUnlock()

	var b strings.Builder
	for id := 1; id <= n; id++ {
		data, err := d.reg.Get(graphKey(txstate.NodeID(id)))
		if err == registry.ErrNotFound {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("deadlock: read lock graph of node %d: %w", id, err)
		}
		edges, err := DeserializeEdges(data)
		if err != nil {
			return "", fmt.Errorf("deadlock: lock graph of node %d: %w", id, err)
		}
		for _, e := range edges {
			fmt.Fprintf(&b, "node %d: %s -> %s\n", id, e.Waiter, e.Holder)
		}
	}
	return b.String(), nil
}
