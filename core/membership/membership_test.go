package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Charles-Schleich/postgres-cluster/core/cluster"
	"github.com/Charles-Schleich/postgres-cluster/core/csn"
	"github.com/Charles-Schleich/postgres-cluster/core/host/memengine"
	"github.com/Charles-Schleich/postgres-cluster/core/registry"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

func TestFindMaxCliqueFullMesh(t *testing.T) {
	matrix := []cluster.Mask{0b111, 0b111, 0b111}
	clique, size := FindMaxClique(matrix, 3)
	assert.Equal(t, cluster.Mask(0b111), clique)
	assert.Equal(t, 3, size)
}

func TestFindMaxCliquePartition(t *testing.T) {
	// Nodes 1-3 fully meshed, nodes 4-5 only see each other.
	matrix := []cluster.Mask{
		0b00111, 0b00111, 0b00111,
		0b11000, 0b11000,
	}
	clique, size := FindMaxClique(matrix, 5)
	assert.Equal(t, cluster.Mask(0b00111), clique)
	assert.Equal(t, 3, size)
}

func TestFindMaxCliqueIgnoresDeadNode(t *testing.T) {
	// Node 2 reported nothing: no self edge, so it joins no clique.
	matrix := []cluster.Mask{0b111, 0, 0b111}
	SymmetrizeMatrix(matrix, 3)
	clique, size := FindMaxClique(matrix, 3)
	assert.Equal(t, cluster.Mask(0b101), clique)
	assert.Equal(t, 2, size)
}

func TestSymmetrizeDropsOneWayEdges(t *testing.T) {
	// Node 1 claims to see node 2, node 2 does not see node 1.
	matrix := []cluster.Mask{0b011, 0b010}
	SymmetrizeMatrix(matrix, 2)
	assert.False(t, matrix[0].Has(2))
	assert.False(t, matrix[1].Has(1))
}

func monitorFixture(t *testing.T, nodes int, cfg Config) (*cluster.State, *Monitor, *registry.MemRegister) {
	t.Helper()
	conns := make([]cluster.ConnInfo, nodes)
	for i := range conns {
		conns[i] = cluster.ConnInfo{Host: "127.0.0.1"}
	}
	state, err := cluster.NewState(zap.NewNop(), 1, conns)
	require.NoError(t, err)
	reg := registry.NewMemRegister()
	return state, NewMonitor(zap.NewNop(), state, csn.NewClock(), reg, nil, cfg), reg
}

func publishMask(t *testing.T, m *Monitor, id txstate.NodeID, mask cluster.Mask) {
	t.Helper()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(mask >> (56 - 8*i))
	}
	require.NoError(t, m.reg.Set(maskKey(id), buf[:]))
}

func markHeard(state *cluster.State, ids ...txstate.NodeID) {
	state.Lock()
	for _, id := range ids {
		state.Node(id).LastHeartbeat = time.Now()
	}
	state.Unlock()
}

func TestRefreshFullMeshGoesConnected(t *testing.T) {
	state, m, _ := monitorFixture(t, 3, Config{})
	markHeard(state, 2, 3)
	publishMask(t, m, 2, 0b111)
	publishMask(t, m, 3, 0b111)

	require.NoError(t, m.Refresh())

	state.RLock()
	defer state.RUnlock()
	assert.Equal(t, cluster.StatusConnected, state.Status)
	assert.Equal(t, cluster.Mask(0), state.DisabledMask)
}

func TestRefreshDisablesNonCliqueNode(t *testing.T) {
	state, m, _ := monitorFixture(t, 3, Config{})
	markHeard(state, 2) // node 3 silent
	publishMask(t, m, 2, 0b011)
	// Node 3 sees nobody back; its stale mask claims everyone.
	publishMask(t, m, 3, 0b111)

	require.NoError(t, m.Refresh())

	state.RLock()
	defer state.RUnlock()
	assert.True(t, state.DisabledMask.Has(3))
	assert.True(t, state.IsEnabled(2))
	assert.Equal(t, 2, state.NLiveNodes)
}

func TestRefreshMinorityParksNode(t *testing.T) {
	state, m, _ := monitorFixture(t, 3, Config{})
	// Heard from nobody: our clique is just us.
	publishMask(t, m, 2, 0b110)
	publishMask(t, m, 3, 0b110)

	require.NoError(t, m.Refresh())

	state.RLock()
	defer state.RUnlock()
	assert.Equal(t, cluster.StatusInMinority, state.Status)
}

func TestRefreshAfterMinorityEntersRecovery(t *testing.T) {
	state, m, _ := monitorFixture(t, 3, Config{})
	state.Lock()
	state.SetStatus(cluster.StatusInMinority)
	state.Unlock()

	markHeard(state, 2, 3)
	publishMask(t, m, 2, 0b111)
	publishMask(t, m, 3, 0b111)
	require.NoError(t, m.Refresh())

	state.RLock()
	defer state.RUnlock()
	assert.Equal(t, cluster.StatusRecovery, state.Status)
}

func TestRefreshRegisterDownGoesOffline(t *testing.T) {
	state, _, _ := monitorFixture(t, 3, Config{})
	m := NewMonitor(zap.NewNop(), state, csn.NewClock(), failingRegister{}, nil, Config{})

	assert.Error(t, m.Refresh())
	state.RLock()
	defer state.RUnlock()
	assert.Equal(t, cluster.StatusOffline, state.Status)
}

type failingRegister struct{}

func (failingRegister) Set(string, []byte) error   { return registry.ErrUnavailable }
func (failingRegister) Get(string) ([]byte, error) { return nil, registry.ErrUnavailable }

func TestWatchdogDisablesSilentPeer(t *testing.T) {
	state, m, _ := monitorFixture(t, 3, Config{NodeDisableDelay: 10 * time.Millisecond})

	state.Lock()
	state.Node(2).LastHeartbeat = time.Now().Add(-time.Second)
	state.Unlock()

	m.Watchdog()

	state.RLock()
	defer state.RUnlock()
	assert.True(t, state.DisabledMask.Has(2))
	// Node 3 never heartbeated at all and is spared.
	assert.False(t, state.DisabledMask.Has(3))
}

func TestDisableAbortsIncompleteVotes(t *testing.T) {
	state, m, _ := monitorFixture(t, 3, Config{NodeDisableDelay: 10 * time.Millisecond})

	state.Lock()
	// In-doubt transaction coordinated by node 2.
	remote := state.Txns.Create(500, txstate.GTID{Node: 2, XID: 70}, "MTM-2-1-7", csn.CSN(5), false)
	require.NoError(t, state.Txns.SetStatus(500, txstate.StatusUnknown, csn.Invalid))
	// Completed transaction from node 2 must be left alone.
	done := state.Txns.Create(501, txstate.GTID{Node: 2, XID: 71}, "MTM-2-1-8", csn.CSN(5), false)
	done.VotingCompleted = true
	require.NoError(t, state.Txns.SetStatus(501, txstate.StatusUnknown, csn.Invalid))
	state.Node(2).LastHeartbeat = time.Now().Add(-time.Second)
	state.Unlock()

	m.Watchdog()

	state.RLock()
	defer state.RUnlock()
	assert.Equal(t, txstate.StatusAborted, remote.Status)
	assert.Equal(t, txstate.StatusUnknown, done.Status)
}

func TestObserveUpdatesPeerRecord(t *testing.T) {
	state, m, _ := monitorFixture(t, 3, Config{})
	m.Observe(Heartbeat{
		Node:             3,
		ConnectivityMask: 0b101,
		OldestSnapshot:   99,
	})
	state.RLock()
	defer state.RUnlock()
	n := state.Node(3)
	assert.False(t, n.LastHeartbeat.IsZero())
	assert.Equal(t, cluster.Mask(0b101), n.ConnectivityMask)
	assert.Equal(t, csn.CSN(99), n.OldestSnapshot)
}

func TestObserveRecordsFlushAcknowledgment(t *testing.T) {
	state, m, _ := monitorFixture(t, 3, Config{})

	// Entry 0 is node 1, us: node 2 has applied our log up to 640.
	m.Observe(Heartbeat{Node: 2, Applied: []uint64{640, 0, 128}})
	state.RLock()
	assert.Equal(t, uint64(640), state.Node(2).FlushPos)
	state.RUnlock()

	// Acknowledgments never move backwards.
	m.Observe(Heartbeat{Node: 2, Applied: []uint64{512, 0, 128}})
	state.RLock()
	assert.Equal(t, uint64(640), state.Node(2).FlushPos)
	state.RUnlock()
}

func TestRefreshHoldsRejoinUntilReplayDrained(t *testing.T) {
	conns := []cluster.ConnInfo{{Host: "a"}, {Host: "b"}, {Host: "c"}}
	state, err := cluster.NewState(zap.NewNop(), 1, conns)
	require.NoError(t, err)
	engine, err := memengine.Open(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	reg := registry.NewMemRegister()
	m := NewMonitor(zap.NewNop(), state, csn.NewClock(), reg, engine, Config{})

	state.Lock()
	state.DisableNode(2)
	state.Unlock()
	markHeard(state, 2, 3)
	publishMask(t, m, 2, 0b111)
	publishMask(t, m, 3, 0b111)

	// Node 2 is back in the clique but has not acknowledged our log
	// end yet; it stays disabled until catch-up enables it.
	require.NoError(t, m.Refresh())
	state.RLock()
	assert.False(t, state.IsEnabled(2))
	state.RUnlock()

	state.Lock()
	state.Node(2).FlushPos = uint64(engine.CurrentLSN())
	state.Unlock()
	require.NoError(t, m.Refresh())
	state.RLock()
	assert.True(t, state.IsEnabled(2))
	state.RUnlock()
}
