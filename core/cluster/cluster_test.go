package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Charles-Schleich/postgres-cluster/core/csn"
)

func testState(t *testing.T, n int) *State {
	t.Helper()
	conns := make([]ConnInfo, n)
	for i := range conns {
		conns[i] = ConnInfo{Host: "127.0.0.1", ReplPort: 5433 + i}
	}
	s, err := NewState(zap.NewNop(), 1, conns)
	require.NoError(t, err)
	return s
}

func TestMaskOps(t *testing.T) {
	var m Mask
	m = m.Set(1).Set(3).Set(64)
	assert.True(t, m.Has(1))
	assert.False(t, m.Has(2))
	assert.True(t, m.Has(64))
	assert.Equal(t, 3, m.Count())
	m = m.Clear(3)
	assert.False(t, m.Has(3))
	assert.Equal(t, Mask(0b111), All(3))
	assert.Equal(t, ^Mask(0), All(64))
}

func TestNewStateValidation(t *testing.T) {
	_, err := NewState(zap.NewNop(), 1, nil)
	assert.Error(t, err)
	_, err = NewState(zap.NewNop(), 5, make([]ConnInfo, 3))
	assert.Error(t, err)
	_, err = NewState(zap.NewNop(), 1, make([]ConnInfo, MaxNodes+1))
	assert.Error(t, err)
}

func TestDisableEnableNode(t *testing.T) {
	s := testState(t, 3)
	s.Lock()
	defer s.Unlock()

	epoch := s.NConfigChanges
	s.DisableNode(2)
	assert.True(t, s.DisabledMask.Has(2))
	assert.Equal(t, 2, s.NLiveNodes)
	assert.Equal(t, epoch+1, s.NConfigChanges)
	assert.False(t, s.IsEnabled(2))

	// Idempotent.
	s.DisableNode(2)
	assert.Equal(t, 2, s.NLiveNodes)
	assert.Equal(t, epoch+1, s.NConfigChanges)

	s.EnableNode(2)
	assert.True(t, s.IsEnabled(2))
	assert.Equal(t, 3, s.NLiveNodes)
	assert.Equal(t, epoch+2, s.NConfigChanges)
}

func TestHasQuorum(t *testing.T) {
	s := testState(t, 5)
	assert.True(t, s.HasQuorum(3))
	assert.False(t, s.HasQuorum(2))

	s2 := testState(t, 2)
	assert.True(t, s2.HasQuorum(2))
	assert.False(t, s2.HasQuorum(1))
}

func TestSetStatusBumpsEpoch(t *testing.T) {
	s := testState(t, 3)
	s.Lock()
	defer s.Unlock()
	epoch := s.NConfigChanges
	s.SetStatus(StatusConnected)
	assert.Equal(t, StatusConnected, s.Status)
	assert.Equal(t, epoch+1, s.NConfigChanges)
	s.SetStatus(StatusConnected)
	assert.Equal(t, epoch+1, s.NConfigChanges)
}

func TestOldestGlobalSnapshotSkipsDisabled(t *testing.T) {
	s := testState(t, 3)
	s.Lock()
	defer s.Unlock()
	s.Nodes[0].OldestSnapshot = csn.CSN(300)
	s.Nodes[1].OldestSnapshot = csn.CSN(100)
	s.Nodes[2].OldestSnapshot = csn.CSN(200)
	assert.Equal(t, csn.CSN(100), s.OldestGlobalSnapshot())

	s.DisableNode(2)
	assert.Equal(t, csn.CSN(200), s.OldestGlobalSnapshot())
}

func TestParseConnString(t *testing.T) {
	ci, err := ParseConnString("host=10.1.2.3 port=6000 arbiter_port=6001 raft_port=6002 http_port=6003")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", ci.Host)
	assert.Equal(t, "10.1.2.3:6000", ci.ReplAddr())
	assert.Equal(t, "10.1.2.3:6001", ci.ArbiterAddr())
	assert.Equal(t, "10.1.2.3:6002", ci.RaftAddr())
	assert.Equal(t, "10.1.2.3:6003", ci.HTTPAddr())
}

func TestParseConnStringDefaults(t *testing.T) {
	ci, err := ParseConnString("host=n1 dbname=postgres")
	require.NoError(t, err)
	assert.Equal(t, DefaultReplPort, ci.ReplPort)
	assert.Equal(t, DefaultArbiterPort, ci.ArbiterPort)
}

func TestParseConnStringErrors(t *testing.T) {
	_, err := ParseConnString("port=5433")
	assert.Error(t, err)
	_, err = ParseConnString("host=n1 port=notanumber")
	assert.Error(t, err)
	_, err = ParseConnString("host=n1 badfield")
	assert.Error(t, err)
}

func TestParseConnStrings(t *testing.T) {
	conns, err := ParseConnStrings("host=n1, host=n2 port=7000, host=n3")
	require.NoError(t, err)
	require.Len(t, conns, 3)
	assert.Equal(t, "n2", conns[1].Host)
	assert.Equal(t, 7000, conns[1].ReplPort)

	_, err = ParseConnStrings(" , ")
	assert.Error(t, err)
}
