package txstate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Charles-Schleich/postgres-cluster/core/csn"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	var mu sync.RWMutex
	return NewTable(&mu, 1)
}

func TestStatusMonotonicity(t *testing.T) {
	tbl := newTestTable(t)
	ts := tbl.Create(10, GTID{}, "MTM-1-100-1", 1000, false)
	require.Equal(t, StatusInProgress, ts.Status)
	require.Equal(t, GTID{Node: 1, XID: 10}, ts.GTID, "zero gtid means self-coordinated")

	require.NoError(t, tbl.SetStatus(10, StatusUnknown, 2000))
	require.NoError(t, tbl.SetStatus(10, StatusCommitted, 2000))

	// Terminal state admits only itself.
	require.Error(t, tbl.SetStatus(10, StatusAborted, csn.Invalid))
	require.Error(t, tbl.SetStatus(10, StatusUnknown, csn.Invalid))
	require.NoError(t, tbl.SetStatus(10, StatusCommitted, csn.Invalid))
}

func TestAbortIsSticky(t *testing.T) {
	tbl := newTestTable(t)
	tbl.Create(11, GTID{}, "", 1000, false)
	require.NoError(t, tbl.SetStatus(11, StatusUnknown, 1500))
	require.NoError(t, tbl.SetStatus(11, StatusAborted, csn.Invalid))
	require.Error(t, tbl.SetStatus(11, StatusCommitted, 1600))
}

func TestSubtransactionsShareParentState(t *testing.T) {
	tbl := newTestTable(t)
	ts := tbl.Create(20, GTID{}, "", 1000, false)
	tbl.AppendAge(ts)
	tbl.AddSubtransactions(ts, []XID{21, 22})

	require.NoError(t, tbl.SetStatus(20, StatusUnknown, 3000))
	require.NoError(t, tbl.SetStatus(20, StatusCommitted, 3000))
	for _, sub := range []XID{21, 22} {
		sts := tbl.Get(sub)
		require.NotNil(t, sts)
		require.Equal(t, StatusCommitted, sts.Status)
		require.Equal(t, csn.CSN(3000), sts.CommitCSN)
	}
}

func TestGIDTable(t *testing.T) {
	tbl := newTestTable(t)
	ts := tbl.Create(30, GTID{Node: 2, XID: 77}, "MTM-2-500-1", 1000, false)
	tbl.PutGID(ts.GID, ts)
	require.Same(t, ts, tbl.GetByGID("MTM-2-500-1"))
	require.Equal(t, []string{"MTM-2-500-1"}, tbl.PreparedGIDs())

	require.Same(t, ts, tbl.RemoveGID("MTM-2-500-1"))
	require.Nil(t, tbl.GetByGID("MTM-2-500-1"))
}

func TestExchangeGlobalStatusAbortSticky(t *testing.T) {
	tbl := newTestTable(t)
	ts := tbl.Create(31, GTID{Node: 3, XID: 88}, "MTM-3-1-1", 1000, false)
	tbl.PutGID(ts.GID, ts)

	old := tbl.ExchangeGlobalStatus("MTM-3-1-1", StatusAborted)
	require.Equal(t, StatusInProgress, old)
	old = tbl.ExchangeGlobalStatus("MTM-3-1-1", StatusCommitted)
	require.Equal(t, StatusAborted, old)
}

func TestExchangeGlobalStatusUntrackedGIDLeavesNoEntry(t *testing.T) {
	tbl := newTestTable(t)
	// Replayed verdicts for transactions already finalized and
	// collected must not grow the GID table.
	for i := 0; i < 3; i++ {
		old := tbl.ExchangeGlobalStatus("MTM-2-9-40", StatusCommitted)
		require.Equal(t, StatusInProgress, old)
	}
	require.Empty(t, tbl.PreparedGIDs())
	require.Nil(t, tbl.GetByGID("MTM-2-9-40"))
}

func TestCollectTrimsOldCommitted(t *testing.T) {
	tbl := newTestTable(t)
	for i := XID(1); i <= 5; i++ {
		ts := tbl.Create(i, GTID{}, "", csn.CSN(i*10), false)
		tbl.AppendAge(ts)
		require.NoError(t, tbl.SetStatus(i, StatusUnknown, csn.CSN(i*100)))
		require.NoError(t, tbl.SetStatus(i, StatusCommitted, csn.Invalid))
	}
	// Horizon 350 keeps xids 4,5; hint allows everything below 100.
	oldest := tbl.Collect(100, 350)
	require.Equal(t, XID(3), oldest, "boundary record remains as the oldest")
	require.Nil(t, tbl.Get(1))
	require.Nil(t, tbl.Get(2))
	require.NotNil(t, tbl.Get(3))
	require.NotNil(t, tbl.Get(4))
	require.NotNil(t, tbl.Get(5))
}

func TestVisibleDelegatesUnknownXIDs(t *testing.T) {
	tbl := newTestTable(t)
	visible, err := tbl.Visible(99, 1000, func(XID) bool { return true })
	require.NoError(t, err)
	require.True(t, visible)

	visible, err = tbl.Visible(99, 1000, func(XID) bool { return false })
	require.NoError(t, err)
	require.False(t, visible)
}

func TestVisibleCommitOrdering(t *testing.T) {
	tbl := newTestTable(t)
	tbl.Create(40, GTID{}, "", 1000, false)
	require.NoError(t, tbl.SetStatus(40, StatusUnknown, 5000))
	require.NoError(t, tbl.SetStatus(40, StatusCommitted, csn.Invalid))

	// Snapshot below the commit CSN must not see it.
	visible, err := tbl.Visible(40, 4000, nil)
	require.NoError(t, err)
	require.False(t, visible)

	// Snapshot at or above the commit CSN sees it.
	visible, err = tbl.Visible(40, 5000, nil)
	require.NoError(t, err)
	require.True(t, visible)
}

func TestVisibleWaitsForInDoubt(t *testing.T) {
	tbl := newTestTable(t)
	tbl.Create(50, GTID{}, "", 1000, false)
	require.NoError(t, tbl.SetStatus(50, StatusUnknown, 2000))

	go func() {
		time.Sleep(20 * time.Millisecond)
		tbl.mu.Lock()
		_ = tbl.SetStatus(50, StatusCommitted, csn.Invalid)
		tbl.mu.Unlock()
	}()

	start := time.Now()
	visible, err := tbl.Visible(50, 3000, nil)
	require.NoError(t, err)
	require.True(t, visible)
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond, "must have waited for resolution")
}

func TestVisibleInDoubtAboveSnapshotNoWait(t *testing.T) {
	tbl := newTestTable(t)
	tbl.Create(60, GTID{}, "", 1000, false)
	require.NoError(t, tbl.SetStatus(60, StatusUnknown, 9000))

	// The prepared CSN already exceeds the snapshot: invisible without waiting.
	start := time.Now()
	visible, err := tbl.Visible(60, 5000, nil)
	require.NoError(t, err)
	require.False(t, visible)
	require.Less(t, time.Since(start), 50*time.Millisecond)
}
