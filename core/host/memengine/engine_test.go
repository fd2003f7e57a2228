package memengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Charles-Schleich/postgres-cluster/core/host"
	"github.com/Charles-Schleich/postgres-cluster/core/replication/repproto"
)

func setupEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func tupleKV(key, val string) repproto.Tuple {
	return repproto.Tuple{Attrs: []repproto.Attr{
		{Kind: repproto.AttrBinary, Data: []byte(key)},
		{Kind: repproto.AttrText, Data: []byte(val)},
	}}
}

func TestInsertCommitVisible(t *testing.T) {
	e := setupEngine(t)
	rel := e.CreateRelation("public", "accounts", 0).(*relation)

	tx := e.Begin()
	require.NoError(t, rel.Insert(tx, tupleKV("k1", "v1")))
	lsn, err := tx.Commit()
	require.NoError(t, err)
	assert.Greater(t, uint64(lsn), uint64(host.InvalidLSN))

	got, ok := rel.Get([]byte("k1"))
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got.Attrs[1].Data)
}

func TestInsertConflict(t *testing.T) {
	e := setupEngine(t)
	rel := e.CreateRelation("public", "accounts", 0).(*relation)

	tx := e.Begin()
	require.NoError(t, rel.Insert(tx, tupleKV("k1", "v1")))
	_, err := tx.Commit()
	require.NoError(t, err)

	tx2 := e.Begin()
	err = rel.Insert(tx2, tupleKV("k1", "other"))
	assert.ErrorIs(t, err, host.ErrTupleConflict)
	tx2.Abort()
}

func TestUpdateDeleteMissingRow(t *testing.T) {
	e := setupEngine(t)
	rel := e.CreateRelation("public", "accounts", 0).(*relation)

	tx := e.Begin()
	assert.ErrorIs(t, rel.Update(tx, nil, tupleKV("nope", "x")), host.ErrTupleNotFound)
	assert.ErrorIs(t, rel.Delete(tx, tupleKV("nope", "x")), host.ErrTupleNotFound)
	tx.Abort()
}

func TestTxSeesOwnWrites(t *testing.T) {
	e := setupEngine(t)
	rel := e.CreateRelation("public", "accounts", 0).(*relation)

	tx := e.Begin()
	require.NoError(t, rel.Insert(tx, tupleKV("k1", "v1")))
	require.NoError(t, rel.Update(tx, nil, tupleKV("k1", "v2")))
	require.NoError(t, rel.Delete(tx, tupleKV("k1", "v2")))
	_, err := tx.Commit()
	require.NoError(t, err)
	assert.Equal(t, 0, rel.Len())
}

func TestPrepareThenCommitPrepared(t *testing.T) {
	e := setupEngine(t)
	rel := e.CreateRelation("public", "accounts", 0).(*relation)

	tx := e.Begin()
	require.NoError(t, rel.Insert(tx, tupleKV("k1", "v1")))
	_, err := tx.Prepare("MTM-1-100-1")
	require.NoError(t, err)

	// Not visible until finished.
	assert.Equal(t, 0, rel.Len())

	_, err = e.FinishPrepared("MTM-1-100-1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, rel.Len())
}

func TestPrepareThenAbortPrepared(t *testing.T) {
	e := setupEngine(t)
	rel := e.CreateRelation("public", "accounts", 0).(*relation)

	tx := e.Begin()
	require.NoError(t, rel.Insert(tx, tupleKV("k1", "v1")))
	_, err := tx.Prepare("MTM-1-100-2")
	require.NoError(t, err)

	_, err = e.FinishPrepared("MTM-1-100-2", false)
	require.NoError(t, err)
	assert.Equal(t, 0, rel.Len())

	_, err = e.FinishPrepared("MTM-1-100-2", true)
	assert.ErrorIs(t, err, host.ErrUnknownGID)
}

func TestNoReplicaIdentity(t *testing.T) {
	e := setupEngine(t)
	rel := e.CreateRelation("public", "journal", -1).(*relation)

	tx := e.Begin()
	err := rel.Insert(tx, tupleKV("k1", "v1"))
	assert.ErrorIs(t, err, host.ErrNoReplicaIdentity)
	tx.Abort()
}

func TestSlotsPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(zap.NewNop(), dir)
	require.NoError(t, err)

	require.NoError(t, e.CreateSlot(2))
	start, ok := e.SlotRestartLSN(2)
	require.True(t, ok)
	require.NoError(t, e.AdvanceSlot(2, start+1000))
	require.NoError(t, e.MakeTableLocal("public", "scratch"))
	require.NoError(t, e.Close())

	e2, err := Open(zap.NewNop(), dir)
	require.NoError(t, err)
	defer e2.Close()

	lsn, ok := e2.SlotRestartLSN(2)
	require.True(t, ok)
	assert.Equal(t, start+1000, lsn)
	assert.True(t, e2.IsTableLocal("public", "scratch"))
	assert.False(t, e2.IsTableLocal("public", "accounts"))
}

func TestAdvanceSlotNeverMovesBackwards(t *testing.T) {
	e := setupEngine(t)
	require.NoError(t, e.CreateSlot(3))
	require.NoError(t, e.AdvanceSlot(3, 5000))
	require.NoError(t, e.AdvanceSlot(3, 100))
	lsn, _ := e.SlotRestartLSN(3)
	assert.Equal(t, host.LSN(5000), lsn)
}

func TestDropSlot(t *testing.T) {
	e := setupEngine(t)
	require.NoError(t, e.CreateSlot(2))
	require.NoError(t, e.DropSlot(2))
	_, ok := e.SlotRestartLSN(2)
	assert.False(t, ok)
	assert.Error(t, e.AdvanceSlot(2, 10))
}
