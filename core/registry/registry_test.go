package registry

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemRegisterSetGet(t *testing.T) {
	r := NewMemRegister()
	_, err := r.Get("node-mask-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.Set("node-mask-1", []byte{0xFF}))
	v, err := r.Get("node-mask-1")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF}, v)

	require.NoError(t, r.Set("node-mask-1", []byte{0x01}))
	v, err = r.Get("node-mask-1")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, v)
}

func TestMemRegisterCopiesValues(t *testing.T) {
	r := NewMemRegister()
	in := []byte{1, 2, 3}
	require.NoError(t, r.Set("k", in))
	in[0] = 99
	v, err := r.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, v)
}

func applyEntry(t *testing.T, f *kvFSM, cmd command) interface{} {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	return f.Apply(&raft.Log{Data: data})
}

func TestFSMApplySet(t *testing.T) {
	f := newKVFSM()
	res := applyEntry(t, f, command{Op: "set", Key: "lock-graph-2", Value: []byte("edges")})
	assert.Nil(t, res)
	v, ok := f.get("lock-graph-2")
	require.True(t, ok)
	assert.Equal(t, []byte("edges"), v)
}

func TestFSMApplyUnknownOp(t *testing.T) {
	f := newKVFSM()
	res := applyEntry(t, f, command{Op: "delete", Key: "k"})
	err, ok := res.(error)
	require.True(t, ok)
	assert.Error(t, err)
}

func TestFSMSnapshotRestore(t *testing.T) {
	f := newKVFSM()
	applyEntry(t, f, command{Op: "set", Key: "a", Value: []byte{1}})
	applyEntry(t, f, command{Op: "set", Key: "b", Value: []byte{2}})

	snap, err := f.Snapshot()
	require.NoError(t, err)

	var buf bytes.Buffer
	sink := &memorySink{Buffer: &buf}
	require.NoError(t, snap.Persist(sink))

	restored := newKVFSM()
	require.NoError(t, restored.Restore(io.NopCloser(&buf)))
	v, ok := restored.get("a")
	require.True(t, ok)
	assert.Equal(t, []byte{1}, v)
	v, ok = restored.get("b")
	require.True(t, ok)
	assert.Equal(t, []byte{2}, v)
}

type memorySink struct {
	*bytes.Buffer
	cancelled bool
}

func (s *memorySink) ID() string    { return "mem" }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }
func (s *memorySink) Close() error  { return nil }
