package dcc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Charles-Schleich/postgres-cluster/core/cluster"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

func adminGet(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestAdminClusterState(t *testing.T) {
	f := setup(t, 3)
	h := f.d.AdminHandler()

	rec := adminGet(t, h, "/admin/cluster_state")
	require.Equal(t, http.StatusOK, rec.Code)
	cs := decodeBody[clusterState](t, rec)
	assert.Equal(t, 1, cs.Node)
	assert.Equal(t, "ONLINE", cs.Status)
	assert.Equal(t, 3, cs.LiveNodes)
	assert.Equal(t, 3, cs.AllNodes)
}

func TestAdminNodesState(t *testing.T) {
	f := setup(t, 3)
	f.state.Lock()
	f.state.DisableNode(3)
	f.state.Unlock()

	rec := adminGet(t, f.d.AdminHandler(), "/admin/nodes_state")
	require.Equal(t, http.StatusOK, rec.Code)
	nodes := decodeBody[[]nodeState](t, rec)
	require.Len(t, nodes, 3)
	assert.True(t, nodes[0].Enabled)
	assert.False(t, nodes[2].Enabled)
}

func TestAdminPollNode(t *testing.T) {
	f := setup(t, 3)
	h := f.d.AdminHandler()

	rec := adminGet(t, h, "/admin/poll_node?node=2")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, body["online"])

	rec = adminGet(t, h, "/admin/poll_node?node=9")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminDropNode(t *testing.T) {
	f := setup(t, 3)

	rec := adminGet(t, f.d.AdminHandler(), "/admin/drop_node?node=2&drop_slot=true")
	require.Equal(t, http.StatusOK, rec.Code)

	f.state.RLock()
	assert.False(t, f.state.IsEnabled(2))
	f.state.RUnlock()
}

func TestAdminMakeTableLocal(t *testing.T) {
	f := setup(t, 2)
	h := f.d.AdminHandler()

	rec := adminGet(t, h, "/admin/make_table_local?schema=public&name=scratch")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.engine.IsTableLocal("public", "scratch"))

	rec = adminGet(t, h, "/admin/make_table_local?schema=public")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminCSNQueries(t *testing.T) {
	f := setup(t, 1)
	h := f.d.AdminHandler()

	rec := adminGet(t, h, "/admin/csn?xid=12345")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s, err := f.d.Begin(false)
	require.NoError(t, err)
	tx := f.stage(t, s, "zoe", "1")
	commit, err := f.d.TwoPhaseCommit(t.Context(), s, tx)
	require.NoError(t, err)

	rec = adminGet(t, h, fmt.Sprintf("/admin/csn?xid=%d", s.XID))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]uint64](t, rec)
	assert.Equal(t, uint64(commit), body["csn"])

	rec = adminGet(t, h, "/admin/last_csn")
	require.Equal(t, http.StatusOK, rec.Code)
	last := decodeBody[map[string]uint64](t, rec)
	assert.Equal(t, uint64(commit), last["last_csn"])
}

func TestAdminStopStartReplication(t *testing.T) {
	f := setup(t, 2)
	h := f.d.AdminHandler()

	rec := adminGet(t, h, "/admin/stop_replication")
	require.Equal(t, http.StatusOK, rec.Code)
	f.state.RLock()
	assert.Equal(t, cluster.StatusOutOfService, f.state.Status)
	f.state.RUnlock()

	rec = adminGet(t, h, "/admin/start_replication")
	require.Equal(t, http.StatusOK, rec.Code)
	f.state.RLock()
	assert.Equal(t, cluster.StatusRecovery, f.state.Status)
	f.state.RUnlock()
}

func TestAdminAddNodeUpdatesConnInfo(t *testing.T) {
	f := setup(t, 3)

	rec := adminGet(t, f.d.AdminHandler(),
		"/admin/add_node?node=2&conn_string=host%3D10.0.0.5%20port%3D6000")
	require.Equal(t, http.StatusOK, rec.Code)

	f.state.RLock()
	conn := f.state.Node(2).Conn
	f.state.RUnlock()
	assert.Equal(t, "10.0.0.5", conn.Host)
	assert.Equal(t, 6000, conn.ReplPort)
}

func TestAdminInject2PCError(t *testing.T) {
	f := setup(t, 1)
	h := f.d.AdminHandler()

	rec := adminGet(t, h, "/admin/inject_2pc_error?code=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.d.injected(InjectAfterPrepare))

	rec = adminGet(t, h, "/admin/inject_2pc_error?code=7")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminPreparedGIDs(t *testing.T) {
	f := setup(t, 2)

	xid, err := f.d.JoinRemote(txstate.GTID{Node: 2, XID: 91}, 0)
	require.NoError(t, err)
	tx := f.engine.Begin()
	require.NoError(t, f.d.PrepareRemote(xid, "MTM-2-9-1", tx))

	rec := adminGet(t, f.d.AdminHandler(), "/admin/prepared_gids")
	require.Equal(t, http.StatusOK, rec.Code)
	gids := decodeBody[[]string](t, rec)
	assert.Contains(t, gids, "MTM-2-9-1")
}
