package dcc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Charles-Schleich/postgres-cluster/core/cluster"
	"github.com/Charles-Schleich/postgres-cluster/core/csn"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

// AdminHandler exposes the operator surface over HTTP JSON.
func (d *DCC) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/start_replication", d.handleStartReplication)
	mux.HandleFunc("/admin/stop_replication", d.handleStopReplication)
	mux.HandleFunc("/admin/add_node", d.handleAddNode)
	mux.HandleFunc("/admin/drop_node", d.handleDropNode)
	mux.HandleFunc("/admin/recover_node", d.handleRecoverNode)
	mux.HandleFunc("/admin/poll_node", d.handlePollNode)
	mux.HandleFunc("/admin/snapshot", d.handleSnapshot)
	mux.HandleFunc("/admin/csn", d.handleCSN)
	mux.HandleFunc("/admin/last_csn", d.handleLastCSN)
	mux.HandleFunc("/admin/nodes_state", d.handleNodesState)
	mux.HandleFunc("/admin/cluster_state", d.handleClusterState)
	mux.HandleFunc("/admin/cluster_info", d.handleClusterInfo)
	mux.HandleFunc("/admin/make_table_local", d.handleMakeTableLocal)
	mux.HandleFunc("/admin/prepared_gids", d.handlePreparedGIDs)
	mux.HandleFunc("/admin/lock_graph", d.handleLockGraph)
	mux.HandleFunc("/admin/inject_2pc_error", d.handleInject2PCError)
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// nodeParam parses the mandatory ?node= query argument.
func (d *DCC) nodeParam(r *http.Request) (txstate.NodeID, error) {
	raw := r.URL.Query().Get("node")
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("bad node id %q", raw)
	}
	d.state.RLock()
	defer d.state.RUnlock()
	if d.state.Node(txstate.NodeID(id)) == nil {
		return 0, fmt.Errorf("node %d not in roster", id)
	}
	return txstate.NodeID(id), nil
}

func (d *DCC) handleStartReplication(w http.ResponseWriter, r *http.Request) {
	d.state.Lock()
	if d.state.Status == cluster.StatusOutOfService {
		d.state.SetStatus(cluster.StatusRecovery)
	}
	status := d.state.Status
	d.state.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": status.String()})
}

func (d *DCC) handleStopReplication(w http.ResponseWriter, r *http.Request) {
	d.state.Lock()
	d.state.SetStatus(cluster.StatusOutOfService)
	d.state.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": cluster.StatusOutOfService.String()})
}

// handleAddNode updates a roster entry's connection info. The roster
// size is fixed at configuration time; "adding" a node means pointing
// its slot at a new address.
func (d *DCC) handleAddNode(w http.ResponseWriter, r *http.Request) {
	node, err := d.nodeParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	conn, err := cluster.ParseConnString(r.URL.Query().Get("conn_string"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	d.state.Lock()
	d.state.Node(node).Conn = conn
	d.state.Unlock()
	d.log.Info("node connection info updated", zap.Int("node", int(node)))
	writeJSON(w, http.StatusOK, map[string]any{"node": node, "host": conn.Host})
}

func (d *DCC) handleDropNode(w http.ResponseWriter, r *http.Request) {
	node, err := d.nodeParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	d.state.Lock()
	d.state.DisableNode(node)
	d.state.Unlock()
	if r.URL.Query().Get("drop_slot") == "true" {
		if err := d.engine.DropSlot(node); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"node": node, "dropped": true})
}

// handleRecoverNode re-seeds the replication slot for a peer whose
// slot was dropped, letting it recover through this node again.
func (d *DCC) handleRecoverNode(w http.ResponseWriter, r *http.Request) {
	node, err := d.nodeParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := d.engine.CreateSlot(node); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	d.state.Lock()
	d.state.Node(node).SlotDropped = false
	d.state.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"node": node, "slot_created": true})
}

func (d *DCC) handlePollNode(w http.ResponseWriter, r *http.Request) {
	node, err := d.nodeParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	d.state.RLock()
	online := d.state.IsEnabled(node)
	if node == d.state.SelfID {
		online = d.state.Status == cluster.StatusOnline
	}
	d.state.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"node": node, "online": online})
}

func (d *DCC) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"snapshot_csn": d.clock.Now()})
}

func (d *DCC) handleCSN(w http.ResponseWriter, r *http.Request) {
	xid, err := strconv.ParseUint(r.URL.Query().Get("xid"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad xid: %w", err))
		return
	}
	v := d.state.Txns.CommitCSNOf(txstate.XID(xid))
	if v == csn.Invalid {
		writeError(w, http.StatusNotFound, fmt.Errorf("no commit csn recorded for xid %d", xid))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"xid": xid, "csn": v})
}

func (d *DCC) handleLastCSN(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"last_csn": d.LastCSN()})
}

// nodeState is the JSON shape of one roster entry.
type nodeState struct {
	ID               int       `json:"id"`
	Host             string    `json:"host"`
	Enabled          bool      `json:"enabled"`
	LastHeartbeat    time.Time `json:"last_heartbeat,omitempty"`
	ConnectivityMask uint64    `json:"connectivity_mask"`
	OldestSnapshot   uint64    `json:"oldest_snapshot"`
	FlushPos         uint64    `json:"flush_pos"`
	SlotDropped      bool      `json:"slot_dropped"`
}

func (d *DCC) handleNodesState(w http.ResponseWriter, r *http.Request) {
	d.state.RLock()
	out := make([]nodeState, 0, len(d.state.Nodes))
	for _, n := range d.state.Nodes {
		out = append(out, nodeState{
			ID:               int(n.ID),
			Host:             n.Conn.Host,
			Enabled:          d.state.IsEnabled(n.ID),
			LastHeartbeat:    n.LastHeartbeat,
			ConnectivityMask: uint64(n.ConnectivityMask),
			OldestSnapshot:   uint64(n.OldestSnapshot),
			FlushPos:         n.FlushPos,
			SlotDropped:      n.SlotDropped,
		})
	}
	d.state.RUnlock()
	writeJSON(w, http.StatusOK, out)
}

// clusterState is the JSON shape of this node's cluster view.
type clusterState struct {
	Node           int    `json:"node"`
	Status         string `json:"status"`
	DisabledMask   uint64 `json:"disabled_mask"`
	NodeLockerMask uint64 `json:"node_locker_mask"`
	LiveNodes      int    `json:"live_nodes"`
	AllNodes       int    `json:"all_nodes"`
	ActiveTxns     int    `json:"active_transactions"`
	ConfigChanges  int    `json:"config_changes"`
	RecoverySlot   int    `json:"recovery_slot"`
	DonorNode      int    `json:"donor_node"`
	RecoveryCount  int    `json:"recovery_count"`
	LastCSN        uint64 `json:"last_csn"`
	ClockShift     string `json:"clock_shift"`
}

func (d *DCC) clusterStateSnapshot() clusterState {
	d.state.RLock()
	defer d.state.RUnlock()
	return clusterState{
		Node:           int(d.state.SelfID),
		Status:         d.state.Status.String(),
		DisabledMask:   uint64(d.state.DisabledMask),
		NodeLockerMask: uint64(d.state.NodeLockerMask),
		LiveNodes:      d.state.NLiveNodes,
		AllNodes:       d.state.NAllNodes(),
		ActiveTxns:     d.state.NActiveTransactions,
		ConfigChanges:  d.state.NConfigChanges,
		RecoverySlot:   int(d.state.RecoverySlot),
		DonorNode:      int(d.state.DonorNodeID),
		RecoveryCount:  d.state.RecoveryCount,
		LastCSN:        uint64(d.lastCSN),
		ClockShift:     d.clock.Shift().String(),
	}
}

func (d *DCC) handleClusterState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.clusterStateSnapshot())
}

// handleClusterInfo aggregates every reachable peer's cluster state
// alongside our own.
func (d *DCC) handleClusterInfo(w http.ResponseWriter, r *http.Request) {
	info := []clusterState{d.clusterStateSnapshot()}

	d.state.RLock()
	type peer struct {
		id   txstate.NodeID
		addr string
	}
	var peers []peer
	for _, n := range d.state.Nodes {
		if n.ID != d.state.SelfID {
			peers = append(peers, peer{id: n.ID, addr: n.Conn.HTTPAddr()})
		}
	}
	d.state.RUnlock()

	for _, p := range peers {
		var cs clusterState
		if err := d.getJSON(fmt.Sprintf("http://%s/admin/cluster_state", p.addr), &cs); err != nil {
			d.log.Debug("peer cluster state unavailable",
				zap.Int("node", int(p.id)), zap.Error(err))
			continue
		}
		info = append(info, cs)
	}
	writeJSON(w, http.StatusOK, info)
}

func (d *DCC) getJSON(url string, v any) error {
	resp, err := d.client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (d *DCC) handleMakeTableLocal(w http.ResponseWriter, r *http.Request) {
	schema := r.URL.Query().Get("schema")
	name := r.URL.Query().Get("name")
	if schema == "" || name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("schema and name are required"))
		return
	}
	if err := d.engine.MakeTableLocal(schema, name); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"schema": schema, "name": name})
}

func (d *DCC) handlePreparedGIDs(w http.ResponseWriter, r *http.Request) {
	d.state.RLock()
	gids := d.state.Txns.PreparedGIDs()
	d.state.RUnlock()
	writeJSON(w, http.StatusOK, gids)
}

func (d *DCC) handleLockGraph(w http.ResponseWriter, r *http.Request) {
	if d.det == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("deadlock detector not configured"))
		return
	}
	dump, err := d.det.DumpGraph()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(dump))
}

func (d *DCC) handleInject2PCError(w http.ResponseWriter, r *http.Request) {
	point, err := strconv.Atoi(r.URL.Query().Get("code"))
	if err != nil || point < InjectNone || point > InjectAfterCommit {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad injection point"))
		return
	}
	d.Inject2PCError(point)
	writeJSON(w, http.StatusOK, map[string]int{"injected": point})
}
