package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

const (
	raftMaxPool      = 3
	raftTimeout      = 10 * time.Second
	snapshotsRetained = 2
)

// RaftServer describes one member of the register's consensus group.
type RaftServer struct {
	ID       string
	RaftAddr string
	HTTPAddr string
}

// RaftConfig configures a RaftRegister.
type RaftConfig struct {
	NodeID       string
	BindAddr     string
	DataDir      string
	Bootstrap    bool
	Servers      []RaftServer
	ApplyTimeout time.Duration
}

// RaftRegister implements Register on a raft replicated state
// machine. Writes from followers are forwarded to the leader over
// HTTP; reads are served from the local state machine.
type RaftRegister struct {
	log          *zap.Logger
	raft         *raft.Raft
	fsm          *kvFSM
	servers      []RaftServer
	client       *http.Client
	applyTimeout time.Duration
}

// NewRaftRegister opens the raft stores under cfg.DataDir, starts the
// transport and, when cfg.Bootstrap is set, bootstraps the cluster
// from cfg.Servers.
func NewRaftRegister(log *zap.Logger, cfg RaftConfig) (*RaftRegister, error) {
	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(cfg.NodeID)
	rc.Logger = newRaftLogger(log)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("registry: resolve raft bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, raftMaxPool, raftTimeout, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("registry: raft transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, snapshotsRetained, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("registry: snapshot store: %w", err)
	}
	boltStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "register.db"))
	if err != nil {
		return nil, fmt.Errorf("registry: log store: %w", err)
	}

	fsm := newKVFSM()
	r, err := raft.NewRaft(rc, fsm, boltStore, boltStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("registry: start raft: %w", err)
	}

	if cfg.Bootstrap {
		var servers []raft.Server
		for _, s := range cfg.Servers {
			servers = append(servers, raft.Server{
				ID:      raft.ServerID(s.ID),
				Address: raft.ServerAddress(s.RaftAddr),
			})
		}
		f := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := f.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("registry: bootstrap: %w", err)
		}
	}

	timeout := cfg.ApplyTimeout
	if timeout == 0 {
		timeout = raftTimeout
	}
	return &RaftRegister{
		log:          log,
		raft:         r,
		fsm:          fsm,
		servers:      cfg.Servers,
		client:       &http.Client{Timeout: timeout},
		applyTimeout: timeout,
	}, nil
}

func (r *RaftRegister) Set(key string, value []byte) error {
	if r.raft.State() != raft.Leader {
		return r.forwardSet(key, value)
	}
	data, err := json.Marshal(command{Op: "set", Key: key, Value: value})
	if err != nil {
		return err
	}
	f := r.raft.Apply(data, r.applyTimeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp, ok := f.Response().(error); ok && resp != nil {
		return resp
	}
	return nil
}

func (r *RaftRegister) Get(key string) ([]byte, error) {
	v, ok := r.fsm.get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// LeaderHTTPAddr returns the HTTP address of the current leader, or
// an empty string when there is none.
func (r *RaftRegister) LeaderHTTPAddr() string {
	_, id := r.raft.LeaderWithID()
	for _, s := range r.servers {
		if raft.ServerID(s.ID) == id {
			return s.HTTPAddr
		}
	}
	return ""
}

func (r *RaftRegister) forwardSet(key string, value []byte) error {
	leader := r.LeaderHTTPAddr()
	if leader == "" {
		return fmt.Errorf("%w: no raft leader", ErrUnavailable)
	}
	body, err := json.Marshal(setRequest{Key: key, Value: value})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s/registry/set", leader)
	resp, err := r.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: forward to leader: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: leader returned %s", ErrUnavailable, resp.Status)
	}
	return nil
}

type setRequest struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Handler serves forwarded register writes. Mount it on the node's
// HTTP listener at /registry/set.
func (r *RaftRegister) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var sr setRequest
		if err := json.NewDecoder(req.Body).Decode(&sr); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := r.Set(sr.Key, sr.Value); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Shutdown stops the raft node.
func (r *RaftRegister) Shutdown() error {
	return r.raft.Shutdown().Error()
}
