package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// command is the raft log entry format.
type command struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// kvFSM is the raft state machine behind RaftRegister.
type kvFSM struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newKVFSM() *kvFSM {
	return &kvFSM{data: make(map[string][]byte)}
}

func (f *kvFSM) Apply(entry *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("registry: decode log entry: %w", err)
	}
	switch cmd.Op {
	case "set":
		f.mu.Lock()
		f.data[cmd.Key] = cmd.Value
		f.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("registry: unknown op %q", cmd.Op)
	}
}

func (f *kvFSM) get(key string) ([]byte, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.data[key]
	return v, ok
}

func (f *kvFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cp := make(map[string][]byte, len(f.data))
	for k, v := range f.data {
		cp[k] = v
	}
	return &kvSnapshot{data: cp}, nil
}

func (f *kvFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data := make(map[string][]byte)
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return fmt.Errorf("registry: restore snapshot: %w", err)
	}
	f.mu.Lock()
	f.data = data
	f.mu.Unlock()
	return nil
}

type kvSnapshot struct {
	data map[string][]byte
}

func (s *kvSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *kvSnapshot) Release() {}
