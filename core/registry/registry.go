// Package registry provides the replicated register the cluster
// agrees through: a small linearizable key/value store holding node
// connectivity masks and lock graphs. The production implementation
// runs on raft; an in-memory register backs tests and single node
// deployments.
package registry

import (
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned when a key has never been set.
	ErrNotFound = errors.New("registry: key not found")

	// ErrUnavailable is returned when the register cannot currently
	// reach consensus, e.g. no raft leader. Callers treat the
	// register as down and fall back to safe behavior.
	ErrUnavailable = errors.New("registry: unavailable")
)

// Register is the agreement surface used by membership and deadlock
// detection.
type Register interface {
	// Set publishes a value under key. The write is durable once
	// Set returns.
	Set(key string, value []byte) error

	// Get returns the latest value for key.
	Get(key string) ([]byte, error)
}

// MemRegister is a process local Register.
type MemRegister struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemRegister() *MemRegister {
	return &MemRegister{data: make(map[string][]byte)}
}

func (m *MemRegister) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *MemRegister) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}
