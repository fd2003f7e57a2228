// Package connection provides a thread-safe TCP connection pool keyed
// by remote address. The arbiter uses it for vote channels to peer
// nodes, reusing connections across messages instead of dialing per
// vote.
package connection

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// PooledConn wraps a net.Conn with its owning pool so Close returns
// the connection for reuse instead of tearing it down.
type PooledConn struct {
	net.Conn
	pool *peerPool
}

// Close returns the connection to its pool. Use ForceClose after a
// write error; a connection in an unknown state must not be reused.
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection already released")
	}
	c.pool.put(c.Conn)
	c.pool = nil
	return nil
}

// ForceClose closes the underlying connection and drops it from the
// pool's accounting.
func (c *PooledConn) ForceClose() error {
	if c.pool != nil {
		c.pool.discard()
		c.pool = nil
	}
	return c.Conn.Close()
}

// peerPool holds the connections for one remote address.
type peerPool struct {
	mu       sync.Mutex
	conns    chan net.Conn
	factory  func() (net.Conn, error)
	maxSize  int
	numConns int
	address  string
}

// Manager maintains one peerPool per remote address.
type Manager struct {
	mu      sync.RWMutex
	pools   map[string]*peerPool
	maxSize int
	timeout time.Duration
}

// NewManager creates a pool manager. maxSize bounds open connections
// per peer; timeout applies to new dials.
func NewManager(maxSize int, timeout time.Duration) *Manager {
	return &Manager{
		pools:   make(map[string]*peerPool),
		maxSize: maxSize,
		timeout: timeout,
	}
}

// Get leases a connection to address, dialing if the pool is empty
// and under its size limit.
func (m *Manager) Get(address string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		pool, ok = m.pools[address]
		if !ok {
			pool = &peerPool{
				conns: make(chan net.Conn, m.maxSize),
				factory: func() (net.Conn, error) {
					return net.DialTimeout("tcp", address, m.timeout)
				},
				maxSize: m.maxSize,
				address: address,
			}
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}

	conn, err := pool.get()
	if err != nil {
		return nil, err
	}
	return &PooledConn{Conn: conn, pool: pool}, nil
}

// Drop tears down the pool for address, closing its idle
// connections. Used when a peer is disabled.
func (m *Manager) Drop(address string) {
	m.mu.Lock()
	pool, ok := m.pools[address]
	if ok {
		delete(m.pools, address)
	}
	m.mu.Unlock()
	if ok {
		pool.close()
	}
}

// Close shuts down every pool.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pool := range m.pools {
		pool.close()
	}
	m.pools = make(map[string]*peerPool)
}

func (p *peerPool) get() (net.Conn, error) {
	select {
	case conn := <-p.conns:
		return conn, nil
	default:
		p.mu.Lock()
		if p.numConns < p.maxSize {
			defer p.mu.Unlock()
			conn, err := p.factory()
			if err != nil {
				return nil, err
			}
			p.numConns++
			return conn, nil
		}
		p.mu.Unlock()
		// At capacity, wait for a lease to come back.
		return <-p.conns, nil
	}
}

func (p *peerPool) put(conn net.Conn) {
	if conn == nil {
		return
	}
	select {
	case p.conns <- conn:
	default:
		p.mu.Lock()
		conn.Close()
		p.numConns--
		p.mu.Unlock()
	}
}

func (p *peerPool) discard() {
	p.mu.Lock()
	p.numConns--
	p.mu.Unlock()
}

func (p *peerPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.conns)
	for conn := range p.conns {
		conn.Close()
	}
	p.numConns = 0
}
