package connection

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func acceptLoop(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { defer conn.Close(); io.Copy(io.Discard, conn) }()
		}
	}()
	return ln.Addr().String()
}

func TestGetReusesReleasedConn(t *testing.T) {
	addr := acceptLoop(t)
	m := NewManager(2, time.Second)
	defer m.Close()

	c1, err := m.Get(addr)
	require.NoError(t, err)
	underlying := c1.Conn
	require.NoError(t, c1.Close())

	c2, err := m.Get(addr)
	require.NoError(t, err)
	require.Same(t, underlying, c2.Conn)
	require.NoError(t, c2.Close())
}

func TestForceCloseMakesRoomForRedial(t *testing.T) {
	addr := acceptLoop(t)
	m := NewManager(1, time.Second)
	defer m.Close()

	c1, err := m.Get(addr)
	require.NoError(t, err)
	require.NoError(t, c1.ForceClose())

	done := make(chan struct{})
	go func() {
		defer close(done)
		c2, err := m.Get(addr)
		require.NoError(t, err)
		c2.Close()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool never redialed after ForceClose")
	}
}

func TestGetFailsForUnreachablePeer(t *testing.T) {
	m := NewManager(1, 50*time.Millisecond)
	defer m.Close()
	_, err := m.Get("127.0.0.1:1")
	require.Error(t, err)
}

func TestDoubleCloseErrors(t *testing.T) {
	addr := acceptLoop(t)
	m := NewManager(1, time.Second)
	defer m.Close()

	c, err := m.Get(addr)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.Error(t, c.Close())
}
