package messaging

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
	"github.com/Charles-Schleich/postgres-cluster/pkg/connection"
)

const (
	sendTimeout = 5 * time.Second
	// idleWake bounds how long the sender sleeps without a signal, so
	// a missed edge never stalls the queue for long.
	idleWake = time.Second
)

// AddrFunc resolves a node id to its arbiter listen address.
type AddrFunc func(txstate.NodeID) string

// Sender drains the bus and transmits votes over pooled TCP
// connections, one length-prefixed frame per message.
type Sender struct {
	log  *zap.Logger
	bus  *Bus
	pool *connection.Manager
	addr AddrFunc
}

func NewSender(log *zap.Logger, bus *Bus, pool *connection.Manager, addr AddrFunc) *Sender {
	return &Sender{log: log, bus: bus, pool: pool, addr: addr}
}

// Run transmits until ctx is cancelled. Messages to unreachable peers
// are dropped; the commit protocol recovers through vote timeouts and
// the membership watchdog.
func (s *Sender) Run(ctx context.Context) {
	ticker := time.NewTicker(idleWake)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.bus.Wait():
		case <-ticker.C:
		}
		for _, out := range s.bus.Drain() {
			if err := s.transmit(out); err != nil {
				s.log.Warn("vote send failed",
					zap.Int("dst", int(out.Dst)),
					zap.Stringer("code", out.Msg.Code),
					zap.Error(err))
			}
		}
	}
}

func (s *Sender) transmit(out Outgoing) error {
	conn, err := s.pool.Get(s.addr(out.Dst))
	if err != nil {
		return err
	}
	payload := out.Msg.Encode()
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	if _, err := conn.Write(frame); err != nil {
		conn.ForceClose()
		return err
	}
	return conn.Close()
}

// Handler consumes decoded vote messages.
type Handler interface {
	HandleVote(msg VoteMessage)
}

// Listener accepts arbiter connections and feeds decoded votes to a
// handler.
type Listener struct {
	log     *zap.Logger
	ln      net.Listener
	handler Handler
}

func NewListener(log *zap.Logger, bind string, handler Handler) (*Listener, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("messaging: listen %s: %w", bind, err)
	}
	return &Listener{log: log, ln: ln, handler: handler}, nil
}

// Addr returns the bound listen address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Run accepts connections until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Warn("arbiter accept failed", zap.Error(err))
			continue
		}
		go l.serve(ctx, conn)
	}
}

func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	var lenBuf [4]byte
	for ctx.Err() == nil {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			if err != io.EOF {
				l.log.Debug("arbiter connection closed", zap.Error(err))
			}
			return
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		if size != voteWireSize {
			l.log.Warn("malformed vote frame", zap.Uint32("size", size))
			return
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		msg, err := DecodeVote(payload)
		if err != nil {
			l.log.Warn("undecodable vote", zap.Error(err))
			return
		}
		l.handler.HandleVote(msg)
	}
}
