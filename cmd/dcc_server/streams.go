package main

import (
	"crypto/tls"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Charles-Schleich/postgres-cluster/core/cluster"
	"github.com/Charles-Schleich/postgres-cluster/core/replication/stream"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

// peerStreams fans replication frames out to per-peer HTTP/3 senders.
// Each sender posts to the peer's receiver under this node's id, so
// the peer demultiplexes one ordered stream per origin. Senders are
// created on first use; a sender that exhausts its retries disables
// the peer.
type peerStreams struct {
	log      *zap.Logger
	state    *cluster.State
	tls      *tls.Config
	self     txstate.NodeID
	peers    []cluster.ConnInfo
	mu       sync.Mutex
	senders  map[txstate.NodeID]*stream.Sender
	shutdown bool
}

func newPeerStreams(log *zap.Logger, state *cluster.State, tlsCfg *tls.Config, self txstate.NodeID, peers []cluster.ConnInfo) *peerStreams {
	return &peerStreams{
		log:     log,
		state:   state,
		tls:     tlsCfg,
		self:    self,
		peers:   peers,
		senders: make(map[txstate.NodeID]*stream.Sender),
	}
}

// Send queues one frame for the peer, establishing its stream first
// if needed.
func (p *peerStreams) Send(dst txstate.NodeID, frame []byte) error {
	s, err := p.sender(dst)
	if err != nil {
		return err
	}
	return s.Send(frame)
}

func (p *peerStreams) sender(dst txstate.NodeID) (*stream.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return nil, fmt.Errorf("stream: senders closed")
	}
	if s, ok := p.senders[dst]; ok {
		return s, nil
	}
	if int(dst) < 1 || int(dst) > len(p.peers) {
		return nil, fmt.Errorf("stream: no such peer %d", dst)
	}
	s, err := stream.NewSender(p.log, stream.SenderConfig{
		Addr:    p.peers[dst-1].ReplAddr(),
		URLPath: fmt.Sprintf("%s/%d", stream.DefaultPath, p.self),
		TLS:     p.tls,
	})
	if err != nil {
		return nil, err
	}
	s.OnFatal = func(err error) {
		p.log.Error("peer stream lost, disabling peer",
			zap.Int("peer", int(dst)), zap.Error(err))
		p.state.Lock()
		p.state.DisableNode(dst)
		p.state.Unlock()
		// Close waits for the sender goroutines, one of which is the
		// caller of OnFatal.
		go p.drop(dst)
	}
	p.senders[dst] = s
	return s, nil
}

func (p *peerStreams) drop(dst txstate.NodeID) {
	p.mu.Lock()
	s := p.senders[dst]
	delete(p.senders, dst)
	p.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// Close stops every sender after draining its queue.
func (p *peerStreams) Close() {
	p.mu.Lock()
	p.shutdown = true
	senders := make([]*stream.Sender, 0, len(p.senders))
	for id, s := range p.senders {
		senders = append(senders, s)
		delete(p.senders, id)
	}
	p.mu.Unlock()
	for _, s := range senders {
		s.Close()
	}
}
