package messaging

import (
	"sync"

	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
)

// Outgoing is a vote message queued for a destination node.
type Outgoing struct {
	Dst txstate.NodeID
	Msg VoteMessage
}

// Bus is the queue between commit paths and the arbiter sender.
// Enqueueing never blocks; the semaphore is signalled only on the
// empty to non-empty transition so a burst of sends wakes the sender
// once.
type Bus struct {
	mu    sync.Mutex
	queue []Outgoing
	sem   chan struct{}
}

func NewBus() *Bus {
	return &Bus{sem: make(chan struct{}, 1)}
}

// Send queues a message for dst.
func (b *Bus) Send(dst txstate.NodeID, msg VoteMessage) {
	b.mu.Lock()
	wasEmpty := len(b.queue) == 0
	b.queue = append(b.queue, Outgoing{Dst: dst, Msg: msg})
	b.mu.Unlock()
	if wasEmpty {
		select {
		case b.sem <- struct{}{}:
		default:
		}
	}
}

// Broadcast queues a message for every node in nodes except self.
func (b *Bus) Broadcast(nodes []txstate.NodeID, self txstate.NodeID, msg VoteMessage) {
	for _, n := range nodes {
		if n != self {
			b.Send(n, msg)
		}
	}
}

// Wait returns a channel that receives when the queue transitions
// from empty to non-empty.
func (b *Bus) Wait() <-chan struct{} { return b.sem }

// Drain takes the whole queue.
func (b *Bus) Drain() []Outgoing {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue
	b.queue = nil
	return q
}

// Len returns the queued message count.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
