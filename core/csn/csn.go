// Package csn implements the commit sequence number engine: a hybrid
// logical clock producing strictly ascending, microsecond-grained
// timestamps that are comparable across cluster nodes.
package csn

import (
	"sync"
	"time"
)

// CSN is a commit sequence number. CSNs issued by different nodes are
// comparable as bare integers; zero is the invalid sentinel.
type CSN uint64

// Invalid marks an unassigned CSN.
const Invalid CSN = 0

const usecsPerSec = 1_000_000

// Clock issues CSNs. It never rewinds: a forward shift is accumulated
// whenever a remote CSN from the future is observed, so local time can
// only run ahead of the system clock, never behind an observed peer.
type Clock struct {
	mu    sync.Mutex
	shift int64 // microseconds added on top of system time
	last  CSN
}

func NewClock() *Clock {
	return &Clock{}
}

func systemMicros() int64 {
	return time.Now().UnixMicro()
}

// Now returns the current shifted time as a CSN. It does not reserve
// the value; use Assign for that.
func (c *Clock) Now() CSN {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now()
}

func (c *Clock) now() CSN {
	return CSN(systemMicros() + c.shift)
}

// Assign returns a CSN strictly greater than every CSN previously
// assigned by this clock.
func (c *Clock) Assign() CSN {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assign()
}

func (c *Clock) assign() CSN {
	v := c.now()
	if v <= c.last {
		c.last++
		return c.last
	}
	c.last = v
	return v
}

// Sync absorbs a CSN observed from another node. On return every
// subsequent Assign yields a value >= remote. The returned CSN is the
// local value after absorption.
func (c *Clock) Sync(remote CSN) CSN {
	c.mu.Lock()
	defer c.mu.Unlock()
	local := c.assign()
	for local < remote {
		c.shift += int64(remote - local)
		local = c.assign()
	}
	return local
}

// Shift reports the accumulated forward adjustment. Exposed for
// diagnostics and metrics.
func (c *Clock) Shift() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.shift) * time.Microsecond
}

// Last returns the most recently assigned CSN without advancing the clock.
func (c *Clock) Last() CSN {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Time converts a CSN back to wall-clock time for display purposes.
func (v CSN) Time() time.Time {
	return time.UnixMicro(int64(v))
}
