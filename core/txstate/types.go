// Package txstate tracks the per-transaction replication state of a
// cluster node: the XID-keyed transaction table, the GID table for
// prepared transactions, the age-ordered garbage collection list and
// the cross-node MVCC visibility check.
package txstate

import (
	"fmt"
)

// XID is a node-local transaction identifier.
type XID uint64

// InvalidXID marks an unassigned transaction identifier.
const InvalidXID XID = 0

// NodeID is a 1-based cluster node identifier. The cluster-wide cap is
// 64 so that node sets fit in a single mask word.
type NodeID int

// GTID identifies a distributed transaction at its coordinator.
type GTID struct {
	Node NodeID
	XID  XID
}

func (g GTID) Valid() bool { return g.XID != InvalidXID }

func (g GTID) String() string { return fmt.Sprintf("%d:%d", g.Node, g.XID) }

// Status of a transaction as seen by the commit coordinator.
// StatusUnknown means prepared and awaiting the global verdict.
type Status uint8

const (
	StatusInProgress Status = iota
	StatusUnknown
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in-progress"
	case StatusUnknown:
		return "unknown"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// CanAdvance reports whether a transition from s to next respects the
// monotone order IN_PROGRESS -> UNKNOWN -> {COMMITTED, ABORTED}.
// Terminal states only admit themselves; aborting is allowed from any
// non-terminal state.
func (s Status) CanAdvance(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusInProgress:
		return true
	case StatusUnknown:
		return next == StatusCommitted || next == StatusAborted
	default:
		return false
	}
}

// MsgCode is the kind of a voting notification sent between a
// participant and the coordinator of a distributed transaction.
type MsgCode uint8

const (
	MsgInvalid MsgCode = iota
	MsgReady
	MsgAborted
)

func (c MsgCode) String() string {
	switch c {
	case MsgReady:
		return "READY"
	case MsgAborted:
		return "ABORTED"
	default:
		return "INVALID"
	}
}

// MaxGIDLength bounds the global identifier string carried by the
// two-phase commit machinery.
const MaxGIDLength = 32
