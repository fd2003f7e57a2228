package dcc

import (
	"context"
	"errors"

	"github.com/Charles-Schleich/postgres-cluster/core/host"
)

var (
	// ErrClusterNotReady rejects new transactions while this node is
	// not ONLINE.
	ErrClusterNotReady = errors.New("dcc: cluster not ready to accept transactions")

	// ErrQuorumLost rejects new transactions while this node sits in a
	// minority partition.
	ErrQuorumLost = errors.New("dcc: node is in minority, writes rejected")

	// ErrVotingTimeout aborts a coordinator transaction whose
	// participants did not all answer in time.
	ErrVotingTimeout = errors.New("dcc: transaction aborted, voting timed out")

	// ErrEpochChanged aborts a coordinator transaction because the
	// cluster membership changed while votes were outstanding.
	ErrEpochChanged = errors.New("dcc: transaction aborted, cluster membership changed during voting")

	// ErrAbortedByVoting is returned when a participant rejected the
	// prepared transaction.
	ErrAbortedByVoting = errors.New("dcc: transaction aborted by voting")

	// ErrGIDTooLong reports a generated GID over the host's length limit.
	ErrGIDTooLong = errors.New("dcc: generated GID exceeds maximum length")

	// ErrInjectedFailure is the synthetic error produced by the 2PC
	// error injection test hook.
	ErrInjectedFailure = errors.New("dcc: injected 2PC failure")
)

// ClassifyApplyError reports whether an apply worker error is fatal
// for the node. Row conflicts abort a single transaction and the
// worker has already voted; a broken stream or an engine level
// failure means this node can no longer stay consistent with its
// peers.
func ClassifyApplyError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, host.ErrTupleConflict), errors.Is(err, host.ErrTupleNotFound):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}
