package store

import "errors"

// ErrReadViewMoved is returned by BeginOrExtendOp when a record has been
// committed at a seqno past the transaction's read view. The caller must
// roll the transaction back.
var ErrReadViewMoved = errors.New("store: read view moved")

// ErrSnapshotHeld is returned by AcquireState when a snapshot is already
// acquired and not yet released; at most one snapshot may be held
// without an intervening ReleaseState.
var ErrSnapshotHeld = errors.New("store: snapshot already acquired")

// ErrNoSnapshot is returned by ReleaseState when no snapshot is held.
var ErrNoSnapshot = errors.New("store: no snapshot held")

// ErrStaleGTID is returned by InitState when the incoming snapshot's GTID
// is not ahead of the current one within the same epoch.
var ErrStaleGTID = errors.New("store: snapshot gtid not ahead of current state")

// InvariantViolation marks an error as fatal: a GTID step other than 1,
// a uuid mismatch, or a verification failure when the provider
// advertises snapshot support. The node logs it at fatal level and
// exits; it is never recovered from. A double-acquire of a snapshot is
// reported as ErrSnapshotHeld instead.
type InvariantViolation struct {
	Msg string
}

func (e *InvariantViolation) Error() string { return "store: invariant violation: " + e.Msg }

func invariant(msg string) error { return &InvariantViolation{Msg: msg} }
