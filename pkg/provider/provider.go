// Package provider defines the replication provider contract: the
// boundary between the transaction engine (pkg/txn) and whatever
// actually orders write-sets across the cluster — status codes,
// key/data types, the write-set builder, and the callback set a
// provider drives — plus two concrete implementations: Noop (single
// node, no replication) and Raft (hashicorp/raft as the ordering
// backend).
package provider

import (
	"context"

	"github.com/repnode/repnode/pkg/gtid"
	"github.com/repnode/repnode/pkg/store"
)

// StatusCode is the result of a provider call, spanning both
// certification outcomes and connectivity state.
type StatusCode int

const (
	OK StatusCode = iota
	Warning
	TrxMissing
	TrxFail
	BFAbort
	ConnFail
	NodeFail
	Fatal
	NotImplemented
	NotAllowed
)

func (s StatusCode) String() string {
	switch s {
	case OK:
		return "OK"
	case Warning:
		return "WARNING"
	case TrxMissing:
		return "TRX_MISSING"
	case TrxFail:
		return "TRX_FAIL"
	case BFAbort:
		return "BF_ABORT"
	case ConnFail:
		return "CONN_FAIL"
	case NodeFail:
		return "NODE_FAIL"
	case Fatal:
		return "FATAL"
	case NotImplemented:
		return "NOT_IMPLEMENTED"
	case NotAllowed:
		return "NOT_ALLOWED"
	default:
		return "UNKNOWN"
	}
}

// KeyType classifies an appended key by the access it represents.
type KeyType int

const (
	Shared KeyType = iota
	Reference
	Update
	Exclusive
)

// DataType classifies an appended data fragment.
type DataType int

const (
	Ordered DataType = iota
	Unordered
	Annotation
)

// Flags modify a certify() call. TrxEnd is set on the last (usually
// only) fragment of a transaction; TrxStart marks the first.
type Flags uint8

const (
	TrxStart Flags = 1 << iota
	TrxEnd
	Rollback
	Isolation
)

// Key is one appended key: a dense record index plus the access kind
// taken on it.
type Key struct {
	Index int
	Kind  KeyType
}

// DataFragment is one appended data payload plus its kind. repnode
// appends one ORDERED fragment, the serialized write-set produced by
// store.Handle.WriteSetPayload, preceded by a second ORDERED fragment
// holding the read-view GTID bytes when the provider advertises
// CapSnapshotReadView.
type DataFragment struct {
	Bytes []byte
	Kind  DataType
}

// WriteSet accumulates the keys and data fragments of one in-flight
// transaction before it is handed to Certify. Handle carries the
// store.Handle that owns the transaction's context, threaded through as
// an opaque value: no global transaction table, just a pointer riding
// along with the write-set.
type WriteSet struct {
	Handle any
	Keys   []Key
	Data   []DataFragment
}

// NewWriteSet returns an empty write-set builder.
func NewWriteSet() *WriteSet { return &WriteSet{} }

// AppendKey records one key access.
func (w *WriteSet) AppendKey(index int, kind KeyType) {
	w.Keys = append(w.Keys, Key{Index: index, Kind: kind})
}

// AppendData records one data fragment. The byte slice is not copied;
// callers must not mutate it afterward.
func (w *WriteSet) AppendData(b []byte, kind DataType) {
	w.Data = append(w.Data, DataFragment{Bytes: b, Kind: kind})
}

// Payload concatenates every data fragment's bytes in append order.
// Providers that don't interpret fragment boundaries (Raft included)
// use this as the wire payload.
func (w *WriteSet) Payload() []byte {
	var total int
	for _, d := range w.Data {
		total += len(d.Bytes)
	}
	buf := make([]byte, 0, total)
	for _, d := range w.Data {
		buf = append(buf, d.Bytes...)
	}
	return buf
}

// Callbacks are the node-supplied hooks a provider drives as events
// happen: connected / view / synced / apply / sst_request / sst_donate
// / logger.
type Callbacks struct {
	// Connected fires once the provider has a local state id (before the
	// first view).
	Connected func(stateID string)

	// View fires for every total-order membership change. The node's
	// glue calls store.Store.UpdateMembership when v.Status is Primary.
	View func(v store.View)

	// Synced fires once, when the node transitions into the group's
	// operational state (joined or caught up via SST).
	Synced func()

	// Apply fires for every write-set the provider has ordered on this
	// node but did not originate locally. g is the GTID already assigned
	// to it. exitLoop tells the provider's receive loop to stop (the
	// node is shutting this worker down); err is a soft per-write-set
	// failure, not a reason to stop.
	Apply func(ws []byte, g gtid.GTID) (exitLoop bool, err error)

	// SSTRequest is called when this node needs a full state transfer.
	// It returns the payload a donor needs to reach this node (its
	// rendezvous listen address).
	SSTRequest func() (payload []byte, err error)

	// SSTDonate is called when this node has been selected to donate
	// state to a joiner reachable at joinerAddr.
	SSTDonate func(joinerAddr string) error

	// Logger forwards provider-internal log lines; level is one of
	// "debug", "info", "warn", "error".
	Logger func(level, msg string)
}

// Provider is the replication engine repnode's transaction engine
// drives. One Provider instance belongs to exactly one node.
type Provider interface {
	// Init wires cb into the provider and prepares it to Connect. name
	// identifies this node in provider-level diagnostics.
	Init(name string, cb Callbacks) error

	// Connect joins the group at address. bootstrap is true only for the
	// node forming a brand-new cluster.
	Connect(ctx context.Context, address string, bootstrap bool) error

	// Disconnect leaves the group, unblocking any pending Recv.
	Disconnect() error

	// Recv blocks, dispatching Callbacks.Apply for every write-set this
	// node receives, until Callbacks.Apply requests an exit, the
	// provider disconnects, or ctx is done.
	Recv(ctx context.Context) StatusCode

	// Certify submits ws for total ordering. On OK it returns the GTID
	// assigned to the committed write-set.
	Certify(ctx context.Context, connID int, ws *WriteSet, flags Flags) (gtid.GTID, StatusCode)

	// CommitOrderEnter blocks until it is g's turn to commit locally.
	CommitOrderEnter(ctx context.Context, g gtid.GTID) StatusCode

	// CommitOrderLeave releases the commit-order slot g held. errBuf is
	// non-nil when the local apply/commit failed and the provider needs
	// to know why (it may choose to evict this node from the group).
	CommitOrderLeave(ctx context.Context, g gtid.GTID, errBuf []byte) StatusCode

	// Release frees ws and any certification-side resources it held.
	Release(ws *WriteSet)

	// AssignReadView attaches readView to ws for providers that support
	// snapshot-based certification (Capabilities().Has(CapSnapshotReadView)).
	AssignReadView(ws *WriteSet, readView gtid.GTID) error

	// SSTSent reports the outcome of a donor transfer this node just
	// performed for the write-set ordered at g.
	SSTSent(g gtid.GTID, status StatusCode) error

	// SSTReceived reports the outcome of a joiner transfer this node
	// just completed, ordered at g.
	SSTReceived(g gtid.GTID, status StatusCode) error

	// Capabilities returns the bitmap most recently delivered in a view.
	Capabilities() store.Capability

	// CurrentView returns the last view delivered, zero value before the
	// first one.
	CurrentView() store.View

	// WaitSynced blocks until Callbacks.Synced has fired, the provider
	// disconnects, or ctx is done.
	WaitSynced(ctx context.Context) error

	// StatsGet returns a snapshot of provider-internal counters for
	// diagnostics.
	StatsGet() map[string]string

	// Free releases any resources held by the provider. Idempotent.
	Free() error
}
