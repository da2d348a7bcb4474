package store

import (
	"github.com/google/uuid"
	"github.com/repnode/repnode/pkg/gtid"
)

// ViewStatus is the cluster membership status delivered by the provider's
// view callback.
type ViewStatus int

const (
	StatusNonPrimary ViewStatus = iota
	StatusPrimary
	StatusDisconnected
)

func (s ViewStatus) String() string {
	switch s {
	case StatusPrimary:
		return "PRIMARY"
	case StatusDisconnected:
		return "DISCONNECTED"
	default:
		return "NON-PRIMARY"
	}
}

// Capability is a bitmap of optional features the provider advertises in
// a View. The only bit the core cares about is snapshot-read-view
// support, which shifts read-view verification from the Store to the
// provider's own certification.
type Capability uint32

const (
	CapSnapshotReadView Capability = 1 << iota
)

// Has reports whether cap includes bit.
func (c Capability) Has(bit Capability) bool { return c&bit != 0 }

// View is the cluster's membership, state-id and status as delivered by
// the provider in total order.
type View struct {
	Members      []uuid.UUID
	GTID         gtid.GTID
	Status       ViewStatus
	Capabilities Capability
	ProtoVersion int
	OwnIndex     int
}

// Record is a fixed-size entity addressed by dense integer index.
// Version is the seqno of the transaction that last committed it;
// gtid.Undefined.Seqno (-1) means "never committed."
type Record struct {
	Version int64
	Value   uint32
}

// Config configures a freshly opened Store.
type Config struct {
	// Records is the fixed number of records N in [0, N).
	Records int
	// WSSize is the desired write-set footprint in bytes (lower bound);
	// used only to compute the per-operation nominal padding size.
	WSSize int
	// Operations is the number of operations per local transaction.
	Operations int
	// MinOpSize floors the per-operation nominal size.
	MinOpSize int
}

// Operation is one "copy one record's value into another, incremented"
// mutation captured by the transaction engine against a read view.
type Operation struct {
	Src, Dst           int
	SrcValue, DstValue uint32
	NewValue           uint32
	// Size is the nominal serialized size used as write-set padding.
	Size int
}
