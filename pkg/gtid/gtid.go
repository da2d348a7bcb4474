// Package gtid defines the global transaction id used to order every
// mutation the Store applies: a provider epoch UUID paired with a
// monotonically increasing sequence number.
package gtid

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Undefined is the distinguished GTID used before the Store has ever
// received a view from the provider: an all-zero UUID with seqno -1.
var Undefined = GTID{UUID: uuid.UUID{}, Seqno: -1}

// GTID is the pair (epoch uuid, seqno) assigned by the replication
// provider to every totally-ordered write-set.
type GTID struct {
	UUID  uuid.UUID
	Seqno int64
}

// IsUndefined reports whether g is the Undefined sentinel.
func (g GTID) IsUndefined() bool {
	return g.Seqno < 0 && g.UUID == uuid.UUID{}
}

// Next returns the GTID that continues g's epoch by exactly one seqno.
func (g GTID) Next() GTID {
	return GTID{UUID: g.UUID, Seqno: g.Seqno + 1}
}

// SameEpoch reports whether g and other share the same epoch uuid.
func (g GTID) SameEpoch(other GTID) bool {
	return g.UUID == other.UUID
}

// String renders the wire/log form "<uuid>:<seqno>".
func (g GTID) String() string {
	return fmt.Sprintf("%s:%d", g.UUID, g.Seqno)
}

// Bytes encodes g as a fixed 24-byte record: 16-byte UUID followed by an
// 8-byte big-endian seqno. Used for the read-view prefix of the
// write-set wire format (see pkg/store/writeset.go).
func (g GTID) Bytes() []byte {
	buf := make([]byte, 24)
	copy(buf[:16], g.UUID[:])
	binary.BigEndian.PutUint64(buf[16:], uint64(g.Seqno))
	return buf
}

// ParseBytes decodes a GTID from the 24-byte form produced by Bytes.
func ParseBytes(buf []byte) (GTID, error) {
	if len(buf) != 24 {
		return GTID{}, fmt.Errorf("gtid: need 24 bytes, got %d", len(buf))
	}
	var g GTID
	copy(g.UUID[:], buf[:16])
	g.Seqno = int64(binary.BigEndian.Uint64(buf[16:]))
	return g, nil
}
