// Package store holds the authoritative in-memory cluster state: the
// versioned record array, membership, and GTID, all serialized by one
// lock, together with state-snapshot (de)serialization for SST.
package store

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/repnode/repnode/pkg/gtid"
)

// Store is the versioned record array plus membership and GTID, guarded
// by a single mutex. Long-running or blocking work never happens while
// the lock is held.
type Store struct {
	mu sync.Mutex

	cfg    Config
	opSize int

	records []Record
	members []uuid.UUID
	gtid    gtid.GTID
	caps    Capability

	snapshotHeld bool

	rng *rand.Rand

	readViewFailures uint64 // accessed both under and outside mu; keep atomic
	committedCount   uint64
}

// checksumPeriod is the number of committed seqnos between state
// checksum emissions.
const checksumPeriod = 1 << 20

// context is the transaction state the spec calls a "transaction
// context": an ordered sequence of operations plus the read-view GTID
// captured when the first operation executed.
type context struct {
	readView gtid.GTID
	ops      []Operation
	isApply  bool
}

// Handle is an opaque reference to a transaction context, owned
// exclusively by whichever worker currently holds it. Callers carry
// *Handle through the provider's write-set handle payload instead of an
// integer id.
type Handle struct {
	ctx *context
}

// Open allocates the record array of size cfg.Records, each record
// initialized to {version: undefined, value: index}.
func Open(cfg Config) (*Store, error) {
	if cfg.Records <= 0 {
		return nil, fmt.Errorf("store: records must be > 0, got %d", cfg.Records)
	}
	if cfg.Operations <= 0 {
		cfg.Operations = 1
	}

	opSize := cfg.WSSize / cfg.Operations
	if opSize < cfg.MinOpSize {
		opSize = cfg.MinOpSize
	}

	records := make([]Record, cfg.Records)
	for i := range records {
		records[i] = Record{Version: gtid.Undefined.Seqno, Value: uint32(i)}
	}

	return &Store{
		cfg:     cfg,
		opSize:  opSize,
		records: records,
		gtid:    gtid.Undefined,
		rng:     rand.New(rand.NewSource(randSeed())),
	}, nil
}

// Close releases records, members and any held snapshot.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.members = nil
	s.snapshotHeld = false
	return nil
}

// CurrentGTID returns a consistent copy of the Store's GTID.
func (s *Store) CurrentGTID() gtid.GTID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gtid
}

// Capabilities returns the capability bitmap recorded from the last
// PRIMARY view.
func (s *Store) Capabilities() Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// ReadViewFailures returns the count of commits rejected by local
// read-view verification.
func (s *Store) ReadViewFailures() uint64 {
	return atomic.LoadUint64(&s.readViewFailures)
}

// UpdateMembership applies a PRIMARY view delivered by the provider in
// total order. It either continues the current epoch (same uuid, seqno
// == current+1) or initializes from Undefined; anything else is a fatal
// invariant violation.
func (s *Store) UpdateMembership(v View) error {
	if v.Status != StatusPrimary {
		return fmt.Errorf("store: UpdateMembership called with non-primary view")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.gtid
	switch {
	case cur.IsUndefined():
		// Initializing: incoming uuid is accepted as-is.
	case cur.UUID == v.GTID.UUID && v.GTID.Seqno == cur.Seqno+1:
		// Continuing the current epoch.
	default:
		return invariant(fmt.Sprintf(
			"membership update %s does not continue current gtid %s", v.GTID, cur))
	}

	s.members = append([]uuid.UUID(nil), v.Members...)
	s.caps = v.Capabilities
	s.gtid = v.GTID
	return nil
}

// AcquireState produces a self-describing snapshot buffer (see
// snapshot.go for the wire format) and pins it until ReleaseState. At
// most one snapshot may be held acquired at a time.
func (s *Store) AcquireState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshotHeld {
		return nil, ErrSnapshotHeld
	}
	buf := encodeSnapshot(s.gtid, s.members, s.caps, s.records)
	s.snapshotHeld = true
	return buf, nil
}

// ReleaseState frees the pinned snapshot acquired by AcquireState.
func (s *Store) ReleaseState() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.snapshotHeld {
		return ErrNoSnapshot
	}
	s.snapshotHeld = false
	return nil
}

// InitState parses buf into a new {GTID, membership, records,
// read-view-support} and, unless the parsed GTID is in the past within
// the current epoch, replaces the Store's state atomically.
func (s *Store) InitState(buf []byte) error {
	g, members, caps, records, err := decodeSnapshot(buf)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gtid.SameEpoch(g) && g.Seqno <= s.gtid.Seqno {
		return ErrStaleGTID
	}

	s.gtid = g
	s.members = members
	s.caps = caps
	s.records = records
	return nil
}

// WriteSetPayload returns the serialized form of h's operations plus its
// read-view GTID, in the write-set wire layout used by the transaction
// engine to append ordered data fragments to the provider's write-set.
func (h *Handle) WriteSetPayload() []byte {
	if h.ctx == nil {
		return nil
	}
	return encodeWriteSet(h.ctx.readView, h.ctx.ops)
}

// BeginOrExtendOp allocates h's context on first use, capturing the
// current GTID as the read view, then prepares one operation: a random
// source/destination pair, their current values, and new_value =
// source.value + 1. If either record has been committed past the read
// view's seqno, it returns ErrReadViewMoved and the caller must roll the
// transaction back.
func (s *Store) BeginOrExtendOp(h *Handle) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.ctx == nil {
		h.ctx = &context{readView: s.gtid}
	}

	n := len(s.records)
	src := s.rng.Intn(n)
	dst := s.rng.Intn(n)

	srcRec := s.records[src]
	dstRec := s.records[dst]

	if srcRec.Version > h.ctx.readView.Seqno || dstRec.Version > h.ctx.readView.Seqno {
		return Operation{}, ErrReadViewMoved
	}

	op := Operation{
		Src:      src,
		Dst:      dst,
		SrcValue: srcRec.Value,
		DstValue: dstRec.Value,
		NewValue: srcRec.Value + 1,
		Size:     s.opSize,
	}
	h.ctx.ops = append(h.ctx.ops, op)
	return op, nil
}

// ReadView returns the GTID captured for h's transaction. Valid only
// after the first BeginOrExtendOp or after Apply.
func (h *Handle) ReadView() gtid.GTID {
	if h.ctx == nil {
		return gtid.Undefined
	}
	return h.ctx.readView
}

// Operations returns the operations accumulated so far in h.
func (h *Handle) Operations() []Operation {
	if h.ctx == nil {
		return nil
	}
	return h.ctx.ops
}

// Commit writes every operation in h to the record array under wsGTID,
// which must continue the Store's current GTID by exactly one. Each
// operation's source/destination values are re-verified against the
// live records first. When the provider does not advertise
// snapshot-read-view support, a mismatch rolls the whole transaction
// back and increments ReadViewFailures instead of committing. When the
// provider does advertise support, a mismatch here is a fatal
// invariant: the provider's certification should already have caught
// it.
func (s *Store) Commit(h *Handle, wsGTID gtid.GTID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wsGTID.UUID != s.gtid.UUID || wsGTID.Seqno != s.gtid.Seqno+1 {
		return invariant(fmt.Sprintf("commit gtid %s does not follow current %s", wsGTID, s.gtid))
	}

	if h.ctx != nil {
		for _, op := range h.ctx.ops {
			if s.records[op.Src].Value != op.SrcValue || s.records[op.Dst].Value != op.DstValue {
				if s.caps.Has(CapSnapshotReadView) {
					return invariant("read-view verification failed with snapshot support advertised")
				}
				atomic.AddUint64(&s.readViewFailures, 1)
				h.ctx = nil
				return ErrReadViewMoved
			}
		}
	}

	if h.ctx != nil {
		for _, op := range h.ctx.ops {
			s.records[op.Dst] = Record{Version: wsGTID.Seqno, Value: op.NewValue}
		}
	}

	s.advanceGTID(wsGTID)
	h.ctx = nil
	return nil
}

// UpdateGTID advances the Store's GTID by exactly one without mutating
// any record. Used for write-sets that were totally ordered but failed
// certification or were rolled back after ordering.
func (s *Store) UpdateGTID(wsGTID gtid.GTID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wsGTID.UUID != s.gtid.UUID || wsGTID.Seqno != s.gtid.Seqno+1 {
		return invariant(fmt.Sprintf("update_gtid %s does not follow current %s", wsGTID, s.gtid))
	}
	s.advanceGTID(wsGTID)
	return nil
}

// advanceGTID must be called with mu held.
func (s *Store) advanceGTID(wsGTID gtid.GTID) {
	s.gtid = wsGTID
	s.committedCount++
	if s.committedCount%checksumPeriod == 0 {
		sum := s.checksumLocked()
		logChecksum(s.gtid, sum)
	}
}

// Apply deserializes a remote write-set's read-view GTID and operation
// sequence into a fresh handle. It never touches records.
func (s *Store) Apply(ws []byte) (*Handle, error) {
	readView, ops, err := decodeWriteSet(ws)
	if err != nil {
		return nil, err
	}
	return &Handle{ctx: &context{readView: readView, ops: ops, isApply: true}}, nil
}

// Rollback releases h's context. It never advances the GTID; the caller
// separately calls UpdateGTID if the write-set had already been ordered.
func (s *Store) Rollback(h *Handle) {
	h.ctx = nil
}

// NewHandle returns an empty handle with no attached context, used by
// the slave path when a write-set failed certification before arriving.
func NewHandle() *Handle { return &Handle{} }

func randSeed() int64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return 1
	}
	s := int64(binary.BigEndian.Uint64(b[:]))
	if s < 0 {
		s = -s
	}
	return s
}
