package store

import (
	"hash/fnv"

	"github.com/repnode/repnode/pkg/gtid"
	"github.com/repnode/repnode/pkg/log"
)

// Checksum computes the FNV-1a hash over (members, records, gtid) for
// cheap cross-node divergence detection. It is safe to call at any
// time, not only on the periodic boundary.
func (s *Store) Checksum() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checksumLocked()
}

// checksumLocked must be called with mu held.
func (s *Store) checksumLocked() uint32 {
	h := fnv.New32a()
	for _, m := range s.members {
		_, _ = h.Write(m[:])
	}
	for _, r := range s.records {
		_, _ = h.Write(encodeChecksumRecord(r))
	}
	_, _ = h.Write(s.gtid.Bytes())
	return h.Sum32()
}

func encodeChecksumRecord(r Record) []byte {
	g := gtid.GTID{Seqno: r.Version}
	buf := g.Bytes()[16:] // reuse the 8-byte big-endian seqno encoding
	var val [4]byte
	val[0] = byte(r.Value >> 24)
	val[1] = byte(r.Value >> 16)
	val[2] = byte(r.Value >> 8)
	val[3] = byte(r.Value)
	return append(buf, val[:]...)
}

// logChecksum emits the periodic cross-node divergence line.
func logChecksum(g gtid.GTID, sum uint32) {
	log.WithComponent("store").Info().
		Str("gtid", g.String()).
		Uint32("checksum", sum).
		Msg("state checksum")
}

// Snapshot returns a cheap read-only summary for the statistics line and
// introspection, distinct from AcquireState/ReleaseState which is
// reserved for SST.
func (s *Store) Snapshot() (membersCount int, recordCount int, current gtid.GTID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members), len(s.records), s.gtid
}
