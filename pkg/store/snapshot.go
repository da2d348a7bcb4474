package store

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/repnode/repnode/pkg/gtid"
)

// Snapshot wire format, network order throughout:
//
//	<gtid-string>\0                  null-terminated ASCII GTID
//	<u32 members_num>
//	<members_num x 16-byte uuid>
//	<u8 read_view_support>           0 or 1
//	<u32 records_num>
//	<records_num x record>           record = u64 version || u32 value, fixed layout, no padding

func encodeSnapshot(g gtid.GTID, members []uuid.UUID, caps Capability, records []Record) []byte {
	var buf []byte

	buf = append(buf, []byte(g.String())...)
	buf = append(buf, 0)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(members)))
	buf = append(buf, u32[:]...)
	for _, m := range members {
		buf = append(buf, m[:]...)
	}

	if caps.Has(CapSnapshotReadView) {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	binary.BigEndian.PutUint32(u32[:], uint32(len(records)))
	buf = append(buf, u32[:]...)
	for _, r := range records {
		var rec [12]byte
		binary.BigEndian.PutUint64(rec[0:8], uint64(r.Version))
		binary.BigEndian.PutUint32(rec[8:12], r.Value)
		buf = append(buf, rec[:]...)
	}

	return buf
}

func decodeSnapshot(buf []byte) (g gtid.GTID, members []uuid.UUID, caps Capability, records []Record, err error) {
	nul := -1
	for i, b := range buf {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return g, nil, 0, nil, fmt.Errorf("store: snapshot missing gtid terminator")
	}
	g, err = parseGTIDString(string(buf[:nul]))
	if err != nil {
		return g, nil, 0, nil, fmt.Errorf("store: snapshot gtid: %w", err)
	}
	off := nul + 1

	if len(buf) < off+4 {
		return g, nil, 0, nil, fmt.Errorf("store: snapshot truncated before members_num")
	}
	nMembers := int(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4

	need := nMembers * 16
	if len(buf) < off+need {
		return g, nil, 0, nil, fmt.Errorf("store: snapshot truncated in members")
	}
	members = make([]uuid.UUID, nMembers)
	for i := 0; i < nMembers; i++ {
		copy(members[i][:], buf[off:off+16])
		off += 16
	}

	if len(buf) < off+1 {
		return g, nil, 0, nil, fmt.Errorf("store: snapshot truncated before read_view_support")
	}
	if buf[off] != 0 {
		caps |= CapSnapshotReadView
	}
	off++

	if len(buf) < off+4 {
		return g, nil, 0, nil, fmt.Errorf("store: snapshot truncated before records_num")
	}
	nRecords := int(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4

	need = nRecords * 12
	if len(buf) < off+need {
		return g, nil, 0, nil, fmt.Errorf("store: snapshot truncated in records")
	}
	records = make([]Record, nRecords)
	for i := 0; i < nRecords; i++ {
		version := int64(binary.BigEndian.Uint64(buf[off : off+8]))
		value := binary.BigEndian.Uint32(buf[off+8 : off+12])
		records[i] = Record{Version: version, Value: value}
		off += 12
	}

	return g, members, caps, records, nil
}

func parseGTIDString(s string) (gtid.GTID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return gtid.GTID{}, fmt.Errorf("malformed gtid string %q", s)
	}
	u, err := uuid.Parse(parts[0])
	if err != nil {
		return gtid.GTID{}, err
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return gtid.GTID{}, err
	}
	return gtid.GTID{UUID: u, Seqno: seq}, nil
}
