package store

import (
	"encoding/binary"
	"fmt"

	"github.com/repnode/repnode/pkg/gtid"
)

// opFixedFields is the encoded width of an Operation's five u32 fields:
// src, dst, src_value, dst_value, new_value.
const opFixedFields = 20

// encodeWriteSet renders the prefix (read-view GTID) followed by a
// record count and per-record stride, then the concatenation of
// serialized operations padded to that stride: each operation carries a
// nominal serialized size used as padding to reach a configured
// write-set footprint.
func encodeWriteSet(readView gtid.GTID, ops []Operation) []byte {
	stride := opFixedFields
	if len(ops) > 0 && ops[0].Size > stride {
		stride = ops[0].Size
	}

	buf := append([]byte(nil), readView.Bytes()...)
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(ops)))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(stride))
	buf = append(buf, hdr[:]...)

	for _, op := range ops {
		buf = append(buf, encodeOp(op, stride)...)
	}
	return buf
}

func encodeOp(op Operation, stride int) []byte {
	rec := make([]byte, stride)
	binary.BigEndian.PutUint32(rec[0:4], uint32(op.Src))
	binary.BigEndian.PutUint32(rec[4:8], uint32(op.Dst))
	binary.BigEndian.PutUint32(rec[8:12], op.SrcValue)
	binary.BigEndian.PutUint32(rec[12:16], op.DstValue)
	binary.BigEndian.PutUint32(rec[16:20], op.NewValue)
	return rec
}

// decodeWriteSet is the inverse of encodeWriteSet.
func decodeWriteSet(buf []byte) (gtid.GTID, []Operation, error) {
	if len(buf) < 32 {
		return gtid.GTID{}, nil, fmt.Errorf("store: write-set too short for header")
	}
	readView, err := gtid.ParseBytes(buf[:24])
	if err != nil {
		return gtid.GTID{}, nil, err
	}
	count := int(binary.BigEndian.Uint32(buf[24:28]))
	stride := int(binary.BigEndian.Uint32(buf[28:32]))
	if stride < opFixedFields {
		return gtid.GTID{}, nil, fmt.Errorf("store: write-set stride %d smaller than minimum", stride)
	}

	rest := buf[32:]
	if len(rest) != count*stride {
		return gtid.GTID{}, nil, fmt.Errorf(
			"store: write-set body %d bytes does not match count=%d stride=%d", len(rest), count, stride)
	}

	ops := make([]Operation, 0, count)
	for i := 0; i < count; i++ {
		rec := rest[i*stride : (i+1)*stride]
		ops = append(ops, Operation{
			Src:      int(binary.BigEndian.Uint32(rec[0:4])),
			Dst:      int(binary.BigEndian.Uint32(rec[4:8])),
			SrcValue: binary.BigEndian.Uint32(rec[8:12]),
			DstValue: binary.BigEndian.Uint32(rec[12:16]),
			NewValue: binary.BigEndian.Uint32(rec[16:20]),
			Size:     stride,
		})
	}
	return readView, ops, nil
}
