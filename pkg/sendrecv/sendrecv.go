// Package sendrecv implements the one wire primitive the SST subsystem
// needs: a length-prefixed byte frame over a plain TCP connection
// ("wire format: 4-byte network-order length prefix
// followed by that many bytes of snapshot payload; length 0 means
// bypass").
package sendrecv

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame so a corrupt or hostile peer can't
// make Recv allocate unbounded memory.
const MaxFrameSize = 1 << 30

// Send writes payload as one length-prefixed frame. A nil or empty
// payload is a valid "bypass" frame: length 0, no body.
func Send(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("sendrecv: write length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("sendrecv: write payload: %w", err)
	}
	return nil
}

// Recv reads one length-prefixed frame. A returned length of 0 with a
// nil error is the bypass frame; the caller must not try to read a
// body for it.
func Recv(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("sendrecv: read length: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, nil
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("sendrecv: frame too large: %d bytes", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("sendrecv: read payload: %w", err)
	}
	return buf, nil
}
