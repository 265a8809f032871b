// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// MaximumFramePayloadSize bounds a single encoded frame, mirroring the
// teacher's fixed MaximumRequestPacketSize/MaximumResponsePacketSize
// read buffers.
const MaximumFramePayloadSize = 1 << 20

// ErrFrameTooLarge is returned by ReadFrame when a declared length
// exceeds MaximumFramePayloadSize.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum payload size")

// WriteFrame writes a 4-byte big-endian length prefix followed by
// payload. No library in the retrieved corpus supplies an outer
// stream-framing layer — polyglot only encodes a single buffer's
// fields, not message boundaries on a shared connection — so this is
// the one place in the module that reaches directly for
// encoding/binary (see DESIGN.md).
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r, reusing buf's
// backing array when it has enough capacity.
func ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaximumFramePayloadSize {
		return nil, ErrFrameTooLarge
	}
	if cap(buf) < int(n) {
		buf = make([]byte, n)
	} else {
		buf = buf[:n]
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
