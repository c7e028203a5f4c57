package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteFrame builds and writes one frame to w in a single call.
// Mirrors the teacher stack's WritePacket: header fields are computed
// in-process, Build does the checksum/encryption work, and the whole
// frame is written in one Write call so a partial frame is never observed
// by the peer.
func WriteFrame(w io.Writer, c *Cipher, seq uint32, typ Type, payload []byte) error {
	frame, err := Build(c, seq, typ, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("protocol: writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r: first the fixed-size header
// (to learn the payload length), then the payload and trailing checksum.
// Returns ErrShortFrame if r is closed mid-header/mid-body (io.EOF /
// io.ErrUnexpectedEOF from the underlying reader are folded into it so
// callers have one error to treat as peer-gone).
func ReadFrame(r io.Reader, c *Cipher) (seq uint32, typ Type, payload []byte, err error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, 0, nil, ErrShortFrame
	}

	declaredLen := int(binary.BigEndian.Uint16(header[5:7]))
	if declaredLen > MaxPayloadSize {
		return 0, 0, nil, ErrLengthMismatch
	}

	rest := make([]byte, declaredLen+checksumSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return 0, 0, nil, ErrShortFrame
	}

	frame := make([]byte, 0, headerSize+len(rest))
	frame = append(frame, header...)
	frame = append(frame, rest...)

	return Parse(c, frame)
}
