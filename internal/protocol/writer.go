package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteHeader encodes h as the fixed 16-byte DATA frame header.
func WriteHeader(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	buf[0] = byte(h.Type)
	binary.BigEndian.PutUint32(buf[1:5], h.Seq)
	binary.BigEndian.PutUint32(buf[5:9], h.PayloadLength)
	binary.BigEndian.PutUint32(buf[9:13], h.Offset)
	buf[13] = h.Flags
	binary.BigEndian.PutUint16(buf[14:16], h.Checksum)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	return nil
}

// WriteFrame encodes and writes a full DATA frame: header followed by
// payload. seq/offset/flags describe the chunk; the checksum is computed
// from payload per Checksum16.
func WriteFrame(w io.Writer, typ FrameType, seq, offset uint32, flags byte, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	h := Header{
		Type:          typ,
		Seq:           seq,
		PayloadLength: uint32(len(payload)),
		Offset:        offset,
		Flags:         flags,
		Checksum:      Checksum16(payload),
	}
	if err := WriteHeader(w, h); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}
