package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadHeader decodes the fixed 16-byte DATA frame header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("reading frame header: %w", err)
	}
	h := Header{
		Type:          FrameType(buf[0]),
		Seq:           binary.BigEndian.Uint32(buf[1:5]),
		PayloadLength: binary.BigEndian.Uint32(buf[5:9]),
		Offset:        binary.BigEndian.Uint32(buf[9:13]),
		Flags:         buf[13],
		Checksum:      binary.BigEndian.Uint16(buf[14:16]),
	}
	if h.PayloadLength > MaxPayloadSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.PayloadLength)
	}
	return h, nil
}

// ReadFrame decodes a full DATA frame (header + payload) from r and verifies
// its checksum. The returned payload is the raw (possibly encrypted and/or
// compressed) chunk bytes — decryption and decompression happen upstream.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	payload := make([]byte, h.PayloadLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
	}
	if Checksum16(payload) != h.Checksum {
		return Header{}, nil, ErrChecksumInvalid
	}
	return h, payload, nil
}
