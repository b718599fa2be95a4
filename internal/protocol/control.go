package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MagicControl tags every control-channel record.
var MagicControl = [4]byte{'D', 'W', 'C', 'T'}

// RecordType tags the kind of a control-channel record. Records are CBOR
// payloads behind a fixed magic+version+type+length envelope, which lets a
// decoder skip records it doesn't understand without aborting the session.
type RecordType byte

const (
	RecordMetadata          RecordType = iota // sender → receiver: file name/size/hash algo/chunk size
	RecordStartTransfer                       // sender → receiver: begin a fresh transfer
	RecordResumeFrom                          // receiver → sender: resume at a given offset/seq
	RecordChunkBatchAck                       // receiver → sender: cumulative + selective ack
	RecordRetransmitRequest                   // receiver → sender: explicit gap list
	RecordKey                                 // sender → receiver: wrapped AES-GCM session key
	RecordReady                               // receiver → sender: ready to accept data frames
	RecordHash                                // sender → receiver: final SHA-256 of the plaintext file
	RecordEnd                                 // sender → receiver: transfer complete
	RecordError                               // either direction: abort with a reason
	RecordPing                                // keepalive + RTT probe
	RecordPong                                // keepalive + RTT probe reply
)

// Metadata describes the file about to be transferred.
type Metadata struct {
	FileName   string `cbor:"1,keyasint"`
	FileSize   uint64 `cbor:"2,keyasint"`
	ChunkSize  uint32 `cbor:"3,keyasint"`
	HashAlgo   string `cbor:"4,keyasint"`
	Compressed bool   `cbor:"5,keyasint"`
}

// StartTransfer requests the receiver begin accepting frames for a session.
type StartTransfer struct {
	SessionID string `cbor:"1,keyasint"`
}

// ResumeFrom tells the sender where the receiver's persisted state left off.
type ResumeFrom struct {
	SessionID  string `cbor:"1,keyasint"`
	NextSeq    uint32 `cbor:"2,keyasint"`
	ByteOffset uint64 `cbor:"3,keyasint"`
}

// ChunkBatchAck is a batched selective+cumulative acknowledgment.
type ChunkBatchAck struct {
	CumulativeSeq uint32   `cbor:"1,keyasint"` // highest contiguous seq received
	SelectiveAcks []uint32 `cbor:"2,keyasint"` // seqs received beyond the gap
}

// RetransmitRequest names specific missing sequence numbers.
type RetransmitRequest struct {
	MissingSeqs []uint32 `cbor:"1,keyasint"`
}

// KeyExchange carries the AES-GCM session key, wrapped by the transport's
// existing channel security (DTLS); it is not further encrypted here.
type KeyExchange struct {
	Key []byte `cbor:"1,keyasint"`
}

// Ready signals the receiver has allocated storage and can accept DATA frames.
type Ready struct {
	SessionID string `cbor:"1,keyasint"`
}

// HashRecord carries the end-to-end integrity digest of the plaintext file.
type HashRecord struct {
	Algo string `cbor:"1,keyasint"`
	Sum  []byte `cbor:"2,keyasint"`
}

// EndRecord signals the sender has no more chunks to send.
type EndRecord struct {
	TotalChunks uint32 `cbor:"1,keyasint"`
}

// ErrorRecord aborts the session with a human-readable reason.
type ErrorRecord struct {
	Reason string `cbor:"1,keyasint"`
}

// Ping is a keepalive/RTT probe sent on the control channel.
type Ping struct {
	Timestamp int64 `cbor:"1,keyasint"`
}

// Pong answers a Ping, echoing its timestamp.
type Pong struct {
	Timestamp int64 `cbor:"1,keyasint"`
}

// WriteRecord encodes v as a CBOR payload and writes it behind the control
// envelope: [magic 4B][version 1B][type 1B][length uint32 4B][CBOR payload].
func WriteRecord(w io.Writer, typ RecordType, v interface{}) error {
	payload, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding control record: %w", err)
	}
	var head [10]byte
	copy(head[0:4], MagicControl[:])
	head[4] = ProtocolVersion
	head[5] = byte(typ)
	binary.BigEndian.PutUint32(head[6:10], uint32(len(payload)))
	if _, err := w.Write(head[:]); err != nil {
		return fmt.Errorf("writing control envelope: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing control payload: %w", err)
	}
	return nil
}

// ReadRecord decodes a control envelope from r, returning the record type and
// its raw CBOR payload. Use DecodeRecord to unmarshal into a concrete type.
func ReadRecord(r io.Reader) (RecordType, []byte, error) {
	var head [10]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return 0, nil, fmt.Errorf("reading control envelope: %w", err)
	}
	if !bytes.Equal(head[0:4], MagicControl[:]) {
		return 0, nil, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMagic, MagicControl, head[0:4])
	}
	if head[4] != ProtocolVersion {
		return 0, nil, ErrInvalidVersion
	}
	typ := RecordType(head[5])
	length := binary.BigEndian.Uint32(head[6:10])
	if length > MaxPayloadSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
	}
	return typ, payload, nil
}

// DecodeRecord unmarshals a record's CBOR payload into v.
func DecodeRecord(payload []byte, v interface{}) error {
	if err := cbor.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding control record: %w", err)
	}
	return nil
}

// EncodeRecord encodes v as a single control envelope message, for transports
// (such as transport.Channel) that move whole messages rather than streams.
func EncodeRecord(typ RecordType, v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteRecord(&buf, typ, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseRecord decodes a single control envelope message produced by EncodeRecord.
func ParseRecord(data []byte) (RecordType, []byte, error) {
	return ReadRecord(bytes.NewReader(data))
}
