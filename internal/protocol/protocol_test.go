package protocol

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 4096)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameData, 42, 4096*42, FlagIsEncrypted, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	h, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if h.Seq != 42 {
		t.Errorf("Seq = %d, want 42", h.Seq)
	}
	if h.Offset != 4096*42 {
		t.Errorf("Offset = %d, want %d", h.Offset, 4096*42)
	}
	if !h.IsEncrypted() {
		t.Error("IsEncrypted() = false, want true")
	}
	if h.IsLast() || h.IsCompressed() {
		t.Error("unexpected flag set")
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload mismatch after round-trip")
	}
}

func TestReadFrameChecksumMismatch(t *testing.T) {
	payload := []byte("hello world")
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameData, 1, 0, FlagIsLast, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	corrupted := buf.Bytes()
	corrupted[HeaderSize] ^= 0xFF // flip a payload byte after the header

	_, _, err := ReadFrame(bytes.NewReader(corrupted))
	if err != ErrChecksumInvalid {
		t.Fatalf("err = %v, want %v", err, ErrChecksumInvalid)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameData, 1, 0, 0, []byte("payload")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	truncated := buf.Bytes()[:HeaderSize+3]

	_, _, err := ReadFrame(bytes.NewReader(truncated))
	if err == nil {
		t.Fatal("expected error for truncated frame, got nil")
	}
}

func TestChecksum16CapsAt100Bytes(t *testing.T) {
	short := bytes.Repeat([]byte{1}, 50)
	long := append(bytes.Repeat([]byte{1}, 100), bytes.Repeat([]byte{9}, 50)...)

	if Checksum16(short) != 50 {
		t.Errorf("short checksum = %d, want 50", Checksum16(short))
	}
	if Checksum16(long) != 100 {
		t.Errorf("long checksum = %d, want 100 (bytes beyond 100 must not count)", Checksum16(long))
	}
}

func TestControlRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	meta := Metadata{
		FileName:   "report.pdf",
		FileSize:   123456,
		ChunkSize:  65536,
		HashAlgo:   "sha256",
		Compressed: true,
	}
	if err := WriteRecord(&buf, RecordMetadata, meta); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	typ, payload, err := ReadRecord(&buf)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if typ != RecordMetadata {
		t.Fatalf("type = %v, want RecordMetadata", typ)
	}

	var got Metadata
	if err := DecodeRecord(payload, &got); err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if got != meta {
		t.Errorf("got %+v, want %+v", got, meta)
	}
}

func TestReadRecordInvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRecord(&buf, RecordPing, Ping{Timestamp: 1}); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	corrupted := buf.Bytes()
	corrupted[0] = 'X'

	_, _, err := ReadRecord(bytes.NewReader(corrupted))
	if err == nil {
		t.Fatal("expected error for invalid magic, got nil")
	}
}

func TestPingPongRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRecord(&buf, RecordPing, Ping{Timestamp: 9000}); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	typ, payload, err := ReadRecord(&buf)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if typ != RecordPing {
		t.Fatalf("type = %v, want RecordPing", typ)
	}
	var ping Ping
	if err := DecodeRecord(payload, &ping); err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if ping.Timestamp != 9000 {
		t.Errorf("Timestamp = %d, want 9000", ping.Timestamp)
	}
}
