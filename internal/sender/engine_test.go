package sender

import (
	"bytes"
	"crypto/rand"
	"log/slog"
	"testing"
	"time"

	"github.com/dropwire-dev/dropwire/internal/cryptoengine"
	"github.com/dropwire-dev/dropwire/internal/flowctl"
	"github.com/dropwire-dev/dropwire/internal/protocol"
	"github.com/dropwire-dev/dropwire/internal/transport"
	"github.com/dropwire-dev/dropwire/internal/transport/faketest"
)

type memSource struct {
	data []byte
}

func (m *memSource) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memSource) Size() int64 { return int64(len(m.data)) }

func testCipher(t *testing.T) *cryptoengine.Cipher {
	t.Helper()
	key := make([]byte, cryptoengine.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	c, err := cryptoengine.NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func newTestEngine(t *testing.T, control, dataChannel transport.Channel) *Engine {
	t.Helper()
	return New(Config{
		Control:  control,
		Data:     []transport.Channel{dataChannel},
		Cipher:   testCipher(t),
		Flow:     flowctl.New(discardLogger()),
		Logger:   discardLogger(),
		OnDone:   func() {},
		OnFailed: func(error) {},
	})
}

func TestOfferFileSendsMetadata(t *testing.T) {
	controlA, controlB := faketest.NewPair(faketest.Profile{}, 10)
	dataA, _ := faketest.NewPair(faketest.Profile{}, 11)

	var gotMeta protocol.Metadata
	var gotType protocol.RecordType
	controlB.OnMessage(func(data []byte) {
		typ, payload, err := protocol.ParseRecord(data)
		if err != nil {
			t.Fatalf("ParseRecord: %v", err)
		}
		gotType = typ
		if typ == protocol.RecordMetadata {
			if err := protocol.DecodeRecord(payload, &gotMeta); err != nil {
				t.Fatalf("DecodeRecord: %v", err)
			}
		}
	})

	e := newTestEngine(t, controlA, dataA)
	source := &memSource{data: bytes.Repeat([]byte{0x42}, 1024)}
	if err := e.OfferFile(source, "test.bin", "application/octet-stream", "sha256"); err != nil {
		t.Fatalf("OfferFile: %v", err)
	}

	if gotType != protocol.RecordMetadata {
		t.Fatalf("gotType = %v, want RecordMetadata", gotType)
	}
	if gotMeta.FileName != "test.bin" || gotMeta.FileSize != 1024 {
		t.Errorf("gotMeta = %+v, unexpected", gotMeta)
	}
}

func TestSendChunksAndSackDrainsInflight(t *testing.T) {
	controlA, _ := faketest.NewPair(faketest.Profile{}, 20)
	dataA, dataB := faketest.NewPair(faketest.Profile{}, 21)

	var receivedSeqs []uint32
	dataB.OnMessage(func(msg []byte) {
		h, _, err := protocol.ReadFrame(bytes.NewReader(msg))
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		receivedSeqs = append(receivedSeqs, h.Seq)
	})

	e := newTestEngine(t, controlA, dataA)
	source := &memSource{data: bytes.Repeat([]byte{0x7A}, 300*1024)}
	if err := e.OfferFile(source, "f.bin", "application/octet-stream", "sha256"); err != nil {
		t.Fatalf("OfferFile: %v", err)
	}
	e.OnStartTransfer()
	e.trySendMore()

	if len(receivedSeqs) == 0 {
		t.Fatal("no chunks were sent")
	}

	maxSeq := receivedSeqs[len(receivedSeqs)-1]
	e.OnSack(protocol.ChunkBatchAck{CumulativeSeq: maxSeq})

	if e.inflight.len() != 0 {
		t.Errorf("inflight.len() = %d after cumulative ack of all sent seqs, want 0", e.inflight.len())
	}
}

func TestTickRetransmitsOverdueChunk(t *testing.T) {
	controlA, _ := faketest.NewPair(faketest.Profile{}, 30)
	dataA, dataB := faketest.NewPair(faketest.Profile{}, 31)

	sendCount := 0
	dataB.OnMessage(func(msg []byte) { sendCount++ })

	e := newTestEngine(t, controlA, dataA)
	source := &memSource{data: bytes.Repeat([]byte{1}, 128*1024)}
	if err := e.OfferFile(source, "f", "application/octet-stream", "sha256"); err != nil {
		t.Fatalf("OfferFile: %v", err)
	}
	e.OnStartTransfer()
	e.trySendMore()
	firstSendCount := sendCount

	if firstSendCount == 0 {
		t.Fatal("no initial send occurred")
	}

	// Force every inflight entry to look overdue for retransmission.
	for _, entry := range e.inflight.entries {
		entry.lastSent = time.Now().Add(-2 * retransmitBase)
	}
	e.Tick(time.Now())

	if sendCount <= firstSendCount {
		t.Errorf("sendCount = %d after Tick, want > %d (expected a retransmit)", sendCount, firstSendCount)
	}
}
