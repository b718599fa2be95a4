package receiver

import (
	"bytes"
	"crypto/rand"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/dropwire-dev/dropwire/internal/chunkstore"
	"github.com/dropwire-dev/dropwire/internal/cryptoengine"
	"github.com/dropwire-dev/dropwire/internal/flowctl"
	"github.com/dropwire-dev/dropwire/internal/protocol"
	"github.com/dropwire-dev/dropwire/internal/transport/faketest"
)

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

func TestOnDataFrameAssemblesCompleteFile(t *testing.T) {
	dir := t.TempDir()
	store, err := chunkstore.Open(filepath.Join(dir, "chunks.db"))
	if err != nil {
		t.Fatalf("chunkstore.Open: %v", err)
	}
	defer store.Close()

	control, peer := faketest.NewPair(faketest.Profile{}, 40)
	_ = peer

	cipher := testCipher(t)

	var completedPath string
	e := New(Config{
		Control:    control,
		Store:      store,
		Cipher:     cipher,
		Flow:       flowctl.New(discardLogger()),
		Logger:     discardLogger(),
		DestDir:    dir,
		TransferID: "test-transfer",
		OnComplete: func(path string) { completedPath = path },
		OnFailed:   func(err error) { t.Fatalf("unexpected failure: %v", err) },
	})

	plaintext := bytes.Repeat([]byte{0xAB}, 64*1024)
	if err := e.OnMetadata(protocol.Metadata{FileName: "out.bin", FileSize: uint64(len(plaintext)), HashAlgo: "sha256"}); err != nil {
		t.Fatalf("OnMetadata: %v", err)
	}

	ciphertext := cipher.Seal(0, plaintext)
	header := protocol.Header{Seq: 0, Offset: 0, Flags: protocol.FlagIsEncrypted | protocol.FlagIsLast}
	if err := e.OnDataFrame(header, ciphertext); err != nil {
		t.Fatalf("OnDataFrame: %v", err)
	}

	sum := sha256Sum(plaintext)
	sealedSum, err := cipher.SealRandom(sum)
	if err != nil {
		t.Fatalf("SealRandom: %v", err)
	}
	e.OnHash(protocol.HashRecord{Algo: "sha256", Sum: sealedSum})
	e.OnEnd(protocol.EndRecord{TotalChunks: 1})

	if completedPath == "" {
		t.Fatal("transfer never completed")
	}
	got, err := os.ReadFile(completedPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("assembled file content mismatch")
	}
}

func TestOnDataFrameDecryptFailureStreakFailsTransfer(t *testing.T) {
	dir := t.TempDir()
	store, err := chunkstore.Open(filepath.Join(dir, "chunks.db"))
	if err != nil {
		t.Fatalf("chunkstore.Open: %v", err)
	}
	defer store.Close()

	control, _ := faketest.NewPair(faketest.Profile{}, 41)
	wrongCipher := testCipher(t)
	realCipher := testCipher(t)

	var failed error
	e := New(Config{
		Control:    control,
		Store:      store,
		Cipher:     wrongCipher,
		Flow:       flowctl.New(discardLogger()),
		Logger:     discardLogger(),
		DestDir:    dir,
		TransferID: "bad-key-transfer",
		OnFailed:   func(err error) { failed = err },
	})
	if err := e.OnMetadata(protocol.Metadata{FileName: "out.bin", FileSize: 1024, HashAlgo: "sha256"}); err != nil {
		t.Fatalf("OnMetadata: %v", err)
	}

	for seq := uint32(0); seq < maxConsecutiveDecryptFailures; seq++ {
		ciphertext := realCipher.Seal(seq, []byte("chunk"))
		header := protocol.Header{Seq: seq, Offset: seq * 5, Flags: protocol.FlagIsEncrypted}
		_ = e.OnDataFrame(header, ciphertext)
	}

	if failed == nil {
		t.Fatal("expected the transfer to fail after a sustained decrypt failure streak")
	}
}

func TestOnDataFrameDropsStaleSeq(t *testing.T) {
	dir := t.TempDir()
	store, err := chunkstore.Open(filepath.Join(dir, "chunks.db"))
	if err != nil {
		t.Fatalf("chunkstore.Open: %v", err)
	}
	defer store.Close()

	control, _ := faketest.NewPair(faketest.Profile{}, 42)
	cipher := testCipher(t)

	e := New(Config{
		Control:    control,
		Store:      store,
		Cipher:     cipher,
		Flow:       flowctl.New(discardLogger()),
		Logger:     discardLogger(),
		DestDir:    dir,
		TransferID: "dup-transfer",
		OnFailed:   func(err error) { t.Fatalf("unexpected failure: %v", err) },
	})
	if err := e.OnMetadata(protocol.Metadata{FileName: "out.bin", FileSize: 10, HashAlgo: "sha256"}); err != nil {
		t.Fatalf("OnMetadata: %v", err)
	}

	ciphertext := cipher.Seal(0, []byte("0123456789"))
	header := protocol.Header{Seq: 0, Offset: 0, Flags: protocol.FlagIsEncrypted | protocol.FlagIsLast}
	if err := e.OnDataFrame(header, ciphertext); err != nil {
		t.Fatalf("first OnDataFrame: %v", err)
	}
	if err := e.OnDataFrame(header, ciphertext); err != nil {
		t.Fatalf("duplicate OnDataFrame should be a no-op, not an error: %v", err)
	}
	if e.reorder.NextExpected() != 1 {
		t.Errorf("NextExpected() = %d, want 1 after one chunk drained", e.reorder.NextExpected())
	}
}

func sha256Sum(b []byte) []byte {
	d := cryptoengine.NewDigest()
	d.Write(b)
	sum := d.Sum()
	return sum[:]
}
