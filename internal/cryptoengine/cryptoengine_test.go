package cryptoengine

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	ct := c.Seal(7, plaintext)
	got, err := c.Open(7, ct)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("got %q, want %q", got, plaintext)
	}
}

func TestOpenWrongSequenceFails(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	ct := c.Seal(1, []byte("payload"))
	if _, err := c.Open(2, ct); err == nil {
		t.Fatal("expected authentication failure for mismatched sequence nonce")
	}
}

func TestOpenTamperedCiphertextFails(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	ct := c.Seal(1, []byte("payload"))
	ct[0] ^= 0xFF
	if _, err := c.Open(1, ct); err == nil {
		t.Fatal("expected authentication failure for tampered ciphertext")
	}
}

func TestNewCipherRejectsBadKeySize(t *testing.T) {
	if _, err := NewCipher(make([]byte, 16)); err == nil {
		t.Fatal("expected error for undersized key")
	}
}

func TestDigestStreamingMatchesOneShot(t *testing.T) {
	data := []byte("streamed in several chunks across the wire")
	d := NewDigest()
	for _, chunk := range [][]byte{data[:10], data[10:25], data[25:]} {
		if _, err := d.Write(chunk); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	streamedSum := d.Sum()

	whole := NewDigest()
	if _, err := whole.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	wholeSum := whole.Sum()

	if streamedSum != wholeSum {
		t.Error("streaming digest diverged from one-shot digest")
	}
}
