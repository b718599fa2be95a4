// Package cryptoengine implements the AES-GCM chunk cipher and the streaming
// SHA-256 integrity digest used to verify a transfer end to end.
package cryptoengine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
)

// KeySize is the AES-256 key size in bytes.
const KeySize = 32

// NonceSize is the AES-GCM standard nonce size in bytes.
const NonceSize = 12

// Cipher encrypts and decrypts chunks with a single AES-256-GCM key and a
// deterministic, sequence-derived nonce: the low 4 bytes hold the chunk
// sequence number, the remaining 8 bytes are zero. Reusing a key across many
// short-lived chunk nonces is safe here because the sequence number never
// repeats within a session and a session never re-keys mid-transfer.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a 32-byte AES-256 key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("cryptoengine: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoengine: building AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptoengine: building GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// nonceForSeq derives the deterministic per-chunk nonce from a sequence number.
func nonceForSeq(seq uint32) [NonceSize]byte {
	var nonce [NonceSize]byte
	binary.BigEndian.PutUint32(nonce[NonceSize-4:], seq)
	return nonce
}

// Seal encrypts plaintext for the given chunk sequence number, returning
// ciphertext with the GCM authentication tag appended.
func (c *Cipher) Seal(seq uint32, plaintext []byte) []byte {
	nonce := nonceForSeq(seq)
	return c.aead.Seal(nil, nonce[:], plaintext, nil)
}

// Open decrypts and authenticates ciphertext produced by Seal for the same
// sequence number.
func (c *Cipher) Open(seq uint32, ciphertext []byte) ([]byte, error) {
	nonce := nonceForSeq(seq)
	plaintext, err := c.aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptoengine: authentication failed for seq %d: %w", seq, err)
	}
	return plaintext, nil
}

// Overhead returns the number of bytes Seal adds to the plaintext (the GCM tag).
func (c *Cipher) Overhead() int { return c.aead.Overhead() }

// SealRandom encrypts plaintext with a fresh random nonce, prepended to the
// returned ciphertext. Unlike Seal/Open's deterministic per-chunk nonce,
// control-plane values like the end-to-end digest aren't tied to a sequence
// number, so they get a random nonce instead of reusing one.
func (c *Cipher) SealRandom(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptoengine: generating nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenRandom decrypts and authenticates ciphertext produced by SealRandom,
// reading the nonce back off its front.
func (c *Cipher) OpenRandom(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, fmt.Errorf("cryptoengine: ciphertext shorter than nonce size")
	}
	nonce, sealed := ciphertext[:NonceSize], ciphertext[NonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptoengine: authentication failed: %w", err)
	}
	return plaintext, nil
}

// Digest accumulates a streaming SHA-256 hash over plaintext chunks as they
// are produced or consumed, so the end-to-end integrity check never needs a
// second pass over the file.
type Digest struct {
	h hash.Hash
}

// NewDigest starts a fresh streaming digest.
func NewDigest() *Digest {
	return &Digest{h: sha256.New()}
}

// Write feeds plaintext bytes into the running digest. It never returns an
// error; the signature satisfies io.Writer so Digest can sit in an
// io.MultiWriter alongside a chunk's destination writer.
func (d *Digest) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// Sum returns the final 32-byte SHA-256 digest of everything written so far.
func (d *Digest) Sum() [32]byte {
	var out [32]byte
	copy(out[:], d.h.Sum(nil))
	return out
}
