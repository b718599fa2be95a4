// Package compression implements optional pre-encryption chunk compression,
// negotiated once per transfer via METADATA.Compressed and marked per chunk
// with the FlagIsCompressed frame bit. Grounded on the teacher's
// CompressionMode negotiation (internal/protocol's ACK.CompressionMode in the
// original repo) but backed by zstd instead of gzip: zstd compresses and
// decompresses single small chunks (128KiB-1MiB, this engine's range) with
// far less per-call overhead than gzip, which matters because every chunk
// pays the codec's setup cost independently.
package compression

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Codec wraps a pair of reusable zstd encoder/decoder, safe for concurrent
// use by multiple chunk-producing goroutines.
type Codec struct {
	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New builds a Codec with a fast compression level, tuned for per-chunk
// latency over ratio since chunks are already bounded to at most 1 MiB.
func New() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("compression: building encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("compression: building decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Compress returns plaintext compressed into a freshly allocated buffer.
func (c *Codec) Compress(plaintext []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.EncodeAll(plaintext, make([]byte, 0, len(plaintext)))
}

// Decompress reverses Compress, failing if compressed is not valid zstd.
func (c *Codec) Decompress(compressed []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, err := c.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("compression: decoding: %w", err)
	}
	return out, nil
}

// Close releases the codec's background resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enc.Close()
	c.dec.Close()
}

// ShouldCompress reports whether mime is worth compressing. Already
// compressed or encrypted media types gain nothing from a second pass,
// matching the teacher's own policy of skipping compression for such
// payloads.
func ShouldCompress(mime string) bool {
	switch mime {
	case "image/jpeg", "image/png", "image/webp", "image/gif",
		"video/mp4", "video/webm", "video/quicktime",
		"audio/mpeg", "audio/aac", "audio/ogg",
		"application/zip", "application/gzip", "application/x-7z-compressed",
		"application/x-rar-compressed", "application/zstd":
		return false
	default:
		return true
	}
}
