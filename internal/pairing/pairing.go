// Package pairing generates the short opaque code spec §6 routes peers by:
// a 6-character, case-sensitive string handed to the external signaling
// service out of band (printed to a terminal, read aloud, pasted into a
// chat). Grounded on the session-ID generator in the teacher's
// internal/server/handler.go (generateSessionID), narrowed from a full UUID
// to spec's shorter human-shareable alphabet.
package pairing

import (
	"crypto/rand"
	"fmt"
)

// alphabet avoids visually ambiguous characters (0/O, 1/I/l).
const alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz"

// CodeLength is the pairing code length spec §6 specifies.
const CodeLength = 6

// NewCode generates a random CodeLength-character pairing code.
func NewCode() (string, error) {
	b := make([]byte, CodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("pairing: generating code: %w", err)
	}
	out := make([]byte, CodeLength)
	for i, v := range b {
		out[i] = alphabet[int(v)%len(alphabet)]
	}
	return string(out), nil
}

// TransferID computes the stable key spec §3 defines for a resumable
// transfer: the pairing code concatenated with the file name and size. Both
// peers compute this independently (the sender from the file it offers, the
// receiver from the METADATA it receives) and must agree bit-for-bit since
// it is the chunk store's primary key.
func TransferID(code, fileName string, fileSize uint64) string {
	return fmt.Sprintf("%s\x00%s\x00%d", code, fileName, fileSize)
}
