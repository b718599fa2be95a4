package receiver

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dropwire-dev/dropwire/internal/chunkstore"
)

// skipVerificationAbove is the file-size threshold past which the assembler
// forgoes whole-file digest verification, per spec §4.2's policy for very
// large transfers (the per-chunk AES-GCM tag already authenticates every
// byte on the wire; re-hashing hundreds of gigabytes on assembly buys little
// for the CPU it costs).
const skipVerificationAbove = 250 * 1024 * 1024 * 1024

// assembler concatenates a transfer's persisted chunks into the final file,
// verifying the end-to-end hash before committing it into place with a
// temp-file-then-rename, matching the teacher's AtomicWriter commit idiom.
type assembler struct {
	store   *chunkstore.Store
	destDir string
}

func newAssembler(store *chunkstore.Store, destDir string) *assembler {
	return &assembler{store: store, destDir: destDir}
}

// assemble writes transferID's chunks to destDir/fileName, verifies the
// digest (unless the file exceeds skipVerificationAbove), and clears the
// transfer from the chunk store on success. remoteSum may be nil if no
// RecordHash has arrived yet, in which case verification is skipped and the
// caller is expected to have already confirmed onHash ran.
func (a *assembler) assemble(transferID, fileName string, fileSize uint64, remoteSum []byte) (string, error) {
	recs, err := a.store.GetAll(transferID)
	if err != nil {
		return "", fmt.Errorf("assembler: loading chunks: %w", err)
	}

	if err := os.MkdirAll(a.destDir, 0755); err != nil {
		return "", fmt.Errorf("assembler: creating destination directory: %w", err)
	}

	tmp, err := os.CreateTemp(a.destDir, "dropwire-*.tmp")
	if err != nil {
		return "", fmt.Errorf("assembler: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	hasher := sha256.New()
	verify := remoteSum != nil && fileSize <= skipVerificationAbove

	var written uint64
	for _, rec := range recs {
		if uint64(rec.Offset) != written {
			tmp.Close()
			os.Remove(tmpPath)
			return "", fmt.Errorf("assembler: gap before seq %d: expected offset %d, chunk starts at %d", rec.Seq, written, rec.Offset)
		}
		if _, err := tmp.Write(rec.Payload); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return "", fmt.Errorf("assembler: writing chunk %d: %w", rec.Seq, err)
		}
		if verify {
			hasher.Write(rec.Payload)
		}
		written += uint64(len(rec.Payload))
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("assembler: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("assembler: closing temp file: %w", err)
	}

	if written != fileSize {
		os.Remove(tmpPath)
		return "", fmt.Errorf("assembler: assembled %d bytes, want %d", written, fileSize)
	}

	if verify {
		sum := hasher.Sum(nil)
		if !bytesEqual(sum, remoteSum) {
			os.Remove(tmpPath)
			return "", fmt.Errorf("assembler: %w", ErrHashMismatch)
		}
	}

	finalPath := filepath.Join(a.destDir, fileName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("assembler: renaming into place: %w", err)
	}

	if err := a.store.DeleteAll(transferID); err != nil {
		return finalPath, fmt.Errorf("assembler: clearing persisted chunks: %w", err)
	}
	return finalPath, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
