// Package diskguard implements the receiver's disk-free admission gate: a
// pre-put check that fails closed instead of letting the chunk store write
// partial or corrupt pages onto a full disk. Grounded on the teacher's
// SystemMonitor (internal/agent/monitor.go), which samples gopsutil's
// disk.Usage and feeds a StatusFull backoff signal; this package narrows
// that to exactly the one check the receiver's durable-persistence
// invariant needs.
package diskguard

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// Guard gates new chunk writes on a minimum amount of free disk space at a
// configured path.
type Guard struct {
	path        string
	minFreeBytes int64
	enabled     bool
}

// New builds a Guard. If enabled is false, Check always succeeds — callers
// still construct a Guard so the admission-check call site is unconditional.
func New(path string, minFreeBytes int64, enabled bool) *Guard {
	return &Guard{path: path, minFreeBytes: minFreeBytes, enabled: enabled}
}

// ErrDiskFull is returned by Check when free space has dropped below the
// configured minimum.
type ErrDiskFull struct {
	Path      string
	Free      uint64
	Threshold int64
}

func (e *ErrDiskFull) Error() string {
	return fmt.Sprintf("diskguard: %s has %d bytes free, below the %d byte threshold", e.Path, e.Free, e.Threshold)
}

// Check samples disk usage at the guard's path and returns ErrDiskFull if
// free space is below the configured threshold. Called once per incoming
// chunk, immediately before chunkstore.Store.Put.
func (g *Guard) Check() error {
	if !g.enabled {
		return nil
	}
	usage, err := disk.Usage(g.path)
	if err != nil {
		return fmt.Errorf("diskguard: sampling disk usage at %s: %w", g.path, err)
	}
	if usage.Free < uint64(g.minFreeBytes) {
		return &ErrDiskFull{Path: g.path, Free: usage.Free, Threshold: g.minFreeBytes}
	}
	return nil
}
