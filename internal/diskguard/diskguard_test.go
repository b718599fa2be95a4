package diskguard

import (
	"errors"
	"os"
	"testing"
)

func TestCheck_Disabled(t *testing.T) {
	g := New("/nonexistent-path-xyz", 1<<62, false)
	if err := g.Check(); err != nil {
		t.Fatalf("expected disabled guard to always pass, got %v", err)
	}
}

func TestCheck_EnabledLowThresholdPasses(t *testing.T) {
	dir, err := os.MkdirTemp("", "diskguard-test")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)

	g := New(dir, 1, true) // 1 byte threshold: any real disk clears this
	if err := g.Check(); err != nil {
		t.Fatalf("expected pass with 1-byte threshold, got %v", err)
	}
}

func TestCheck_EnabledImpossibleThresholdFails(t *testing.T) {
	dir, err := os.MkdirTemp("", "diskguard-test")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)

	g := New(dir, 1<<62, true)
	err = g.Check()
	if err == nil {
		t.Fatal("expected ErrDiskFull for an impossible threshold")
	}
	var diskFull *ErrDiskFull
	if !errors.As(err, &diskFull) {
		t.Fatalf("expected *ErrDiskFull, got %T: %v", err, err)
	}
}
