//go:build unix

package shm_test

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"gosuda.org/bbq/internal/shm"
)

func TestCreateOpenShareBytes(t *testing.T) {
	dir := t.TempDir()

	owner, err := shm.Create(dir, "segment", 4096)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer owner.Close()

	if owner.Size() != 4096 {
		t.Errorf("expected size 4096, got %d", owner.Size())
	}
	if owner.Path() != filepath.Join(dir, shm.Prefix+"segment") {
		t.Errorf("unexpected path %q", owner.Path())
	}

	peer, err := shm.Open(dir, "segment")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer peer.Close()

	if peer.Size() != owner.Size() {
		t.Fatalf("size mismatch: owner %d, peer %d", owner.Size(), peer.Size())
	}

	// Two independent mappings of the same object.
	owner.Bytes()[0] = 0xAB
	owner.Bytes()[4095] = 0xCD
	if peer.Bytes()[0] != 0xAB || peer.Bytes()[4095] != 0xCD {
		t.Error("write through one mapping is not visible through the other")
	}
}

func TestCreateCollision(t *testing.T) {
	dir := t.TempDir()

	s, err := shm.Create(dir, "dup", 64)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer s.Close()

	if _, err := shm.Create(dir, "dup", 64); !errors.Is(err, fs.ErrExist) {
		t.Fatalf("expected fs.ErrExist on collision, got %v", err)
	}
}

func TestCreatePermissions(t *testing.T) {
	dir := t.TempDir()

	s, err := shm.Create(dir, "perm", 64)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer s.Close()

	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o666 {
		t.Errorf("expected mode 0666, got %o", info.Mode().Perm())
	}
}

func TestOpenMissing(t *testing.T) {
	if _, err := shm.Open(t.TempDir(), "missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestOpenNotSized(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, shm.Prefix+"empty"), nil, 0o666); err != nil {
		t.Fatal(err)
	}
	if _, err := shm.Open(dir, "empty"); !errors.Is(err, shm.ErrNotSized) {
		t.Fatalf("expected ErrNotSized, got %v", err)
	}
}

func TestInvalidNames(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b"} {
		if _, err := shm.Create(t.TempDir(), name, 64); !errors.Is(err, shm.ErrInvalidName) {
			t.Errorf("name %q: expected ErrInvalidName, got %v", name, err)
		}
	}
	if _, err := shm.Create(t.TempDir(), "zero", 0); !errors.Is(err, shm.ErrInvalidSize) {
		t.Errorf("expected ErrInvalidSize, got %v", err)
	}
}

func TestUnlinkAndClose(t *testing.T) {
	dir := t.TempDir()

	s, err := shm.Create(dir, "gone", 64)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := shm.Unlink(dir, "gone"); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}

	// The mapping outlives the name.
	s.Bytes()[0] = 1

	if err := shm.Unlink(dir, "gone"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist on second unlink, got %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
	if s.Bytes() != nil || s.Base() != nil {
		t.Error("mapping should be dropped after Close")
	}
}
