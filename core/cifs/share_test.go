package cifs

import (
	"os"
	"testing"
)

func TestCreateAndRemoveMountDir(t *testing.T) {
	ScratchRoot = t.TempDir()

	dir, err := CreateMountDir("S0")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected scratch dir to exist: %v", err)
	}

	dir2, err := CreateMountDir("S0")
	if err != nil {
		t.Fatal(err)
	}
	if dir == dir2 {
		t.Fatal("expected unique scratch dirs across cycles")
	}

	if err := RemoveMountDir(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected scratch dir removed, err = %v", err)
	}

	// Removing an already-removed / empty path is a no-op.
	if err := RemoveMountDir(""); err != nil {
		t.Fatal(err)
	}
}

func TestUnmountNotMountedIsNoop(t *testing.T) {
	dir := t.TempDir()
	if err := Unmount(dir); err != nil {
		t.Fatal(err)
	}
}
