package secret

import (
	"os"
	"testing"
)

func TestVolatileFileLifecycle(t *testing.T) {
	dir := t.TempDir()

	vf, err := NewVolatileFile(dir, []byte("hunter2"))
	if err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(vf.Path())
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hunter2" {
		t.Fatalf("content = %q", got)
	}

	path := vf.Path()
	if err := vf.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err = %v", err)
	}

	// Close is idempotent.
	if err := vf.Close(); err != nil {
		t.Fatal(err)
	}
}
