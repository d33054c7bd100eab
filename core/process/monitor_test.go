package process

import (
	"testing"
	"time"
)

func TestSpawnAndReap(t *testing.T) {
	m := NewMonitor()

	exitCh := make(chan int, 1)
	handle, err := m.Spawn([]string{"/bin/sh", "-c", "exit 7"}, func(code int) {
		exitCh <- code
	})
	if err != nil {
		t.Fatal(err)
	}
	if handle.Pid() == 0 {
		t.Fatal("expected non-zero pid")
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case code := <-exitCh:
			if code != 7 {
				t.Fatalf("exit code = %d, want 7", code)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for reap")
		case <-time.After(10 * time.Millisecond):
			_ = m.reap()
		}
	}
}

func TestStopOnNilHandleIsNoop(t *testing.T) {
	var h *Handle
	h.Stop() // must not panic
}

func TestSpawnExitZeroIsReaped(t *testing.T) {
	m := NewMonitor()

	exitCh := make(chan int, 1)
	handle, err := m.Spawn([]string{"/bin/sh", "-c", "exit 0"}, func(code int) {
		exitCh <- code
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-exitCh:
			return
		case <-deadline:
			t.Fatalf("timed out waiting for pid %d", handle.Pid())
		case <-time.After(10 * time.Millisecond):
			_ = m.reap()
		}
	}
}
