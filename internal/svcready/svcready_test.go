package svcready

import (
	"context"
	"os"
	"testing"
	"time"
)

// TestWatchdogNoopWithoutEnv covers the "not running under systemd" case:
// with WATCHDOG_USEC unset, Watchdog must return immediately instead of
// blocking or pinging anything.
func TestWatchdogNoopWithoutEnv(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	os.Unsetenv("WATCHDOG_USEC")
	os.Unsetenv("WATCHDOG_PID")

	done := make(chan struct{})
	go func() {
		Watchdog(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watchdog did not return promptly when no watchdog is configured")
	}
}

// TestNotifyReadyNoopWithoutSocket covers the "not running under systemd"
// case for readiness notification: it must not panic or block.
func TestNotifyReadyNoopWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	os.Unsetenv("NOTIFY_SOCKET")
	NotifyReady()
}
