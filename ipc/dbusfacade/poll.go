package dbusfacade

import (
	"time"

	"github.com/openbmc-project/virtual-media/core/mountpoint"
)

// pollInterval and pollCount implement spec.md §4.6's "polls slot state
// every 100 ms for up to 12 s (120 polls)" contract exactly. Overridable in
// tests so a mount/unmount round trip doesn't have to wait out the full
// timeout.
var (
	pollInterval = 100 * time.Millisecond
	pollCount    = 120
)

// waitForReady polls until the slot returns to Ready, or until the poll
// budget is exhausted. It reports whether Ready was actually observed
// (false on timeout) and the Error carried by that Ready, if any.
func waitForReady(m *mountpoint.Machine) (reached bool, errOut *mountpoint.Error) {
	for i := 0; i < pollCount; i++ {
		if r, ok := m.State().(mountpoint.Ready); ok {
			return true, r.Error
		}
		time.Sleep(pollInterval)
	}
	return false, nil
}

// waitForActiveOrReady polls until the slot reaches Active (success) or
// returns to Ready (failure or a no-op), implementing spec.md §4.6's Mount
// polling contract. active reports whether Active was reached; readyErr is
// the Error attached if the slot instead returned to Ready.
func waitForActiveOrReady(m *mountpoint.Machine) (active bool, readyErr *mountpoint.Error, timedOut bool) {
	for i := 0; i < pollCount; i++ {
		switch s := m.State().(type) {
		case mountpoint.Active:
			return true, nil, false
		case mountpoint.Ready:
			return false, s.Error, false
		}
		time.Sleep(pollInterval)
	}
	return false, nil, true
}
