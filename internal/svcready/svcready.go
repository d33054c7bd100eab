// Package svcready notifies systemd of daemon readiness and, if enabled,
// keeps the watchdog fed for the daemon's lifetime. Grounded on
// plugins/watchdog/plugin.go's sd_notify usage, generalized from a
// plugin-registry hook into a small standalone helper this daemon's
// cmd/virtual-mediad calls directly (there is no plugin subsystem here).
package svcready

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/containerd/log"
)

// NotifyReady tells the service manager the daemon has finished startup
// (every configured slot's D-Bus interfaces are registered). It is a
// no-op, not an error, when NOTIFY_SOCKET isn't set (not running under
// systemd).
func NotifyReady() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.L.WithError(err).Warn("svcready: sd_notify READY failed")
	}
}

// Watchdog pings systemd's watchdog on half of WATCHDOG_USEC, the same
// interval choice as plugins/watchdog/plugin.go, until ctx is cancelled.
// It returns immediately, doing nothing, when the service manager didn't
// enable a watchdog for this unit.
func Watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.L.WithError(err).Warn("svcready: sd_notify WATCHDOG failed")
			} else if !ok {
				log.L.Warn("svcready: sd_notify WATCHDOG not acknowledged")
			}
		}
	}
}
