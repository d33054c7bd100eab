// Package udevmon watches the kernel uevent netlink channel for block
// device add/remove notifications and fans them out to whichever mountpoint
// owns that device, the same shape as events/exchange.go's broadcaster but
// narrowly typed to {device, inserted|removed} instead of an Any envelope.
package udevmon

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/openbmc-project/virtual-media/core/nbd"
)

// StateChange is the event kind delivered for a watched NBD device.
type StateChange int

const (
	// Inserted means the kernel reported an "add" uevent for the device.
	Inserted StateChange = iota
	// Removed means the kernel reported a "remove" uevent for the device.
	Removed
)

func (s StateChange) String() string {
	if s == Inserted {
		return "inserted"
	}
	return "removed"
}

// Event is one fanned-out notification.
type Event struct {
	Device nbd.Device
	Change StateChange
}

// Monitor subscribes once to the kernel's NETLINK_KOBJECT_UEVENT channel,
// filters to devices that have been registered via AddDevice, and fans out
// matching events to every registered slot. Per-device delivery order
// matches netlink's own in-order, single-reader delivery (FIFO per socket).
type Monitor struct {
	fd int

	mu      sync.Mutex
	devices map[string]nbd.Device // kernel DEVNAME ("nbd0") -> Device

	closeOnce sync.Once
}

// New opens and binds the uevent netlink socket. Call Run to start
// delivering events; call AddDevice before Run for every slot's NBD device.
func New() (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, errors.Wrap(err, "udevmon: open netlink socket")
	}

	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "udevmon: bind netlink socket")
	}

	return &Monitor{fd: fd, devices: make(map[string]nbd.Device)}, nil
}

// AddDevice registers dev as one this monitor should report on. Safe to
// call before or while Run is active.
func (m *Monitor) AddDevice(dev nbd.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[dev.Name()] = dev
}

// Run blocks, reading uevent datagrams and invoking deliver for every add or
// remove event matching a registered device, until the monitor is closed.
// deliver is expected to do its own per-slot filtering by device identity,
// matching the unconditional-broadcast-then-filter shape observed in
// original_source/src/main.cpp's devMonitor.run callback.
func (m *Monitor) Run(deliver func(Event)) error {
	buf := make([]byte, 8192)
	for {
		n, _, err := unix.Recvfrom(m.fd, buf, 0)
		if err != nil {
			if err == unix.EBADF || err == unix.EINVAL {
				return nil // closed
			}
			return errors.Wrap(err, "udevmon: recvfrom")
		}

		raw, ok := parseUevent(buf[:n])
		if !ok {
			continue
		}

		event, ok := m.match(raw)
		if !ok {
			continue
		}

		log.L.WithField("device", event.Device.String()).WithField("change", event.Change.String()).
			Debug("udevmon: delivering uevent")
		deliver(event)
	}
}

// match filters a decoded uevent against the registered device set and
// translates it into an Event. Split out from Run so the filtering logic is
// testable without a real netlink socket.
func (m *Monitor) match(raw rawUevent) (Event, bool) {
	m.mu.Lock()
	dev, known := m.devices[raw.devname]
	m.mu.Unlock()
	if !known {
		return Event{}, false
	}

	var change StateChange
	switch raw.action {
	case "add":
		change = Inserted
	case "remove":
		change = Removed
	default:
		return Event{}, false
	}

	return Event{Device: dev, Change: change}, true
}

// Close stops a blocked Run and releases the netlink socket.
func (m *Monitor) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = unix.Close(m.fd)
	})
	return err
}

// Rescan asks the kernel to re-emit a "change" uevent for every already
// registered device by writing "change" to its sysfs uevent file. It
// corresponds to the original's UdevGadget::forceUdevChange(), invoked once
// on the Register transition (spec.md's "force one udev re-scan"). Run only
// delivers "add" and "remove" actions, so the replayed "change" events are
// not passed on to slots.
func (m *Monitor) Rescan() error {
	m.mu.Lock()
	devices := make([]nbd.Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	var firstErr error
	for _, d := range devices {
		path := filepath.Join("/sys/class/block", d.Name(), "uevent")
		if err := os.WriteFile(path, []byte("change"), 0o200); err != nil {
			log.L.WithField("device", d.String()).WithError(err).
				Warn("udevmon: failed to trigger uevent rescan")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

type rawUevent struct {
	action  string
	devname string
}

// parseUevent decodes a NETLINK_KOBJECT_UEVENT datagram. The kernel's
// "udev" format is a header line ("add@/devices/...") followed by
// NUL-separated KEY=VALUE fields; the libudev-compatible format additionally
// prefixes a "libudev" magic cookie which this daemon does not need to
// support since it talks to the kernel socket directly (udev monitor group),
// not udevd's multicast group.
func parseUevent(buf []byte) (rawUevent, bool) {
	fields := strings.Split(string(buf), "\x00")
	if len(fields) == 0 {
		return rawUevent{}, false
	}

	header := fields[0]
	at := strings.IndexByte(header, '@')
	if at <= 0 {
		return rawUevent{}, false
	}
	out := rawUevent{action: header[:at]}

	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "DEVNAME=") {
			out.devname = strings.TrimPrefix(f, "DEVNAME=")
		}
		if strings.HasPrefix(f, "SUBSYSTEM=") && strings.TrimPrefix(f, "SUBSYSTEM=") != "block" {
			return rawUevent{}, false
		}
	}

	if out.devname == "" {
		return rawUevent{}, false
	}
	return out, true
}
