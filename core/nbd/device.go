// Package nbd describes the identity of a kernel Network Block Device.
package nbd

import (
	"fmt"
	"strconv"
	"strings"
)

// Device names a single /dev/nbdN kernel block device. It is a comparable
// value type so state machines and device monitors can use it as a map key.
type Device struct {
	index int
}

// Parse validates and wraps a device path such as "/dev/nbd3".
func Parse(path string) (Device, error) {
	const prefix = "/dev/nbd"
	if !strings.HasPrefix(path, prefix) {
		return Device{}, fmt.Errorf("nbd: %q does not start with %q", path, prefix)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(path, prefix))
	if err != nil || n < 0 {
		return Device{}, fmt.Errorf("nbd: %q is not a valid device index", path)
	}
	return Device{index: n}, nil
}

// String renders the device as its /dev/nbdN path.
func (d Device) String() string {
	return fmt.Sprintf("/dev/nbd%d", d.index)
}

// Name returns the bare kernel device name, e.g. "nbd3", as delivered by
// uevent NETLINK notifications (which report sysfs names, not /dev paths).
func (d Device) Name() string {
	return fmt.Sprintf("nbd%d", d.index)
}

// Index returns the numeric suffix of the device.
func (d Device) Index() int {
	return d.index
}
