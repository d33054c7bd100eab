package mountpoint

import "github.com/openbmc-project/virtual-media/core/nbd"

// Mode selects a slot's activation algorithm (spec.md §3, "Slot
// configuration").
type Mode int

const (
	// ModeProxy means an external producer already writes image data to
	// the slot's Unix socket; the daemon only spawns the NBD client.
	ModeProxy Mode = iota
	// ModeLegacy means the daemon itself sources the image from a URL
	// (smb:// or https://) via a userspace NBD server it spawns.
	ModeLegacy
)

func (m Mode) String() string {
	if m == ModeLegacy {
		return "Legacy"
	}
	return "Proxy"
}

// Config is a slot's immutable configuration, loaded once at startup by
// internal/config and never mutated afterward.
type Config struct {
	Name       string
	Mode       Mode
	Device     nbd.Device
	UnixSocket string
	EndpointID string
	BlockSize  int
	Timeout    int
}

// SecretDir is the directory HTTPS basic-auth passwords are written to as
// volatile secret files before being handed to nbdkit's curl plugin as
// "password=+<path>". Overridable in tests.
var SecretDir = "/run/virtual-media"
