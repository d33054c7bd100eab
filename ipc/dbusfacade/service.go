package dbusfacade

import (
	"bytes"
	"io"
	"os"

	"github.com/godbus/dbus/v5"

	"github.com/openbmc-project/virtual-media/core/mountpoint"
	"github.com/openbmc-project/virtual-media/core/secret"
)

// noFD is the sentinel a Legacy Mount caller passes for optional_fd
// (spec.md §4.6) when no credential pipe is supplied: D-Bus has no
// optional-argument encoding, so an out-of-range file descriptor value
// stands in for "absent".
const noFD dbus.UnixFD = -1

// proxyService exports the Service interface's Mount()/Unmount() methods
// for a Proxy-mode slot: Mount takes no arguments (spec.md §4.6).
type proxyService struct {
	machine *mountpoint.Machine
}

// Mount implements the Proxy Service.Mount D-Bus method.
func (s *proxyService) Mount() (bool, *dbus.Error) {
	// Proxy mode never consults target.RW (spec.md §9's open question); it
	// is stored only so WriteProtected reads consistently were it ever
	// used.
	target := mountpoint.Target{RW: true}
	if err := s.machine.Mount(target); err != nil {
		return false, errPermissionDenied(err.Error())
	}
	return awaitMountOutcome(s.machine)
}

// Unmount implements the Proxy Service.Unmount D-Bus method.
func (s *proxyService) Unmount() (bool, *dbus.Error) {
	return unmountAndWait(s.machine)
}

// legacyService exports the Service interface's Mount()/Unmount() methods
// for a Legacy-mode slot: Mount takes (imgUrl, rw, optional_fd) (spec.md
// §4.6).
type legacyService struct {
	machine *mountpoint.Machine
}

// Mount implements the Legacy Service.Mount D-Bus method. fd, if not
// noFD, is a pipe whose contents are exactly "user\0pass\0".
func (s *legacyService) Mount(imgURL string, rw bool, fd dbus.UnixFD) (bool, *dbus.Error) {
	var creds *secret.Credentials
	if fd != noFD {
		var derr *dbus.Error
		creds, derr = readCredentialPipe(fd)
		if derr != nil {
			return false, derr
		}
	}

	target := mountpoint.Target{ImageURL: imgURL, RW: rw, Credentials: creds}
	if err := s.machine.Mount(target); err != nil {
		if creds != nil {
			creds.Close()
		}
		return false, errPermissionDenied(err.Error())
	}
	return awaitMountOutcome(s.machine)
}

// Unmount implements the Legacy Service.Unmount D-Bus method.
func (s *legacyService) Unmount() (bool, *dbus.Error) {
	return unmountAndWait(s.machine)
}

// awaitMountOutcome implements spec.md §4.6's Mount return contract:
// true on Active, false on a clean return to Ready, an IPC error carrying
// the Ready error's kind/message, or false on overall timeout.
func awaitMountOutcome(m *mountpoint.Machine) (bool, *dbus.Error) {
	active, readyErr, _ := waitForActiveOrReady(m)
	if readyErr != nil {
		return false, errFromKind(readyErr.Kind, readyErr.Message)
	}
	return active, nil
}

// unmountAndWait implements spec.md §4.6's Unmount return contract: once
// the machine accepts the Unmount it returns true, whether or not Ready is
// actually observed before the poll budget is exhausted. An Unmount the
// machine rejects returns false with a permission-denied error.
func unmountAndWait(m *mountpoint.Machine) (bool, *dbus.Error) {
	if err := m.Unmount(); err != nil {
		return false, errPermissionDenied(err.Error())
	}
	waitForReady(m)
	return true, nil
}

// readCredentialPipe reads fd to completion, validates it is exactly
// "user\0pass\0" (spec.md §4.6: "exactly two null bytes; any other count
// is rejected"), wraps the result in a zeroizing Credentials, and zeroizes
// the raw buffer immediately after parsing (spec.md §4.6's closing
// paragraph).
func readCredentialPipe(fd dbus.UnixFD) (*secret.Credentials, *dbus.Error) {
	f := os.NewFile(uintptr(fd), "virtual-media-credentials")
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, errFromKind(mountpoint.ErrInvalidArgument, "failed to read credential pipe")
	}
	defer secret.Zero(raw)

	parts := bytes.Split(raw, []byte{0})
	if len(parts) != 3 || len(parts[2]) != 0 {
		return nil, errFromKind(mountpoint.ErrInvalidArgument, "Malformed extra data")
	}

	user := string(parts[0])
	password := make([]byte, len(parts[1]))
	copy(password, parts[1])

	return secret.New(user, password), nil
}
