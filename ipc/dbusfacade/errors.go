package dbusfacade

import (
	"github.com/godbus/dbus/v5"

	"github.com/openbmc-project/virtual-media/core/mountpoint"
)

// dbusErrorName maps an ErrorKind onto an OpenBMC-style dotted D-Bus error
// name (spec.md §7's error kinds, spec.md §6's service name namespace).
func dbusErrorName(kind mountpoint.ErrorKind) string {
	switch kind {
	case mountpoint.ErrInvalidArgument:
		return "xyz.openbmc_project.Common.Error.InvalidArgument"
	case mountpoint.ErrIO:
		return "xyz.openbmc_project.Common.Error.IOError"
	case mountpoint.ErrDeviceOrResourceBusy:
		return "xyz.openbmc_project.Common.Error.ResourceNotFound"
	case mountpoint.ErrOperationCanceled:
		return "xyz.openbmc_project.Common.Error.Unavailable"
	case mountpoint.ErrOperationNotSupported:
		return "xyz.openbmc_project.Common.Error.NotAllowed"
	default:
		return "xyz.openbmc_project.Common.Error.InternalFailure"
	}
}

// errPermissionDenied is the D-Bus rendering of the internal protocol
// violation the state machine raises when an event is illegal for the
// current state (spec.md §9, "Exceptions for protocol violations").
func errPermissionDenied(msg string) *dbus.Error {
	return dbus.NewError("xyz.openbmc_project.Common.Error.InsufficientPermission", []interface{}{msg})
}

func errFromKind(kind mountpoint.ErrorKind, msg string) *dbus.Error {
	return dbus.NewError(dbusErrorName(kind), []interface{}{msg})
}
