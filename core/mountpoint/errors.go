package mountpoint

// ErrorKind enumerates the activation/teardown failure kinds a slot can
// carry into Ready, mirroring the original's use of std::errc
// (state_machine.hpp). Kept as a small closed enum rather than a Go error
// chain because it crosses the event-application boundary as plain data,
// not as something that gets wrapped or unwrapped (spec.md §7).
type ErrorKind int

const (
	// ErrNone marks a Ready state with no attached error.
	ErrNone ErrorKind = iota
	// ErrInvalidArgument: unrecognized URL scheme, malformed credential
	// pipe, or an unsupported mode/URL combination.
	ErrInvalidArgument
	// ErrIO: CIFS mount failed, or the subprocess exited prematurely while
	// waiting for the gadget.
	ErrIO
	// ErrDeviceOrResourceBusy: gadget configure or remove returned non-zero.
	ErrDeviceOrResourceBusy
	// ErrOperationCanceled: subprocess could not be spawned, or NBD-server
	// setup failed.
	ErrOperationCanceled
	// ErrOperationNotSupported: a udev event arrived in an unexpected state.
	ErrOperationNotSupported
)

// String renders the kind the way it is named in spec.md §7, for logging
// and for mapping onto D-Bus error names in ipc/dbusfacade.
func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidArgument:
		return "invalid_argument"
	case ErrIO:
		return "io_error"
	case ErrDeviceOrResourceBusy:
		return "device_or_resource_busy"
	case ErrOperationCanceled:
		return "operation_canceled"
	case ErrOperationNotSupported:
		return "operation_not_supported"
	default:
		return "none"
	}
}

// Error is the payload a Ready state carries when the previous cycle ended
// abnormally (spec.md §3, "Slot state", Ready variant).
type Error struct {
	Kind    ErrorKind
	Message string
}
