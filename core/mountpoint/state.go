package mountpoint

import "github.com/openbmc-project/virtual-media/core/secret"

// ProcessRef is the weak reference to a spawned subprocess that the
// state machine carries inside WaitingForGadget/Active/WaitingForProcessEnd.
// *process.Handle satisfies it; tests substitute a fake so activation
// scenarios don't require forking a real child (spec.md's "out of scope:
// the subprocess executor").
type ProcessRef interface {
	Stop()
	Pid() int
}

// State is the closed six-variant tagged union of spec.md §3. Only the
// types defined in this file implement it; the unexported marker method
// keeps the set closed the way a Rust/C++ enum or variant would, the Go
// analogue of the teacher's init-state-interface idiom
// (cmd/containerd-shim-runc-v2/runm/process/init_state.go) generalized from
// one interface-per-behavior to one struct-per-variant holding exactly the
// data that variant owns.
type State interface {
	isState()
	// Name returns the variant's name, used for logging (matching the
	// original's BasicState debug log on every transition).
	Name() string
}

// Initial is constructor-only: IPC interfaces are not yet exported.
type Initial struct{}

func (Initial) isState()     {}
func (Initial) Name() string { return "Initial" }

// Ready is idle; it may carry the Error from the previous cycle.
type Ready struct {
	Error *Error
}

func (Ready) isState()     {}
func (Ready) Name() string { return "Ready" }

// Activating means a mount was requested; Target is set; no subprocess
// exists yet.
type Activating struct{}

func (Activating) isState()     {}
func (Activating) Name() string { return "Activating" }

// WaitingForGadget means the subprocess has been spawned and the machine
// is awaiting the kernel's "inserted" uevent for the NBD device.
type WaitingForGadget struct {
	Process ProcessRef
}

func (WaitingForGadget) isState()     {}
func (WaitingForGadget) Name() string { return "WaitingForGadget" }

// Active means the gadget is configured and the device is visible to the
// host.
type Active struct {
	Process ProcessRef
}

func (Active) isState()     {}
func (Active) Name() string { return "Active" }

// WaitingForProcessEnd means teardown has been requested and the machine
// is awaiting the subprocess exit notification. PendingError carries a
// failure observed during teardown itself (e.g. gadget removal returning
// busy) so it can be attached to the Ready state once the subprocess
// actually exits, rather than being reported before the exit is confirmed.
type WaitingForProcessEnd struct {
	Process      ProcessRef
	PendingError *Error
}

func (WaitingForProcessEnd) isState()     {}
func (WaitingForProcessEnd) Name() string { return "WaitingForProcessEnd" }

// Target is present only while a slot is in use: created on entry to
// Activating, destroyed on entry to Ready (spec.md §3).
type Target struct {
	ImageURL    string
	RW          bool
	MountDir    string // legacy CIFS only; empty otherwise
	Credentials *secret.Credentials
}
