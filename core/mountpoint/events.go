package mountpoint

import "github.com/openbmc-project/virtual-media/core/udevmon"

// Event is the closed set of inputs the machine's single-threaded loop
// applies one at a time (spec.md §4.1).
type Event interface {
	Name() string
}

// RegisterEvent is emitted once at startup, legal only from Initial.
type RegisterEvent struct{}

func (RegisterEvent) Name() string { return "Register" }

// MountEvent is emitted by the IPC facade, legal only from Ready.
type MountEvent struct {
	Target Target
}

func (MountEvent) Name() string { return "Mount" }

// UnmountEvent is emitted by the IPC facade, legal in
// Activating/WaitingForGadget/Active.
type UnmountEvent struct{}

func (UnmountEvent) Name() string { return "Unmount" }

// SubprocessStoppedEvent is emitted by the process driver's completion
// callback.
type SubprocessStoppedEvent struct {
	ExitCode int
}

func (SubprocessStoppedEvent) Name() string { return "SubprocessStopped" }

// ActivationStartedEvent is posted internally from Activating's onEnter.
type ActivationStartedEvent struct{}

func (ActivationStartedEvent) Name() string { return "ActivationStarted" }

// UdevStateChangeEvent is emitted by the device monitor.
type UdevStateChangeEvent struct {
	Change udevmon.StateChange
}

func (UdevStateChangeEvent) Name() string { return "UdevStateChange" }
