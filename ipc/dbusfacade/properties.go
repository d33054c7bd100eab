package dbusfacade

import (
	"time"

	"github.com/godbus/dbus/v5/prop"

	"github.com/openbmc-project/virtual-media/core/mountpoint"
)

// refreshInterval is how often a slot's read-only properties are
// resynchronized from the state machine's live snapshot. It stands in for
// the PropertiesChanged-on-every-transition signal a hand-written D-Bus
// server would emit directly from onEnter hooks; polling from the facade
// keeps core/mountpoint transport-agnostic (spec.md §7's layering note).
var refreshInterval = 250 * time.Millisecond

// buildPropSpec constructs the MountPoint/Process property table for one
// slot (spec.md §4.6). CDInstance is the one writable property: a
// consumer-settable hint with no side effects on the state machine, so it
// carries no Callback beyond accepting the write.
func buildPropSpec(m *mountpoint.Machine) map[string]map[string]*prop.Prop {
	return map[string]map[string]*prop.Prop{
		mountPointIface: {
			"Device":         {Value: m.Device().String(), Writable: false, Emit: prop.EmitTrue},
			"EndpointId":     {Value: m.EndpointID(), Writable: false, Emit: prop.EmitTrue},
			"Socket":         {Value: m.UnixSocket(), Writable: false, Emit: prop.EmitTrue},
			"ImageURL":       {Value: "", Writable: false, Emit: prop.EmitTrue},
			"User":           {Value: "", Writable: false, Emit: prop.EmitTrue},
			"WriteProtected": {Value: true, Writable: false, Emit: prop.EmitTrue},
		},
		processIface: {
			"Active":     {Value: false, Writable: false, Emit: prop.EmitTrue},
			"ExitCode":   {Value: int32(0), Writable: false, Emit: prop.EmitTrue},
			"CDInstance": {Value: "", Writable: true, Emit: prop.EmitTrue},
		},
	}
}

// snapshot computes the current value of every read-only property from the
// machine's live state, the same fields spec.md §4.6 describes:
// ImageURL/User/WriteProtected empty/true unless Active, Active true iff
// state is Active, ExitCode the last observed subprocess exit code.
func snapshot(m *mountpoint.Machine) (imageURL, user string, writeProtected, active bool, exitCode int32) {
	_, isActive := m.State().(mountpoint.Active)
	target := m.CurrentTarget()

	writeProtected = true
	if isActive && target != nil {
		imageURL = target.ImageURL
		if target.Credentials != nil {
			user = target.Credentials.User()
		}
		writeProtected = !target.RW
	}
	return imageURL, user, writeProtected, isActive, int32(m.ExitCode())
}

// refreshProperties resyncs a slot's read-only properties on refreshInterval
// until stop is closed. It never touches CDInstance, the one writable,
// consumer-owned property.
func refreshProperties(m *mountpoint.Machine, props *prop.Properties, stop <-chan struct{}) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			imageURL, user, writeProtected, active, exitCode := snapshot(m)
			props.SetMust(mountPointIface, "ImageURL", imageURL)
			props.SetMust(mountPointIface, "User", user)
			props.SetMust(mountPointIface, "WriteProtected", writeProtected)
			props.SetMust(mountPointIface, "Device", m.Device().String())
			props.SetMust(mountPointIface, "EndpointId", m.EndpointID())
			props.SetMust(mountPointIface, "Socket", m.UnixSocket())
			props.SetMust(processIface, "Active", active)
			props.SetMust(processIface, "ExitCode", exitCode)
		}
	}
}
