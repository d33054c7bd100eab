package dbusfacade

import (
	"sync"

	"github.com/godbus/dbus/v5"
)

// objectManager implements org.freedesktop.DBus.ObjectManager at
// rootPath, exported once before any per-slot interface is added
// (SPEC_FULL.md "Supplemented features" #1, from original_source's
// App constructor ordering).
type objectManager struct {
	mu    sync.Mutex
	slots []*slotExport
}

func newObjectManager() *objectManager {
	return &objectManager{}
}

func (o *objectManager) register(s *slotExport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.slots = append(o.slots, s)
}

// GetManagedObjects returns a snapshot of every exported slot's interfaces
// and current property values, computed fresh on each call rather than
// cached, so a client that calls it right after a Mount sees up-to-date
// state without waiting for the next refresh tick.
func (o *objectManager) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	o.mu.Lock()
	slots := append([]*slotExport(nil), o.slots...)
	o.mu.Unlock()

	out := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant, len(slots))
	for _, s := range slots {
		imageURL, user, writeProtected, active, exitCode := snapshot(s.machine)
		cdInstance, _ := s.props.Get(processIface, "CDInstance")
		out[s.path] = map[string]map[string]dbus.Variant{
			mountPointIface: {
				"Device":         dbus.MakeVariant(s.machine.Device().String()),
				"EndpointId":     dbus.MakeVariant(s.machine.EndpointID()),
				"Socket":         dbus.MakeVariant(s.machine.UnixSocket()),
				"ImageURL":       dbus.MakeVariant(imageURL),
				"User":           dbus.MakeVariant(user),
				"WriteProtected": dbus.MakeVariant(writeProtected),
			},
			processIface: {
				"Active":     dbus.MakeVariant(active),
				"ExitCode":   dbus.MakeVariant(exitCode),
				"CDInstance": cdInstance,
			},
		}
	}
	return out, nil
}
