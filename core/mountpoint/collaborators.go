package mountpoint

import (
	"github.com/openbmc-project/virtual-media/core/nbd"
	"github.com/openbmc-project/virtual-media/core/secret"
)

// Spawner starts a subprocess and delivers its exit code once. A
// *process.Monitor is adapted to this interface at the composition root
// (cmd/virtual-mediad) since *process.Handle satisfies ProcessRef
// structurally but Monitor.Spawn's own signature returns the concrete
// *process.Handle type. Machine depends on the interface, not the
// concrete type, so tests can inject a fake subprocess driver without
// forking anything (spec.md's "out of scope: the subprocess executor").
type Spawner interface {
	Spawn(argv []string, onExit func(exitCode int)) (ProcessRef, error)
}

// GadgetController configures or removes a slot's USB mass-storage
// gadget function, the shape *gadget.Controller implements.
type GadgetController interface {
	Configure(slot string, dev nbd.Device, rw bool) error
	Remove(slot string) error
}

// CIFSHelper creates/mounts/unmounts/removes the scratch directory backing
// a legacy smb:// mount, the shape cifs.Helper implements.
type CIFSHelper interface {
	CreateMountDir(slot string) (string, error)
	RemoveMountDir(dir string) error
	Mount(remoteParent, dir string, rw bool, creds *secret.Credentials) error
	Unmount(dir string) error
}

// DeviceRegistrar lets the machine ensure its device is registered with
// the shared udev monitor and force one rescan on Register, the shape
// *udevmon.Monitor implements.
type DeviceRegistrar interface {
	AddDevice(dev nbd.Device)
	Rescan() error
}

// EventSink emits the Redfish-style lifecycle events a successful
// Active/unmount transition produces (spec.md §6, "Redfish event
// emission").
type EventSink interface {
	ResourceCreated(objectPath string)
	ResourceDeleted(objectPath string)
}
