// Package mountpoint implements the per-slot finite-state machine that
// coordinates a subprocess driver, a kernel device monitor, a USB gadget
// controller and (in legacy mode) a CIFS share into a single
// Mount/Unmount lifecycle. It is the core described at length in
// state_machine.hpp: a closed state union, a closed event union and a
// transition function applied one event at a time on a single goroutine
// per slot, generalized from containerd's reaper/state-machine idiom of
// small data-carrying variants plus a dispatch switch rather than virtual
// method dispatch.
package mountpoint

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"sync"

	"github.com/containerd/log"

	"github.com/openbmc-project/virtual-media/core/nbd"
	"github.com/openbmc-project/virtual-media/core/nbdserver"
	"github.com/openbmc-project/virtual-media/core/secret"
	"github.com/openbmc-project/virtual-media/core/udevmon"
)

// ErrPermissionDenied is returned by Mount/Unmount when the event is
// illegal for the slot's current state (spec.md §4.1, "fails the
// originating IPC call with a permission-denied error").
var ErrPermissionDenied = errors.New("mountpoint: operation not permitted in current state")

// Machine is one slot's state machine. All state mutation happens on the
// goroutine running Run; every other method only enqueues a request and,
// for Register/Mount/Unmount, waits for that request to be processed
// before returning — the Go rendering of "single-threaded cooperative
// event loop" (spec.md §5).
type Machine struct {
	cfg     Config
	spawner Spawner
	gadget  GadgetController
	cifs    CIFSHelper
	devices DeviceRegistrar
	events  EventSink

	inbox chan request

	mu       sync.Mutex
	state    State
	target   *Target
	exitCode int
}

type request struct {
	event Event
	reply chan error
}

// New constructs a Machine in the Initial state. Run must be started
// before Register/Mount/Unmount/Notify* are called.
func New(cfg Config, spawner Spawner, gadget GadgetController, cifs CIFSHelper, devices DeviceRegistrar, events EventSink) *Machine {
	return &Machine{
		cfg:     cfg,
		spawner: spawner,
		gadget:  gadget,
		cifs:    cifs,
		devices: devices,
		events:  events,
		state:   Initial{},
		inbox:   make(chan request, 8),
	}
}

// Run drains the event inbox until ctx is cancelled. It is meant to run
// on its own goroutine, one per slot.
func (m *Machine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.inbox:
			err := m.apply(req.event)
			if req.reply != nil {
				req.reply <- err
			}
		}
	}
}

// send enqueues ev and blocks until the loop goroutine has applied it.
func (m *Machine) send(ev Event) error {
	reply := make(chan error, 1)
	m.inbox <- request{event: ev, reply: reply}
	return <-reply
}

// sendAsync enqueues ev without waiting for it to be applied, for events
// posted from callbacks that must not block their caller (subprocess
// completion, device monitor delivery, internal self-posting).
func (m *Machine) sendAsync(ev Event) {
	m.inbox <- request{event: ev}
}

// Register transitions the slot from Initial to Ready. Call once;
// cmd/virtual-mediad calls it after the facade has exported the slot's IPC
// object tree via AddSlot.
func (m *Machine) Register() error { return m.send(RegisterEvent{}) }

// Mount requests activation of t. It returns ErrPermissionDenied
// immediately if the slot is not Ready; otherwise it returns nil once
// activation has been kicked off, and the caller (ipc/dbusfacade) polls
// State for the terminal outcome.
func (m *Machine) Mount(t Target) error { return m.send(MountEvent{Target: t}) }

// Unmount requests teardown. It returns ErrPermissionDenied immediately
// if the slot has no active or activating target.
func (m *Machine) Unmount() error { return m.send(UnmountEvent{}) }

// NotifySubprocessStopped is the completion callback passed to Spawner.Spawn.
func (m *Machine) NotifySubprocessStopped(exitCode int) {
	m.sendAsync(SubprocessStoppedEvent{ExitCode: exitCode})
}

// NotifyUdevChange is the device monitor's delivery callback.
func (m *Machine) NotifyUdevChange(change udevmon.StateChange) {
	m.sendAsync(UdevStateChangeEvent{Change: change})
}

// State returns a snapshot of the slot's current state, safe to call
// from any goroutine (used by IPC property reads and the facade's
// completion-polling loop).
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentTarget returns a snapshot of the slot's target, or nil if the
// slot is not in the active lifecycle.
func (m *Machine) CurrentTarget() *Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// ExitCode returns the last subprocess exit code observed, for the
// Process interface's ExitCode property.
func (m *Machine) ExitCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitCode
}

// Name returns the slot's configured name.
func (m *Machine) Name() string { return m.cfg.Name }

// Mode returns the slot's configured activation mode.
func (m *Machine) Mode() Mode { return m.cfg.Mode }

// Device returns the slot's configured NBD device identity.
func (m *Machine) Device() nbd.Device { return m.cfg.Device }

// UnixSocket returns the slot's configured Unix domain socket path.
func (m *Machine) UnixSocket() string { return m.cfg.UnixSocket }

// EndpointID returns the slot's configured stable IPC endpoint id.
func (m *Machine) EndpointID() string { return m.cfg.EndpointID }

// ObjectPath returns the slot's D-Bus object path (spec.md §6).
func (m *Machine) ObjectPath() string {
	return "/xyz/openbmc_project/VirtualMedia/" + m.cfg.Mode.String() + "/" + m.cfg.Name
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// apply is the transition function (State, Event) -> State, dispatched
// first on event type and then, inside each handler, on the current
// state's type — this package's rendering of the teacher's double
// dispatch without virtual methods.
func (m *Machine) apply(ev Event) error {
	switch e := ev.(type) {
	case RegisterEvent:
		return m.applyRegister()
	case MountEvent:
		return m.applyMount(e.Target)
	case UnmountEvent:
		return m.applyUnmount()
	case SubprocessStoppedEvent:
		return m.applySubprocessStopped(e.ExitCode)
	case ActivationStartedEvent:
		return m.applyActivationStarted()
	case UdevStateChangeEvent:
		return m.applyUdevStateChange(e.Change)
	default:
		return fmt.Errorf("mountpoint: unknown event %T", ev)
	}
}

func (m *Machine) applyRegister() error {
	if _, ok := m.State().(Initial); !ok {
		log.L.WithField("slot", m.cfg.Name).Error("mountpoint: Register received outside Initial")
		m.setState(Initial{})
		return nil
	}

	m.devices.AddDevice(m.cfg.Device)
	if err := m.devices.Rescan(); err != nil {
		log.L.WithField("slot", m.cfg.Name).WithError(err).Warn("mountpoint: udev rescan on Register failed")
	}
	m.setState(Ready{})
	return nil
}

func (m *Machine) applyMount(t Target) error {
	if _, ok := m.State().(Ready); !ok {
		return ErrPermissionDenied
	}

	m.mu.Lock()
	m.target = &t
	m.exitCode = 0
	m.state = Activating{}
	m.mu.Unlock()

	// Activating.onEnter: reset exitCode (above); post ActivationStarted
	// to self (spec.md §4.1).
	m.sendAsync(ActivationStartedEvent{})
	return nil
}

func (m *Machine) applyUnmount() error {
	switch s := m.State().(type) {
	case Activating:
		m.enterReady(nil)
		return nil
	case WaitingForGadget:
		s.Process.Stop()
		m.setState(WaitingForProcessEnd{Process: s.Process})
		return nil
	case Active:
		var pending *Error
		if err := m.gadget.Remove(m.cfg.Name); err != nil {
			log.L.WithField("slot", m.cfg.Name).WithError(err).Warn("mountpoint: gadget remove failed during unmount")
			pending = &Error{Kind: ErrDeviceOrResourceBusy, Message: "gadget removal failed"}
		} else {
			m.events.ResourceDeleted(m.ObjectPath())
		}
		s.Process.Stop()
		m.setState(WaitingForProcessEnd{Process: s.Process, PendingError: pending})
		return nil
	default:
		return ErrPermissionDenied
	}
}

func (m *Machine) applySubprocessStopped(exitCode int) error {
	m.mu.Lock()
	m.exitCode = exitCode
	m.mu.Unlock()

	switch s := m.State().(type) {
	case Activating:
		// Not reachable by construction: no subprocess exists until ActivationStarted moves the slot on.
		log.L.WithField("slot", m.cfg.Name).Warn("mountpoint: subprocess stopped before activation began")
		m.enterReady(nil)
		return nil
	case WaitingForGadget:
		_ = s
		m.enterReady(&Error{Kind: ErrIO, Message: "Process ended prematurely"})
		return nil
	case Active:
		var pending *Error
		if err := m.gadget.Remove(m.cfg.Name); err != nil {
			log.L.WithField("slot", m.cfg.Name).WithError(err).Warn("mountpoint: gadget remove failed after subprocess exit")
			pending = &Error{Kind: ErrDeviceOrResourceBusy, Message: "gadget removal failed"}
		}
		m.enterReady(pending)
		return nil
	case WaitingForProcessEnd:
		m.enterReady(s.PendingError)
		return nil
	default:
		log.L.WithField("slot", m.cfg.Name).Error("mountpoint: SubprocessStopped received in unexpected state")
		return nil
	}
}

func (m *Machine) applyActivationStarted() error {
	m.mu.Lock()
	cur := m.state
	target := m.target
	m.mu.Unlock()

	if _, ok := cur.(Activating); !ok {
		log.L.WithField("slot", m.cfg.Name).Error("mountpoint: ActivationStarted received outside Activating")
		return nil
	}
	if target == nil {
		m.enterReady(&Error{Kind: ErrInvalidArgument, Message: "no target"})
		return nil
	}

	handle, cifsDir, kind, msg := m.activate(*target)
	if kind != ErrNone {
		if cifsDir != "" {
			m.cifs.Unmount(cifsDir)        //nolint:errcheck
			m.cifs.RemoveMountDir(cifsDir) //nolint:errcheck
		}
		if target.Credentials != nil {
			target.Credentials.Close()
		}
		m.mu.Lock()
		m.target = nil
		m.mu.Unlock()
		m.setState(Ready{Error: &Error{Kind: kind, Message: msg}})
		return nil
	}

	updated := *target
	updated.MountDir = cifsDir
	m.mu.Lock()
	m.target = &updated
	m.state = WaitingForGadget{Process: handle}
	m.mu.Unlock()
	return nil
}

func (m *Machine) applyUdevStateChange(change udevmon.StateChange) error {
	switch s := m.State().(type) {
	case WaitingForGadget:
		if change != udevmon.Inserted {
			log.L.WithField("slot", m.cfg.Name).Error("mountpoint: unexpected udev removal while WaitingForGadget")
			return nil
		}

		target := m.CurrentTarget()
		rw := target != nil && target.RW
		if err := m.gadget.Configure(m.cfg.Name, m.cfg.Device, rw); err != nil {
			log.L.WithField("slot", m.cfg.Name).WithError(err).Warn("mountpoint: gadget configure failed")
			s.Process.Stop()
			m.setState(WaitingForProcessEnd{
				Process:      s.Process,
				PendingError: &Error{Kind: ErrDeviceOrResourceBusy, Message: "gadget configure failed"},
			})
			return nil
		}

		m.setState(Active{Process: s.Process})
		m.events.ResourceCreated(m.ObjectPath())
		return nil
	case Ready:
		if change == udevmon.Removed {
			return nil
		}
		log.L.WithField("slot", m.cfg.Name).Error("mountpoint: unexpected udev insertion while Ready")
		return nil
	default:
		log.L.WithField("slot", m.cfg.Name).Error("mountpoint: UdevStateChange received in unexpected state")
		return nil
	}
}

// enterReady performs Ready.onEnter: tear down any CIFS scratch mount,
// zeroize and release credentials, clear the target, and publish the
// Ready state carrying errOpt (spec.md §4.1, "Ready.onEnter").
func (m *Machine) enterReady(errOpt *Error) {
	target := m.CurrentTarget()
	if target != nil {
		if target.MountDir != "" {
			if err := m.cifs.Unmount(target.MountDir); err != nil {
				log.L.WithField("slot", m.cfg.Name).WithError(err).Warn("mountpoint: cifs unmount failed during teardown")
			}
			if err := m.cifs.RemoveMountDir(target.MountDir); err != nil {
				log.L.WithField("slot", m.cfg.Name).WithError(err).Warn("mountpoint: remove scratch dir failed during teardown")
			}
		}
		if target.Credentials != nil {
			target.Credentials.Close()
		}
	}

	m.mu.Lock()
	m.target = nil
	m.state = Ready{Error: errOpt}
	m.mu.Unlock()
}

// activate runs the mode- and URL-specific activation algorithm of
// spec.md §4.1 and returns either a running subprocess handle (and, for
// smb:// targets, the scratch directory backing it) or a non-ErrNone
// failure kind with a message.
func (m *Machine) activate(t Target) (handle ProcessRef, cifsDir string, kind ErrorKind, msg string) {
	switch m.cfg.Mode {
	case ModeProxy:
		return m.activateProxy(t)
	case ModeLegacy:
		return m.activateLegacy(t)
	default:
		return nil, "", ErrInvalidArgument, "unknown mode"
	}
}

func (m *Machine) clientConfig() nbdserver.ClientConfig {
	return nbdserver.ClientConfig{
		Device:     m.cfg.Device,
		UnixSocket: m.cfg.UnixSocket,
		BlockSize:  m.cfg.BlockSize,
		Timeout:    m.cfg.Timeout,
	}
}

// activateProxy spawns the NBD client against the slot's pre-existing
// Unix socket. It does not consult t.RW: spec.md §9 notes the original
// leaves proxy mode's handling of the rw flag unspecified, so it is
// accepted unconditionally here too.
func (m *Machine) activateProxy(t Target) (ProcessRef, string, ErrorKind, string) {
	argv := append([]string{"/usr/sbin/nbd-client"}, nbdserver.ClientArgs(m.clientConfig())...)
	handle, err := m.spawner.Spawn(argv, m.NotifySubprocessStopped)
	if err != nil {
		return nil, "", ErrOperationCanceled, "failed to spawn nbd-client"
	}
	return handle, "", ErrNone, ""
}

func (m *Machine) activateLegacy(t Target) (ProcessRef, string, ErrorKind, string) {
	u, err := url.Parse(t.ImageURL)
	if err != nil {
		return nil, "", ErrInvalidArgument, "URL not recognized"
	}

	switch u.Scheme {
	case "smb":
		return m.activateSMB(t, u)
	case "https":
		return m.activateHTTPS(t, u)
	default:
		return nil, "", ErrInvalidArgument, "URL not recognized"
	}
}

// activateSMB implements spec.md §4.1's "Legacy, smb://" algorithm.
func (m *Machine) activateSMB(t Target, u *url.URL) (ProcessRef, string, ErrorKind, string) {
	dir, err := m.cifs.CreateMountDir(m.cfg.Name)
	if err != nil {
		return nil, "", ErrIO, "failed to create scratch directory"
	}

	remoteParent := "//" + u.Host + path.Dir(u.Path)
	filename := path.Base(u.Path)

	if err := m.cifs.Mount(remoteParent, dir, t.RW, t.Credentials); err != nil {
		m.cifs.RemoveMountDir(dir) //nolint:errcheck
		return nil, "", ErrIO, "CIFS mount failed"
	}

	argv := nbdserver.FileServerArgs(m.clientConfig(), filepath.Join(dir, filename), t.RW)
	handle, err := m.spawner.Spawn(argv, m.NotifySubprocessStopped)
	if err != nil {
		m.cifs.Unmount(dir)        //nolint:errcheck
		m.cifs.RemoveMountDir(dir) //nolint:errcheck
		return nil, "", ErrOperationCanceled, "failed to spawn nbd server"
	}

	return handle, dir, ErrNone, ""
}

// activateHTTPS implements spec.md §4.1's "Legacy, https://" algorithm.
func (m *Machine) activateHTTPS(t Target, u *url.URL) (ProcessRef, string, ErrorKind, string) {
	cfg := m.clientConfig()

	var secretPath, user string
	var volatile *secret.VolatileFile
	if t.Credentials != nil {
		user = t.Credentials.User()
		var writeErr error
		t.Credentials.Pack(func(_ string, password []byte) {
			volatile, writeErr = secret.NewVolatileFile(SecretDir, password)
		})
		if writeErr != nil {
			return nil, "", ErrOperationCanceled, "failed to write credential secret file"
		}
		secretPath = volatile.Path()
	}

	argv := nbdserver.HTTPSServerArgs(cfg, t.ImageURL, t.RW, user, secretPath)

	onExit := m.NotifySubprocessStopped
	if volatile != nil {
		onExit = func(exitCode int) {
			volatile.Close() //nolint:errcheck
			m.NotifySubprocessStopped(exitCode)
		}
	}

	handle, err := m.spawner.Spawn(argv, onExit)
	if err != nil {
		if volatile != nil {
			volatile.Close() //nolint:errcheck
		}
		return nil, "", ErrOperationCanceled, "failed to spawn nbd server"
	}

	return handle, "", ErrNone, ""
}
