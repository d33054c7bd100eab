package mountpoint

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openbmc-project/virtual-media/core/nbd"
	"github.com/openbmc-project/virtual-media/core/secret"
	"github.com/openbmc-project/virtual-media/core/udevmon"
)

// fakeProcess is a ProcessRef whose Stop() optionally triggers the exit
// callback synchronously, the way a well-behaved fake subprocess driver
// would simulate SIGTERM being honored immediately.
type fakeProcess struct {
	pid       int
	onExit    func(int)
	stopCode  int
	autoExit  bool
	stopCalls int
}

func (p *fakeProcess) Stop() {
	p.stopCalls++
	if p.autoExit && p.onExit != nil {
		p.onExit(p.stopCode)
	}
}
func (p *fakeProcess) Pid() int { return p.pid }

type fakeSpawner struct {
	mu       sync.Mutex
	nextPid  int
	fail     bool
	spawned  []*fakeProcess
	autoExit bool
}

func (s *fakeSpawner) Spawn(argv []string, onExit func(int)) (ProcessRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errTestSpawnFailed
	}
	s.nextPid++
	p := &fakeProcess{pid: s.nextPid, onExit: onExit, autoExit: s.autoExit}
	s.spawned = append(s.spawned, p)
	return p, nil
}

var errTestSpawnFailed = &testError{"spawn failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

type fakeGadget struct {
	mu            sync.Mutex
	configureFail bool
	removeFail    bool
	configured    bool
}

func (g *fakeGadget) Configure(slot string, dev nbd.Device, rw bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.configureFail {
		return &testError{"configure failed"}
	}
	g.configured = true
	return nil
}

func (g *fakeGadget) Remove(slot string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.removeFail {
		return &testError{"remove failed"}
	}
	g.configured = false
	return nil
}

type fakeCIFS struct {
	mu          sync.Mutex
	mountFail   bool
	dirsCreated int
	dirsRemoved int
	mounted     map[string]bool
}

func newFakeCIFS() *fakeCIFS { return &fakeCIFS{mounted: make(map[string]bool)} }

func (f *fakeCIFS) CreateMountDir(slot string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirsCreated++
	return "/scratch/" + slot, nil
}

func (f *fakeCIFS) RemoveMountDir(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirsRemoved++
	delete(f.mounted, dir)
	return nil
}

func (f *fakeCIFS) Mount(remoteParent, dir string, rw bool, creds *secret.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mountFail {
		return &testError{"mount failed"}
	}
	f.mounted[dir] = true
	return nil
}

func (f *fakeCIFS) Unmount(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.mounted, dir)
	return nil
}

type fakeDevices struct {
	mu      sync.Mutex
	added   []nbd.Device
	rescans int
}

func (d *fakeDevices) AddDevice(dev nbd.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.added = append(d.added, dev)
}
func (d *fakeDevices) Rescan() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rescans++
	return nil
}

type fakeEvents struct {
	mu      sync.Mutex
	created []string
	deleted []string
}

func (e *fakeEvents) ResourceCreated(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.created = append(e.created, path)
}
func (e *fakeEvents) ResourceDeleted(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleted = append(e.deleted, path)
}

type testRig struct {
	machine  *Machine
	spawner  *fakeSpawner
	gadget   *fakeGadget
	cifs     *fakeCIFS
	devices  *fakeDevices
	events   *fakeEvents
	cancel   context.CancelFunc
}

func newTestRig(t *testing.T, mode Mode) *testRig {
	t.Helper()
	dev, err := nbd.Parse("/dev/nbd0")
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{Name: "S0", Mode: mode, Device: dev, UnixSocket: "/run/virtual-media/S0.sock"}

	spawner := &fakeSpawner{autoExit: false}
	gadget := &fakeGadget{}
	cifs := newFakeCIFS()
	devices := &fakeDevices{}
	events := &fakeEvents{}

	m := New(cfg, spawner, gadget, cifs, devices, events)

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(cancel)

	return &testRig{machine: m, spawner: spawner, gadget: gadget, cifs: cifs, devices: devices, events: events, cancel: cancel}
}

// waitForState polls until pred matches the machine's state or the
// deadline passes, mirroring the facade's own 100ms/12s polling contract
// at a much shorter timescale suitable for tests.
func waitForState(t *testing.T, m *Machine, timeout time.Duration, pred func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last State
	for time.Now().Before(deadline) {
		last = m.State()
		if pred(last) {
			return last
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state; last seen %T", last)
	return last
}

func TestProxyHappyPath(t *testing.T) {
	rig := newTestRig(t, ModeProxy)

	if err := rig.machine.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := rig.machine.Mount(Target{ImageURL: "", RW: true}); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	waitForState(t, rig.machine, time.Second, func(s State) bool {
		_, ok := s.(WaitingForGadget)
		return ok
	})

	rig.machine.NotifyUdevChange(udevmon.Inserted)

	final := waitForState(t, rig.machine, time.Second, func(s State) bool {
		_, ok := s.(Active)
		return ok
	})
	if _, ok := final.(Active); !ok {
		t.Fatalf("expected Active, got %T", final)
	}

	rig.events.mu.Lock()
	defer rig.events.mu.Unlock()
	if len(rig.events.created) != 1 || rig.events.created[0] != rig.machine.ObjectPath() {
		t.Fatalf("expected one ResourceCreated event for %s, got %v", rig.machine.ObjectPath(), rig.events.created)
	}
}

func TestLegacyCIFSHappyPath(t *testing.T) {
	rig := newTestRig(t, ModeLegacy)
	if err := rig.machine.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}

	creds := secret.New("alice", []byte("s3cret"))
	target := Target{ImageURL: "smb://host/share/sub/file.iso", RW: false, Credentials: creds}
	if err := rig.machine.Mount(target); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	waitForState(t, rig.machine, time.Second, func(s State) bool {
		_, ok := s.(WaitingForGadget)
		return ok
	})
	rig.machine.NotifyUdevChange(udevmon.Inserted)
	waitForState(t, rig.machine, time.Second, func(s State) bool {
		_, ok := s.(Active)
		return ok
	})

	got := rig.machine.CurrentTarget()
	if got == nil || got.ImageURL != target.ImageURL {
		t.Fatalf("expected target to carry image URL, got %+v", got)
	}
	if got.RW {
		t.Fatalf("expected WriteProtected semantics: RW should be false")
	}
	if got.Credentials == nil || got.Credentials.User() != "alice" {
		t.Fatalf("expected credentials to survive into the active target")
	}

	rig.cifs.mu.Lock()
	mounted := len(rig.cifs.mounted) == 1
	rig.cifs.mu.Unlock()
	if !mounted {
		t.Fatalf("expected exactly one CIFS mount to be active")
	}
}

func TestBadURLRejected(t *testing.T) {
	rig := newTestRig(t, ModeLegacy)
	rig.machine.Register()

	if err := rig.machine.Mount(Target{ImageURL: "ftp://x/y"}); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	final := waitForState(t, rig.machine, time.Second, func(s State) bool {
		ready, ok := s.(Ready)
		return ok && ready.Error != nil
	})
	ready := final.(Ready)
	if ready.Error.Kind != ErrInvalidArgument {
		t.Fatalf("expected invalid_argument, got %v", ready.Error.Kind)
	}
	if !strings.Contains(ready.Error.Message, "not recognized") {
		t.Fatalf("unexpected message: %q", ready.Error.Message)
	}
}

func TestPrematureSubprocessExit(t *testing.T) {
	rig := newTestRig(t, ModeProxy)
	rig.machine.Register()

	if err := rig.machine.Mount(Target{}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	waitForState(t, rig.machine, time.Second, func(s State) bool {
		_, ok := s.(WaitingForGadget)
		return ok
	})

	rig.spawner.mu.Lock()
	proc := rig.spawner.spawned[0]
	rig.spawner.mu.Unlock()
	proc.onExit(1)

	final := waitForState(t, rig.machine, time.Second, func(s State) bool {
		ready, ok := s.(Ready)
		return ok && ready.Error != nil
	})
	ready := final.(Ready)
	if ready.Error.Kind != ErrIO {
		t.Fatalf("expected io_error, got %v", ready.Error.Kind)
	}
	if ready.Error.Message != "Process ended prematurely" {
		t.Fatalf("unexpected message: %q", ready.Error.Message)
	}
}

func TestGadgetBusy(t *testing.T) {
	rig := newTestRig(t, ModeProxy)
	rig.spawner.autoExit = true // Stop() simulates the child actually exiting
	rig.gadget.configureFail = true
	rig.machine.Register()

	if err := rig.machine.Mount(Target{}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	waitForState(t, rig.machine, time.Second, func(s State) bool {
		_, ok := s.(WaitingForGadget)
		return ok
	})

	rig.machine.NotifyUdevChange(udevmon.Inserted)

	final := waitForState(t, rig.machine, time.Second, func(s State) bool {
		ready, ok := s.(Ready)
		return ok && ready.Error != nil
	})
	ready := final.(Ready)
	if ready.Error.Kind != ErrDeviceOrResourceBusy {
		t.Fatalf("expected device_or_resource_busy, got %v", ready.Error.Kind)
	}

	rig.spawner.mu.Lock()
	proc := rig.spawner.spawned[0]
	rig.spawner.mu.Unlock()
	if proc.stopCalls == 0 {
		t.Fatalf("expected subprocess to be stopped")
	}
}

func TestUnmountDuringActivation(t *testing.T) {
	rig := newTestRig(t, ModeProxy)
	rig.spawner.autoExit = true
	rig.machine.Register()

	if err := rig.machine.Mount(Target{}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	waitForState(t, rig.machine, time.Second, func(s State) bool {
		_, ok := s.(WaitingForGadget)
		return ok
	})

	if err := rig.machine.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	final := waitForState(t, rig.machine, time.Second, func(s State) bool {
		ready, ok := s.(Ready)
		return ok && ready.Error == nil
	})
	if _, ok := final.(Ready); !ok {
		t.Fatalf("expected Ready, got %T", final)
	}
}

func TestMountIllegalOutsideReady(t *testing.T) {
	rig := newTestRig(t, ModeProxy)
	// Never Register()'d: slot is still Initial.
	if err := rig.machine.Mount(Target{}); err != ErrPermissionDenied {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestUnmountIllegalWhenReady(t *testing.T) {
	rig := newTestRig(t, ModeProxy)
	rig.machine.Register()
	if err := rig.machine.Unmount(); err != ErrPermissionDenied {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

// TestRoundTripLeavesNoResidue exercises P4 and the round-trip law: after
// mount/unmount, no subprocess or gadget state lingers.
func TestRoundTripLeavesNoResidue(t *testing.T) {
	rig := newTestRig(t, ModeProxy)
	rig.spawner.autoExit = true
	rig.machine.Register()

	for i := 0; i < 3; i++ {
		if err := rig.machine.Mount(Target{RW: true}); err != nil {
			t.Fatalf("round %d Mount: %v", i, err)
		}
		waitForState(t, rig.machine, time.Second, func(s State) bool {
			_, ok := s.(WaitingForGadget)
			return ok
		})
		rig.machine.NotifyUdevChange(udevmon.Inserted)
		waitForState(t, rig.machine, time.Second, func(s State) bool {
			_, ok := s.(Active)
			return ok
		})

		if err := rig.machine.Unmount(); err != nil {
			t.Fatalf("round %d Unmount: %v", i, err)
		}
		waitForState(t, rig.machine, time.Second, func(s State) bool {
			_, ok := s.(Ready)
			return ok
		})
	}

	rig.gadget.mu.Lock()
	configured := rig.gadget.configured
	rig.gadget.mu.Unlock()
	if configured {
		t.Fatalf("expected gadget to be unconfigured after the final unmount")
	}
	if rig.machine.CurrentTarget() != nil {
		t.Fatalf("expected no target after returning to Ready")
	}
}
