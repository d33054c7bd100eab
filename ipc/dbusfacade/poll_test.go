package dbusfacade

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbmc-project/virtual-media/core/mountpoint"
	"github.com/openbmc-project/virtual-media/core/nbd"
	"github.com/openbmc-project/virtual-media/core/secret"
	"github.com/openbmc-project/virtual-media/core/udevmon"
)

type fakeProcessRef struct {
	mu      sync.Mutex
	stopped bool
	onExit  func(int)
}

func (p *fakeProcessRef) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	if p.onExit != nil {
		go p.onExit(0)
	}
}
func (p *fakeProcessRef) Pid() int { return 1 }

type fakeSpawner struct {
	mu   sync.Mutex
	last *fakeProcessRef
}

func (s *fakeSpawner) Spawn(argv []string, onExit func(int)) (mountpoint.ProcessRef, error) {
	p := &fakeProcessRef{onExit: onExit}
	s.mu.Lock()
	s.last = p
	s.mu.Unlock()
	return p, nil
}

type fakeGadget struct{}

func (fakeGadget) Configure(slot string, dev nbd.Device, rw bool) error { return nil }
func (fakeGadget) Remove(slot string) error                            { return nil }

type fakeCIFS struct{}

func (fakeCIFS) CreateMountDir(slot string) (string, error) { return "/scratch/" + slot, nil }
func (fakeCIFS) RemoveMountDir(dir string) error            { return nil }
func (fakeCIFS) Mount(remoteParent, dir string, rw bool, creds *secret.Credentials) error {
	return nil
}
func (fakeCIFS) Unmount(dir string) error { return nil }

type fakeDevices struct{}

func (fakeDevices) AddDevice(dev nbd.Device) {}
func (fakeDevices) Rescan() error            { return nil }

type fakeEvents struct {
	mu      sync.Mutex
	created int
	deleted int
}

func (e *fakeEvents) ResourceCreated(string) {
	e.mu.Lock()
	e.created++
	e.mu.Unlock()
}
func (e *fakeEvents) ResourceDeleted(string) {
	e.mu.Lock()
	e.deleted++
	e.mu.Unlock()
}

func newTestMachine(t *testing.T) (*mountpoint.Machine, *fakeSpawner) {
	t.Helper()
	dev, err := nbd.Parse("/dev/nbd0")
	require.NoError(t, err)

	spawner := &fakeSpawner{}
	m := mountpoint.New(
		mountpoint.Config{Name: "s0", Mode: mountpoint.ModeProxy, Device: dev, UnixSocket: "/tmp/s0.sock", EndpointID: "s0"},
		spawner, fakeGadget{}, fakeCIFS{}, fakeDevices{}, &fakeEvents{},
	)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)

	require.NoError(t, m.Register())
	return m, spawner
}

// TestProxyMountUnmountRoundTrip exercises spec.md §8 boundary scenario 1
// through the facade's Service.Mount/Unmount, using a shortened poll
// budget so the test doesn't wait out the real 12s timeout.
func TestProxyMountUnmountRoundTrip(t *testing.T) {
	oldInterval, oldCount := pollInterval, pollCount
	pollInterval, pollCount = time.Millisecond, 2000
	t.Cleanup(func() { pollInterval, pollCount = oldInterval, oldCount })

	m, spawner := newTestMachine(t)
	svc := &proxyService{machine: m}

	go func() {
		for i := 0; i < 200; i++ {
			time.Sleep(time.Millisecond)
			spawner.mu.Lock()
			spawned := spawner.last != nil
			spawner.mu.Unlock()
			if !spawned {
				continue
			}
			m.NotifyUdevChange(udevmon.StateChange(0)) // Inserted
			return
		}
	}()

	ok, derr := svc.Mount()
	require.Nil(t, derr)
	assert.True(t, ok)
	_, isActive := m.State().(mountpoint.Active)
	assert.True(t, isActive)

	ok, derr = svc.Unmount()
	require.Nil(t, derr)
	assert.True(t, ok)
}
