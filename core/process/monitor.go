// Package process spawns and supervises the NBD client / NBD server
// subprocesses a mountpoint activates, delivering a one-shot completion
// notification per child.
//
// Ownership is split the way the state machine needs it: Monitor holds the
// only strong reference to a running child (the *exec.Cmd, kept alive until
// the kernel reports it reaped) while a Handle, the weak reference, is what
// callers outside this package hold — generalized from reaper/reaper.go's
// pid-keyed Monitor/Cmd split.
package process

import (
	"os/exec"
	"sync"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrNoSuchProcess is returned when a pid has no registered child.
var ErrNoSuchProcess = errors.New("process: no such process")

// Default is the package-level monitor used by all spawned subprocesses in
// this daemon, mirroring reaper.Default.
var Default = NewMonitor()

// Reap should be called once from the daemon's SIGCHLD handler. It reaps
// every exited child with a single wait loop and resolves each one's
// completion channel.
func Reap() error {
	return Default.reap()
}

// Monitor tracks every subprocess this daemon has spawned by pid.
type Monitor struct {
	mu      sync.Mutex
	cmds    map[int]*cmdEntry
	unknown map[int]int
}

type cmdEntry struct {
	cmd    *exec.Cmd
	onExit func(exitCode int)
	done   chan struct{}
}

// NewMonitor constructs an empty Monitor. Exposed for tests that want
// isolation from the package-level Default.
func NewMonitor() *Monitor {
	return &Monitor{
		cmds:    make(map[int]*cmdEntry),
		unknown: make(map[int]int),
	}
}

// Spawn starts argv[0] with the remaining elements as arguments and
// registers it with the monitor. onExit is invoked exactly once, from the
// monitor's reap path, with the child's exit code. It returns a weak Handle;
// the strong *exec.Cmd reference lives only in the Monitor until reaped.
func (m *Monitor) Spawn(argv []string, onExit func(exitCode int)) (*Handle, error) {
	if len(argv) == 0 {
		return nil, errors.New("process: empty argv")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	entry := &cmdEntry{cmd: cmd, onExit: onExit, done: make(chan struct{})}

	m.mu.Lock()
	err := cmd.Start()
	if cmd.Process != nil {
		m.registerLocked(cmd.Process.Pid, entry)
	}
	m.mu.Unlock()

	if err != nil {
		return nil, errors.Wrap(err, "process: spawn")
	}

	pid := cmd.Process.Pid
	return &Handle{pid: pid, monitor: m}, nil
}

// registerLocked must be called with mu held.
func (m *Monitor) registerLocked(pid int, entry *cmdEntry) {
	if code, ok := m.unknown[pid]; ok {
		delete(m.unknown, pid)
		m.resolve(entry, code)
		return
	}
	m.cmds[pid] = entry
}

func (m *Monitor) resolve(entry *cmdEntry, exitCode int) {
	if entry.cmd != nil {
		// Release pipes and let the finalizer run even though we never
		// block on this from the caller's goroutine.
		go entry.cmd.Wait() //nolint:errcheck
	}
	close(entry.done)
	if entry.onExit != nil {
		entry.onExit(exitCode)
	}
}

// reap drains every exited child with a single wait4 loop, the same shape
// as reaper.Reap, and resolves each one's completion.
func (m *Monitor) reap() error {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			if err == unix.ECHILD {
				return nil
			}
			return err
		}

		m.mu.Lock()
		entry, ok := m.cmds[pid]
		if !ok {
			m.unknown[pid] = status.ExitStatus()
			m.mu.Unlock()
			continue
		}
		delete(m.cmds, pid)
		m.mu.Unlock()

		log.L.WithField("pid", pid).Debug("process: reaped child")
		m.resolve(entry, status.ExitStatus())
	}
}

// stop sends SIGTERM to pid. Best-effort: the definitive signal that the
// child is gone is the completion callback delivered via reap, not the
// return of this call.
func (m *Monitor) stop(pid int) {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		log.L.WithField("pid", pid).WithError(err).Warn("process: failed to signal child")
	}
}
