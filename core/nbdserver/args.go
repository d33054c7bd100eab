// Package nbdserver builds argv slices for the NBD client (proxy mode) and
// the userspace NBD server (legacy mode), mirroring the original's
// Configuration::MountPoint::toArgs and
// ActivationStartedEvent::spawnNbdKit (state_machine.hpp).
package nbdserver

import (
	"strconv"

	"github.com/openbmc-project/virtual-media/core/nbd"
)

// ClientConfig carries the per-slot tuning nbd-client needs to connect to
// the Unix socket a consumer (proxy mode) or nbdkit (legacy mode) is
// serving on.
type ClientConfig struct {
	Device     nbd.Device
	UnixSocket string
	BlockSize  int // 0 means "let nbd-client choose its default"
	Timeout    int // seconds, 0 means "let nbd-client choose its default"
}

// ClientArgs returns the argv (without argv[0]) for /usr/sbin/nbd-client
// connecting to cfg's Unix socket and binding cfg.Device.
func ClientArgs(cfg ClientConfig) []string {
	args := []string{"-u", cfg.UnixSocket, cfg.Device.String(), "-N", "default"}
	if cfg.BlockSize > 0 {
		args = append(args, "-b", strconv.Itoa(cfg.BlockSize))
	}
	if cfg.Timeout > 0 {
		args = append(args, "-t", strconv.Itoa(cfg.Timeout))
	}
	return args
}

// ClientCommandLine joins argv0 and ClientArgs into the single string form
// nbdkit's --run flag expects (it execs the string through a shell).
func ClientCommandLine(cfg ClientConfig) string {
	parts := append([]string{"/usr/sbin/nbd-client"}, ClientArgs(cfg)...)
	out := parts[0]
	for _, p := range parts[1:] {
		out += " " + p
	}
	return out
}

// FileServerArgs returns the full argv (including argv[0]) for
// /usr/sbin/nbdkit serving filePath through the "file" plugin over
// cfg.UnixSocket, then connecting nbd-client to it.
func FileServerArgs(cfg ClientConfig, filePath string, rw bool) []string {
	args := baseServerArgs(cfg, rw)
	args = append(args, "file", "file="+filePath)
	return args
}

// HTTPSServerArgs returns the full argv for nbdkit serving url through the
// "curl" plugin with TLS verification disabled (matching the original,
// which targets BMC-internal redirector endpoints using self-signed
// certificates) and optional basic-auth credentials. secretPath, if
// non-empty, is passed as "password=+<path>" so the password never appears
// on argv or in process listings.
func HTTPSServerArgs(cfg ClientConfig, url string, rw bool, user, secretPath string) []string {
	args := baseServerArgs(cfg, rw)
	args = append(args, "curl", "sslverify=false", "url="+url)
	if secretPath != "" {
		args = append(args, "user="+user, "password=+"+secretPath)
	}
	return args
}

func baseServerArgs(cfg ClientConfig, rw bool) []string {
	args := []string{
		"/usr/sbin/nbdkit",
		"--unix", cfg.UnixSocket,
		"--run", ClientCommandLine(cfg),
	}
	if !rw {
		args = append(args, "--readonly")
	}
	return args
}
