// Package cifs creates a scratch mount directory, mounts a remote SMB/CIFS
// share into it, and tears both down. It is only used by legacy-mode
// activation against smb:// URLs.
package cifs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/openbmc-project/virtual-media/core/secret"
)

// ScratchRoot is the parent directory under which per-slot scratch mount
// directories are created. Overridable in tests.
var ScratchRoot = "/run/virtual-media"

// CreateMountDir returns a freshly created, uniquely named scratch
// directory for slot. The name derives from the slot name plus a random
// suffix so repeated mount/unmount cycles of the same slot never collide
// with a not-yet-reaped previous mount (spec.md §4.1, "legacy, smb://").
func CreateMountDir(slot string) (string, error) {
	dir := filepath.Join(ScratchRoot, slot+"-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrap(err, "cifs: create scratch dir")
	}
	return dir, nil
}

// RemoveMountDir deletes a scratch directory created by CreateMountDir. It
// is always called on leaving the active lifecycle, even on partial-failure
// activation paths (spec.md §4.1 "Tie-breaks and edge cases").
func RemoveMountDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrap(err, "cifs: remove scratch dir")
	}
	return nil
}

// Mount mounts remoteParent (a "//host/share/dir" UNC-style path) onto dir,
// read-only unless rw is true, authenticating with creds if non-nil.
// Credentials are consumed by value: Mount never retains a reference to
// creds past this call (spec.md §4.5).
func Mount(remoteParent, dir string, rw bool, creds *secret.Credentials) error {
	opts := []string{"vers=3.0"}
	if !rw {
		opts = append(opts, "ro")
	} else {
		opts = append(opts, "rw")
	}

	if creds != nil {
		creds.Pack(func(user string, password []byte) {
			opts = append(opts,
				"username="+user,
				"password="+string(password),
			)
		})
	} else {
		opts = append(opts, "guest")
	}

	data := strings.Join(opts, ",")
	if err := unix.Mount(remoteParent, dir, "cifs", 0, data); err != nil {
		return errors.Wrapf(err, "cifs: mount %s on %s", remoteParent, dir)
	}
	return nil
}

// Helper adapts the package-level functions to an interface value, so
// callers that take a collaborator by interface (core/mountpoint) can
// inject a fake in tests without losing the real implementation's call
// shape.
type Helper struct{}

func (Helper) CreateMountDir(slot string) (string, error) { return CreateMountDir(slot) }
func (Helper) RemoveMountDir(dir string) error            { return RemoveMountDir(dir) }
func (Helper) Mount(remoteParent, dir string, rw bool, creds *secret.Credentials) error {
	return Mount(remoteParent, dir, rw, creds)
}
func (Helper) Unmount(dir string) error { return Unmount(dir) }

// Unmount unmounts dir, retrying briefly on EBUSY the way
// core/mount/mount_unix.go's unmount() does for ordinary mounts.
func Unmount(dir string) error {
	mounted, err := mountinfo.Mounted(dir)
	if err != nil {
		return errors.Wrapf(err, "cifs: check mount state of %s", dir)
	}
	if !mounted {
		return nil
	}

	const maxRetries = 50
	const retryDelay = 50 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := unix.Unmount(dir, 0)
		if err == nil || err == unix.EINVAL {
			return nil
		}
		if err != unix.EBUSY {
			return fmt.Errorf("cifs: unmount %s: %w", dir, err)
		}
		time.Sleep(retryDelay)
	}
	return fmt.Errorf("cifs: unmount %s: still busy after %d retries", dir, maxRetries)
}
