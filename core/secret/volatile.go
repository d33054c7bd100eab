package secret

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// VolatileFile writes secret content to a short-lived file so it can be
// referenced by a path (nbdkit's curl plugin only accepts "password=+<path>",
// never a literal password on argv). The file is created with 0600
// permissions, its content zeroized and the file unlinked on Close.
type VolatileFile struct {
	path string
}

// NewVolatileFile creates dir/virtualmedia-<uuid>.secret containing content
// and returns a handle to it. content is not retained by the returned value;
// callers remain responsible for zeroizing their own copy.
func NewVolatileFile(dir string, content []byte) (*VolatileFile, error) {
	path := filepath.Join(dir, "virtualmedia-"+uuid.NewString()+".secret")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "secret: create volatile file")
	}
	defer f.Close()

	if _, err := f.Write(content); err != nil {
		os.Remove(path)
		return nil, errors.Wrap(err, "secret: write volatile file")
	}

	return &VolatileFile{path: path}, nil
}

// Path returns the filesystem path of the secret file.
func (v *VolatileFile) Path() string {
	return v.path
}

// Close overwrites the file's content with zeros, then unlinks it.
func (v *VolatileFile) Close() error {
	if v == nil || v.path == "" {
		return nil
	}

	if info, err := os.Stat(v.path); err == nil {
		zeros := make([]byte, info.Size())
		_ = os.WriteFile(v.path, zeros, 0o600)
	}

	err := os.Remove(v.path)
	v.path = ""
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "secret: remove volatile file")
	}
	return nil
}
