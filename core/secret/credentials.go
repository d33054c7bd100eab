// Package secret owns in-memory and on-disk secret material (CIFS and
// HTTPS basic-auth credentials) with guaranteed zeroization.
package secret

import "sync"

// Credentials holds a user name and a secret byte buffer. The buffer is
// zeroized exactly once, by the first call to Close; dropping a
// Credentials without calling Close does not zeroize it.
//
// Credentials consumes its password by value and never exposes the
// underlying slice outside Pack, matching the invariant that no container
// may reallocate the secret without zeroizing the original storage.
type Credentials struct {
	mu       sync.Mutex
	user     string
	password []byte
	closed   bool
}

// New takes ownership of password; callers must not read or write it again.
func New(user string, password []byte) *Credentials {
	return &Credentials{user: user, password: password}
}

// User returns the user name. Safe to call after Close.
func (c *Credentials) User() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Pack invokes fn with the live password bytes under lock, so callers can
// copy them into a destination (a file, an argv buffer) without ever
// holding a reference past the call. Pack is a no-op after Close.
func (c *Credentials) Pack(fn func(user string, password []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	fn(c.user, c.password)
}

// Close zeroizes the password buffer. Idempotent.
func (c *Credentials) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	Zero(c.password)
	c.password = nil
	c.closed = true
}

// Zero overwrites every byte of buf with zero. Exported so callers parsing
// raw pipe data (the credential pipe in the legacy Mount method) can
// zeroize their scratch buffer immediately after handing ownership of the
// parsed copy to a Credentials.
func Zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
