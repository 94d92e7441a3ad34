// Package pidfile keeps a second instance of a daemon from starting.
package pidfile

import (
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/nightlyone/lockfile"
)

// Acquire locks the pid file at path and returns the function releasing it.
// An empty path disables the pid file.
func Acquire(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving pid file %s", path)
	}
	lock, err := lockfile.New(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "pid file %s", abs)
	}
	if err := lock.TryLock(); err != nil {
		return nil, errors.Wrapf(err, "locking pid file %s", abs)
	}
	return func() { _ = lock.Unlock() }, nil
}
