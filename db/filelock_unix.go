//go:build !windows && !js && !wasip1

package db

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// fileLock represents an OS-level exclusive lock on the database directory
// (Unix implementation using flock), guarding against two processes opening
// the same database concurrently.
type fileLock struct {
	file *os.File
}

// lockPath acquires an exclusive lock on <path>/.lstoredb.lock. Returns a
// fileLock that must be released with unlock().
func lockPath(path string) (*fileLock, error) {
	lockFile := path + string(os.PathSeparator) + ".lstoredb.lock"
	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "db: cannot open lock file")
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Errorf("db: database %q is locked by another process", path)
	}

	return &fileLock{file: f}, nil
}

// unlock releases the file lock.
func (fl *fileLock) unlock() error {
	if fl.file == nil {
		return nil
	}
	syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN)
	name := fl.file.Name()
	err := fl.file.Close()
	os.Remove(name)
	return err
}
