//go:build !linux && !darwin

package peer

import (
	"errors"
	"os"
)

// Without flock, O_EXCL on the lock file stands in for the exclusive lock.
func acquireLock(socketPath string) (*os.File, error) {
	f, err := os.OpenFile(socketPath+".lock", os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if errors.Is(err, os.ErrExist) {
		return nil, ErrAlreadyRunning
	}
	return f, err
}

func releaseLock(f *os.File) error {
	if f == nil {
		return nil
	}
	name := f.Name()
	err := f.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	return err
}
