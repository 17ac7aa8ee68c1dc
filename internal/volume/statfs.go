package volume

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Space is the capacity of a filesystem in bytes.
type Space struct {
	Free  uint64
	Total uint64
}

// FreeSpace reports the space available to unprivileged writers under path.
func FreeSpace(path string) (Space, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Space{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize) //nolint:gosec // G115: block size is positive
	return Space{Free: st.Bavail * bsize, Total: st.Blocks * bsize}, nil
}

var ErrLocked = errors.New("volume is locked by another process")

// Lock is an exclusive advisory lock on <mount>/.lock.
type Lock struct {
	f *os.File
}

// AcquireLock takes the volume lock without blocking.
func AcquireLock(mount string) (*Lock, error) {
	p := filepath.Join(mount, ".lock")
	f, err := os.OpenFile(filepath.Clean(p), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil { //nolint:gosec // G115: fd fits in int
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", mount, ErrLocked)
		}
		return nil, err
	}
	return &Lock{f: f}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN) //nolint:gosec // G115: fd fits in int
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
