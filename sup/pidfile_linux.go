//go:build linux

package sup

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// PidLock is an exclusive advisory lock on the pid file, held for the
// whole process lifetime. The kernel drops the flock on any exit, so
// even SIGKILL cannot wedge the next start.
type PidLock struct {
	f    *os.File
	path string
}

func AcquirePidLock(path string) (*PidLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open pid file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("unable to lock pid file %s: %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	_ = f.Sync()
	return &PidLock{f: f, path: path}, nil
}

func (l *PidLock) Release() {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
	_ = os.Remove(l.path)
}
