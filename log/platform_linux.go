//go:build linux

package log

import (
	"log/syslog"
	"os"

	"golang.org/x/sys/unix"
)

// EnableSyslog connects to the local syslog and attaches it as a sink.
func EnableSyslog(tag string) error {
	sw, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
	if err != nil {
		return err
	}
	AttachSink(sw)
	return nil
}

// RedirectToFile opens path with O_APPEND and dups it onto stdout and
// stderr, so writes from any library end up in the daemon log.
func RedirectToFile(path string) error {
	daemonMu.Lock()
	defer daemonMu.Unlock()

	f, err := openAppend(path)
	if err != nil {
		return err
	}
	if err := unix.Dup2(int(f.Fd()), int(os.Stdout.Fd())); err != nil {
		_ = f.Close()
		return err
	}
	if err := unix.Dup2(int(f.Fd()), int(os.Stderr.Fd())); err != nil {
		_ = f.Close()
		return err
	}
	daemonFile = f
	return nil
}
