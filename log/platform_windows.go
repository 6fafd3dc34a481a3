//go:build windows

package log

import "fmt"

// EnableSyslog is a no-op on Windows; there is no local syslog.
func EnableSyslog(string) error {
	return fmt.Errorf("syslog is not available on windows")
}

// RedirectToFile attaches the file as a log sink. Windows has no dup2
// onto the standard handles worth fighting for; service output goes
// through the logger anyway.
func RedirectToFile(path string) error {
	daemonMu.Lock()
	defer daemonMu.Unlock()

	f, err := openAppend(path)
	if err != nil {
		return err
	}
	daemonFile = f
	AttachSink(f)
	return nil
}
