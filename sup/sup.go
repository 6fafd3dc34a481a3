// Package sup owns the process lifecycle: privilege and instance
// checks, daemonization, signal wiring, and the guarantee that
// firewall state is released on every exit path.
package sup

// Exit codes. Lock contention gets its own code so scripts can tell
// "already running" apart from genuine failures.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitLockContention = 2
)
