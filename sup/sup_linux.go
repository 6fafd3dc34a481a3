//go:build linux

package sup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/dilluti0n/dpibreak/config"
	"github.com/dilluti0n/dpibreak/log"
	"github.com/dilluti0n/dpibreak/mangle"
	"github.com/dilluti0n/dpibreak/nfq"
	"github.com/dilluti0n/dpibreak/pkt"
	"github.com/dilluti0n/dpibreak/tables"
)

// daemonEnv marks the re-exec'd child so it skips the fork step.
const daemonEnv = "DPIBREAK_DAEMONIZED"

func CheckPrivilege() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("dpibreak must run as root")
	}
	return nil
}

// Run drives the whole daemon and returns the process exit code. The
// rule cleanup and lock release are deferred so they run on normal
// exit, signal exit, and panics unwinding out of the verdict loop.
func Run(cfg *config.Config) int {
	if err := CheckPrivilege(); err != nil {
		_ = log.Errorf("%v", err)
		return ExitFailure
	}

	if cfg.Daemon && os.Getenv(daemonEnv) == "" {
		if err := spawnDaemon(cfg); err != nil {
			_ = log.Errorf("daemonize: %v", err)
			return ExitFailure
		}
		return ExitOK
	}
	if cfg.Daemon {
		if err := log.RedirectToFile(cfg.DaemonLog); err != nil {
			_ = log.Errorf("redirect to %s: %v", cfg.DaemonLog, err)
			return ExitFailure
		}
		defer log.CloseRedirect()
	}

	lock, err := AcquirePidLock(cfg.PidFile)
	if err != nil {
		_ = log.Errorf("%v", err)
		return ExitLockContention
	}
	defer lock.Release()

	hops := pkt.NewHopTab()
	proc := mangle.NewProcessor(cfg, hops)
	worker := nfq.NewWorker(cfg, proc)

	mgr := tables.New(cfg)
	if err := mgr.Install(); err != nil {
		_ = log.Errorf("install rules: %v", err)
		if rmErr := mgr.Remove(); rmErr != nil {
			_ = log.Errorf("cleanup after failed install: %v", rmErr)
		}
		return ExitFailure
	}
	defer func() {
		if err := mgr.Remove(); err != nil {
			_ = log.Errorf("remove rules: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := worker.Start(ctx); err != nil {
		_ = log.Errorf("bind queue %d: %v", cfg.QueueNum, err)
		return ExitFailure
	}
	defer worker.Stop()

	monitor := tables.NewMonitor(mgr, 30*time.Second)
	monitor.Start()
	defer monitor.Stop()

	<-ctx.Done()
	log.Infof("shutdown requested, removing rules")
	log.Flush()
	return ExitOK
}

// ClearRules removes any leftover firewall state from a previous run
// that never got to clean up.
func ClearRules(cfg *config.Config) error {
	if err := CheckPrivilege(); err != nil {
		return err
	}
	return tables.New(cfg).Remove()
}

// spawnDaemon re-executes the binary detached in its own session with
// stdio pointed at the daemon log. The child sees daemonEnv set and
// runs the real workload; the parent returns immediately.
func spawnDaemon(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	logFile, err := os.OpenFile(cfg.DaemonLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	fmt.Printf("dpibreak daemon started (pid %d), logging to %s\n", cmd.Process.Pid, cfg.DaemonLog)
	return nil
}
