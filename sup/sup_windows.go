//go:build windows

package sup

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"

	"github.com/dilluti0n/dpibreak/config"
	"github.com/dilluti0n/dpibreak/log"
	"github.com/dilluti0n/dpibreak/mangle"
	"github.com/dilluti0n/dpibreak/pkt"
	"github.com/dilluti0n/dpibreak/windivert"
)

const serviceName = "dpibreak"

func CheckPrivilege() error {
	if !windows.GetCurrentProcessToken().IsElevated() {
		return fmt.Errorf("dpibreak must run elevated (administrator)")
	}
	return nil
}

// acquireInstanceMutex holds a named global mutex for the process
// lifetime; a second instance sees ERROR_ALREADY_EXISTS and backs off.
func acquireInstanceMutex() (windows.Handle, error) {
	name, err := windows.UTF16PtrFromString(`Global\dpibreak`)
	if err != nil {
		return 0, err
	}
	h, err := windows.CreateMutex(nil, false, name)
	if err == windows.ERROR_ALREADY_EXISTS {
		if h != 0 {
			_ = windows.CloseHandle(h)
		}
		return 0, fmt.Errorf("another dpibreak instance is already running")
	}
	if err != nil {
		return 0, err
	}
	return h, nil
}

// ClearRules is a no-op: the WinDivert filter dies with its handle, so
// nothing persists across runs.
func ClearRules(*config.Config) error {
	log.Infof("no persistent firewall state on windows")
	return nil
}

func Run(cfg *config.Config) int {
	if err := CheckPrivilege(); err != nil {
		_ = log.Errorf("%v", err)
		return ExitFailure
	}

	mtx, err := acquireInstanceMutex()
	if err != nil {
		_ = log.Errorf("%v", err)
		return ExitLockContention
	}
	defer windows.CloseHandle(mtx)

	if cfg.Daemon {
		if cfg.DaemonLog != "" {
			if err := log.RedirectToFile(cfg.DaemonLog); err != nil {
				_ = log.Errorf("redirect to %s: %v", cfg.DaemonLog, err)
			}
			defer log.CloseRedirect()
		}
		if err := svc.Run(serviceName, &service{cfg: cfg}); err != nil {
			_ = log.Errorf("service run: %v", err)
			return ExitFailure
		}
		return ExitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return runCore(ctx, cfg)
}

// runCore is shared between interactive and service mode: build the
// verdict chain, open the diverter, block until cancelled.
func runCore(ctx context.Context, cfg *config.Config) int {
	hops := pkt.NewHopTab()
	proc := mangle.NewProcessor(cfg, hops)
	worker := windivert.NewWorker(cfg, proc)

	if err := worker.Start(ctx); err != nil {
		_ = log.Errorf("open diverter: %v", err)
		return ExitFailure
	}
	defer worker.Stop()

	<-ctx.Done()
	log.Infof("shutdown requested")
	log.Flush()
	return ExitOK
}

// service adapts runCore to the service control dispatcher; STOP and
// SHUTDOWN cancel the core context.
type service struct {
	cfg *config.Config
}

func (s *service) Execute(args []string, req <-chan svc.ChangeRequest, status chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown
	status <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- runCore(ctx, s.cfg) }()

	status <- svc.Status{State: svc.Running, Accepts: accepted}
	for {
		select {
		case c := <-req:
			switch c.Cmd {
			case svc.Interrogate:
				status <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				status <- svc.Status{State: svc.StopPending}
				cancel()
			}
		case code := <-done:
			cancel()
			status <- svc.Status{State: svc.Stopped}
			return false, uint32(code)
		}
	}
}
