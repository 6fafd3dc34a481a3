//go:build linux

package tables

import (
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dilluti0n/dpibreak/log"
)

// Monitor periodically verifies the steering rules are still present
// and reinstalls them when another tool flushed the firewall. Router
// firmwares and VPN clients rewrite tables without warning.
type Monitor struct {
	mgr      Manager
	interval time.Duration
	stop     chan struct{}
	g        errgroup.Group
}

func NewMonitor(mgr Manager, interval time.Duration) *Monitor {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	return &Monitor{mgr: mgr, interval: interval, stop: make(chan struct{})}
}

func (m *Monitor) Start() {
	m.g.Go(m.loop)
	log.Infof("rule monitor started (interval %v)", m.interval)
}

func (m *Monitor) Stop() {
	close(m.stop)
	_ = m.g.Wait()
}

func (m *Monitor) loop() error {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return nil
		case <-t.C:
			if m.mgr.Installed() {
				continue
			}
			log.Warnf("steering rules missing, reinstalling")
			if err := m.mgr.Install(); err != nil {
				log.Errorf("reinstall rules: %v", err)
			}
		}
	}
}
