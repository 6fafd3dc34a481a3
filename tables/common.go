//go:build linux

// Package tables installs and removes the firewall rules that steer
// packets into the NFQUEUE. nft is preferred; iptables/ip6tables with
// xt_u32 is the fallback on hosts without it.
package tables

import (
	"bytes"
	"os/exec"

	"github.com/google/uuid"

	"github.com/dilluti0n/dpibreak/config"
	"github.com/dilluti0n/dpibreak/log"
)

// Manager is the rule lifecycle. Install is idempotent: leftover rules
// from a previous run are removed first. Remove tolerates a partially
// installed state.
type Manager interface {
	Install() error
	Remove() error
	// Installed reports whether the steering rules are currently
	// present, used by the monitor to detect outside interference.
	Installed() bool
}

// New picks the backend. The configured nft binary wins when present;
// everything else falls back to iptables.
func New(cfg *config.Config) Manager {
	runID := uuid.NewString()[:8]
	log.Infof("rule set id %s", runID)
	if hasBinary(cfg.NftCommand) {
		return newNftManager(cfg, runID)
	}
	log.Warnf("%s not found, falling back to iptables", cfg.NftCommand)
	return newIptablesManager(cfg, runID)
}

func run(args ...string) (string, error) {
	var out bytes.Buffer
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

func hasBinary(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// setSysctl best-effort; conntrack checksum validation would eat our
// badsum fakes before they reach the wire.
func setSysctl(name, val string) {
	if _, err := run("sysctl", "-w", name+"="+val); err != nil {
		log.Debugf("sysctl %s=%s: %v", name, val, err)
	}
}
