//go:build linux

package tables

import (
	"fmt"
	"strings"

	"github.com/dilluti0n/dpibreak/config"
	"github.com/dilluti0n/dpibreak/log"
)

const (
	iptChainOut = "DPIBREAK_OUT"
	iptChainIn  = "DPIBREAK_IN"
)

// u32 expressions selecting a TLS ClientHello first segment: record
// type 0x16 at payload byte 0 and handshake type 0x01 at byte 5. The
// v4 form skips a variable IHL first; the v6 match starts at the TCP
// header.
const (
	u32MatchV4 = "0>>22&0x3C@12>>26&0x3C@0>>24=0x16 && 0>>22&0x3C@12>>26&0x3C@4>>16&0xFF=0x1"
	u32MatchV6 = "12>>26&0x3C@0>>24=0x16 && 12>>26&0x3C@4>>16&0xFF=0x1"
)

type iptablesManager struct {
	cfg   *config.Config
	runID string

	// set when modprobe xt_u32 was issued by us, so Remove unloads
	// only what we loaded.
	loadedU32 bool
}

func newIptablesManager(cfg *config.Config, runID string) *iptablesManager {
	return &iptablesManager{cfg: cfg, runID: runID}
}

func (m *iptablesManager) binaries() []string {
	var bins []string
	for _, b := range []string{"iptables", "ip6tables"} {
		if hasBinary(b) {
			bins = append(bins, b)
		}
	}
	return bins
}

// probeU32 inserts and immediately deletes a no-op u32 rule. Actually
// matching is the only reliable way to learn whether the kernel has
// xt_u32.
func (m *iptablesManager) probeU32(bin string) bool {
	spec := []string{"-m", "u32", "--u32", "0=0", "-j", "RETURN"}
	if _, err := run(append([]string{bin, "-w", "-t", "mangle", "-I", "OUTPUT", "1"}, spec...)...); err != nil {
		return false
	}
	_, _ = run(append([]string{bin, "-w", "-t", "mangle", "-D", "OUTPUT"}, spec...)...)
	return true
}

func (m *iptablesManager) ensureU32(bin string) bool {
	if m.probeU32(bin) {
		return true
	}
	if _, err := run("modprobe", "-q", "xt_u32"); err == nil {
		m.loadedU32 = true
		return m.probeU32(bin)
	}
	return false
}

func (m *iptablesManager) Install() error {
	bins := m.binaries()
	if len(bins) == 0 {
		return fmt.Errorf("neither iptables nor ip6tables found")
	}

	for _, bin := range bins {
		m.removeOne(bin)
		if err := m.installOne(bin); err != nil {
			return fmt.Errorf("%s: %w", bin, err)
		}
	}

	setSysctl("net.netfilter.nf_conntrack_checksum", "0")
	setSysctl("net.netfilter.nf_conntrack_tcp_be_liberal", "1")

	log.Infof("installed iptables rules (queue %d)", m.cfg.QueueNum)
	return nil
}

func (m *iptablesManager) installOne(bin string) error {
	queueNum := fmt.Sprint(m.cfg.QueueNum)
	comment := []string{"-m", "comment", "--comment", "dpibreak-" + m.runID}

	u32 := u32MatchV4
	if bin == "ip6tables" {
		u32 = u32MatchV6
	}
	haveU32 := m.ensureU32(bin)
	if !haveU32 {
		log.Warnf("%s: xt_u32 unavailable, queueing every outbound tcp packet to 443", bin)
	}

	for _, chain := range []string{iptChainOut, iptChainIn} {
		if _, err := run(bin, "-w", "-t", "mangle", "-N", chain); err != nil {
			return fmt.Errorf("create chain %s: %w", chain, err)
		}
	}

	cmds := [][]string{
		{"-A", "OUTPUT", "-j", iptChainOut},
		{"-A", "INPUT", "-j", iptChainIn},
		{"-A", iptChainOut, "-m", "mark", "--mark", "0x8000", "-j", "RETURN"},
		{"-A", iptChainOut, "-o", "lo", "-j", "RETURN"},
	}

	outRule := []string{"-A", iptChainOut, "-p", "tcp", "--dport", "443"}
	if haveU32 {
		outRule = append(outRule, "-m", "u32", "--u32", u32)
	}
	outRule = append(outRule, comment...)
	outRule = append(outRule, "-j", "NFQUEUE", "--queue-num", queueNum, "--queue-bypass")
	cmds = append(cmds, outRule)

	inRule := []string{"-A", iptChainIn, "-p", "tcp", "--sport", "443",
		"--tcp-flags", "SYN,ACK", "SYN,ACK"}
	inRule = append(inRule, comment...)
	inRule = append(inRule, "-j", "NFQUEUE", "--queue-num", queueNum, "--queue-bypass")
	cmds = append(cmds, inRule)

	for _, c := range cmds {
		args := append([]string{bin, "-w", "-t", "mangle"}, c...)
		if out, err := run(args...); err != nil {
			return fmt.Errorf("%s: %v (%s)", strings.Join(c, " "), err, strings.TrimSpace(out))
		}
	}
	return nil
}

// removeOne unwires and deletes both chains, ignoring errors from
// pieces that were never installed.
func (m *iptablesManager) removeOne(bin string) {
	_, _ = run(bin, "-w", "-t", "mangle", "-D", "OUTPUT", "-j", iptChainOut)
	_, _ = run(bin, "-w", "-t", "mangle", "-D", "INPUT", "-j", iptChainIn)
	for _, chain := range []string{iptChainOut, iptChainIn} {
		_, _ = run(bin, "-w", "-t", "mangle", "-F", chain)
		_, _ = run(bin, "-w", "-t", "mangle", "-X", chain)
	}
}

func (m *iptablesManager) Remove() error {
	for _, bin := range m.binaries() {
		m.removeOne(bin)
	}
	if m.loadedU32 {
		if _, err := run("modprobe", "-r", "-q", "xt_u32"); err != nil {
			log.Debugf("unload xt_u32: %v", err)
		}
		m.loadedU32 = false
	}
	return nil
}

func (m *iptablesManager) Installed() bool {
	for _, bin := range m.binaries() {
		if _, err := run(bin, "-w", "-t", "mangle", "-S", iptChainOut); err != nil {
			return false
		}
		if _, err := run(bin, "-w", "-t", "mangle", "-C", "OUTPUT", "-j", iptChainOut); err != nil {
			return false
		}
	}
	return true
}
