//go:build linux

package tables

import (
	"fmt"
	"strings"

	"github.com/dilluti0n/dpibreak/config"
	"github.com/dilluti0n/dpibreak/log"
)

const (
	nftTable    = "dpibreak"
	nftChainOut = "out"
	nftChainIn  = "in"
)

type nftManager struct {
	cfg   *config.Config
	runID string
}

func newNftManager(cfg *config.Config, runID string) *nftManager {
	return &nftManager{cfg: cfg, runID: runID}
}

func (n *nftManager) nft(args ...string) (string, error) {
	return run(append([]string{n.cfg.NftCommand}, args...)...)
}

func (n *nftManager) tableExists() bool {
	out, err := n.nft("list", "tables")
	return err == nil && strings.Contains(out, "inet "+nftTable)
}

// Install creates the dpibreak table with an output and an input
// chain. The queue rules carry the bypass modifier so a dead listener
// leaves traffic flowing instead of blackholing it.
func (n *nftManager) Install() error {
	if n.tableExists() {
		log.Warnf("leftover %s table found, removing before install", nftTable)
		_ = n.Remove()
	}

	if _, err := n.nft("add", "table", "inet", nftTable); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	for _, chain := range []struct{ name, hook string }{
		{nftChainOut, "output"},
		{nftChainIn, "input"},
	} {
		spec := fmt.Sprintf("{ type filter hook %s priority 0 ; policy accept ; }", chain.hook)
		if _, err := n.nft("add", "chain", "inet", nftTable, chain.name, spec); err != nil {
			return fmt.Errorf("create chain %s: %w", chain.name, err)
		}
	}

	queue := fmt.Sprintf("queue num %d bypass", n.cfg.QueueNum)
	comment := fmt.Sprintf(`comment "dpibreak-%s"`, n.runID)

	rules := [][2]string{
		// Re-injected packets return before they can loop.
		{nftChainOut, fmt.Sprintf("meta mark 0x%x return", 0x8000)},
		{nftChainOut, `oifname "lo" return`},
		// First data segment of a TLS handshake: record type 0x16 at
		// payload byte 0, ClientHello type 0x01 at byte 5.
		{nftChainOut, fmt.Sprintf("tcp dport 443 @ih,0,8 0x16 @ih,40,8 0x01 %s %s", queue, comment)},
		{nftChainIn, fmt.Sprintf("tcp sport 443 tcp flags & (syn|ack) == syn|ack %s %s", queue, comment)},
	}
	for _, r := range rules {
		args := append([]string{"add", "rule", "inet", nftTable, r[0]}, strings.Fields(r[1])...)
		if _, err := n.nft(args...); err != nil {
			return fmt.Errorf("add rule to %s: %w", r[0], err)
		}
	}

	setSysctl("net.netfilter.nf_conntrack_checksum", "0")
	setSysctl("net.netfilter.nf_conntrack_tcp_be_liberal", "1")

	log.Infof("installed nftables rules (table inet %s, queue %d)", nftTable, n.cfg.QueueNum)
	return nil
}

func (n *nftManager) Remove() error {
	if !n.tableExists() {
		return nil
	}
	if _, err := n.nft("delete", "table", "inet", nftTable); err != nil {
		return fmt.Errorf("delete table: %w", err)
	}
	log.Infof("removed nftables rules")
	return nil
}

func (n *nftManager) Installed() bool {
	if !n.tableExists() {
		return false
	}
	out, err := n.nft("list", "table", "inet", nftTable)
	if err != nil {
		return false
	}
	return strings.Contains(out, "queue num "+fmt.Sprint(n.cfg.QueueNum))
}
