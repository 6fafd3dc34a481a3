// Package mangle decides what happens to each intercepted packet and
// builds the replacement segments for ClientHello-bearing ones.
package mangle

import (
	"net"
	"time"

	"github.com/yl2chen/cidranger"

	"github.com/dilluti0n/dpibreak/config"
	"github.com/dilluti0n/dpibreak/log"
	"github.com/dilluti0n/dpibreak/pkt"
	"github.com/dilluti0n/dpibreak/sni"
)

// Action is the disposition of one intercepted packet.
type Action int

const (
	// ActionAccept passes the original packet through unchanged.
	ActionAccept Action = iota
	// ActionReplace drops the original and emits Replacement in order.
	ActionReplace
)

// Verdict is what the diverter executes for one intercepted packet.
// Replacement buffers are owned by the verdict and safe to hold after
// the diverter recycles the original.
type Verdict struct {
	Action      Action
	Replacement [][]byte
}

// Accept is the zero verdict: pass the packet through.
var Accept = Verdict{Action: ActionAccept}

// Processor classifies intercepted packets and produces verdicts. One
// instance serves the whole diverter loop; it is not safe for
// concurrent Handle calls, matching the single-threaded verdict model.
type Processor struct {
	cfg    *config.Config
	hops   *pkt.HopTab
	bypass cidranger.Ranger
	ipID   uint16
}

func NewProcessor(cfg *config.Config, hops *pkt.HopTab) *Processor {
	return &Processor{
		cfg:    cfg,
		hops:   hops,
		bypass: newBypassRanger(),
		ipID:   uint16(time.Now().UnixNano()),
	}
}

// bypassCIDRs are destinations never worth mangling: loopback,
// RFC 1918 and link-local space is behind no middlebox we care about.
var bypassCIDRs = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

func newBypassRanger() cidranger.Ranger {
	r := cidranger.NewPCTrieRanger()
	for _, c := range bypassCIDRs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		if err := r.Insert(cidranger.NewBasicRangerEntry(*n)); err != nil {
			log.Warnf("bypass ranger: insert %s: %v", c, err)
		}
	}
	return r
}

// Handle inspects one intercepted packet and returns its verdict.
// Inbound SYN/ACKs from port 443 feed the hop table and are always
// accepted; anything that fails to parse is accepted untouched.
func (p *Processor) Handle(raw []byte) Verdict {
	v, err := pkt.Parse(raw)
	if err != nil {
		log.Debugf("accept unparsed packet: %v", err)
		return Accept
	}

	if v.IsSYN() && v.IsACK() && v.SrcPort() == 443 {
		p.hops.Observe(v.SrcIP(), v.TTL())
		return Accept
	}

	if v.DstPort() != 443 {
		return Accept
	}
	if ok, err := p.bypass.Contains(v.DstIP()); err == nil && ok {
		return Accept
	}
	if !sni.IsClientHello(v.Payload()) {
		return Accept
	}

	if host, ok := sni.Hostname(v.Payload()); ok {
		log.Infof("mangling ClientHello for %s (%s:%d)", host, v.DstIP(), v.DstPort())
	} else {
		log.Infof("mangling ClientHello for %s:%d", v.DstIP(), v.DstPort())
	}

	pieces := Split(v, 2, p.nextIPID)
	if len(pieces) == 0 {
		return Accept
	}

	if !p.cfg.Fake {
		return Verdict{Action: ActionReplace, Replacement: pieces}
	}

	ttl := p.fakeTTL(v.DstIP())
	out := make([][]byte, 0, 2*len(pieces))
	for _, piece := range pieces {
		if f := Fake(piece, ttl, p.cfg.FakeBadsum); f != nil {
			out = append(out, f)
		}
		out = append(out, piece)
	}
	return Verdict{Action: ActionReplace, Replacement: out}
}

// fakeTTL picks the TTL for fake packets. With autottl the fake should
// expire one hop before the server; inferred values that would not
// survive the first hop fall back to the static setting.
func (p *Processor) fakeTTL(dst net.IP) uint8 {
	if p.cfg.FakeAutoTTL {
		if hops, ok := p.hops.Lookup(dst); ok && hops > 2 {
			return hops - 1
		}
	}
	return p.cfg.FakeTTL
}

func (p *Processor) nextIPID() uint16 {
	p.ipID++
	return p.ipID
}
