package mangle

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dilluti0n/dpibreak/config"
	"github.com/dilluti0n/dpibreak/pkt"
)

func newTestProcessor(mut func(*config.Config)) (*Processor, *pkt.HopTab) {
	cfg := config.Default
	if mut != nil {
		mut(&cfg)
	}
	hops := pkt.NewHopTab()
	return NewProcessor(&cfg, hops), hops
}

func TestHandleSplitsClientHello(t *testing.T) {
	p, _ := newTestProcessor(nil)
	payload := hello517()
	raw := segment(t, false, "203.0.113.7", 1000, payload)

	v := p.Handle(raw)
	if v.Action != ActionReplace {
		t.Fatal("expected replace verdict")
	}
	if len(v.Replacement) != 2 {
		t.Fatalf("got %d buffers, want 2", len(v.Replacement))
	}

	first, err := pkt.Parse(v.Replacement[0])
	if err != nil {
		t.Fatalf("parse first: %v", err)
	}
	second, err := pkt.Parse(v.Replacement[1])
	if err != nil {
		t.Fatalf("parse second: %v", err)
	}
	if first.Seq() != 1000 {
		t.Errorf("first seq = %d, want 1000", first.Seq())
	}
	if want := 1000 + uint32(len(first.Payload())); second.Seq() != want {
		t.Errorf("second seq = %d, want %d", second.Seq(), want)
	}
	if fp := first.Payload(); len(fp) < 3 || fp[0] != 0x16 || fp[1] != 0x03 || fp[2] != 0x01 {
		t.Error("first piece does not start with the TLS record header")
	}
	concat := append(append([]byte(nil), first.Payload()...), second.Payload()...)
	if diff := cmp.Diff(payload, concat); diff != "" {
		t.Errorf("reassembled payload mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleInterleavesFakes(t *testing.T) {
	p, _ := newTestProcessor(func(c *config.Config) {
		c.Fake = true
		c.FakeTTL = 8
	})
	raw := segment(t, false, "203.0.113.7", 1000, hello517())

	v := p.Handle(raw)
	if v.Action != ActionReplace {
		t.Fatal("expected replace verdict")
	}
	if len(v.Replacement) != 4 {
		t.Fatalf("got %d buffers, want 4", len(v.Replacement))
	}

	for i, raw := range v.Replacement {
		pv, err := pkt.Parse(raw)
		if err != nil {
			t.Fatalf("parse buffer %d: %v", i, err)
		}
		if i%2 == 0 { // fakes come first in each pair
			if pv.TTL() != 8 {
				t.Errorf("fake %d: ttl = %d, want 8", i, pv.TTL())
			}
			if !bytes.Equal(pv.Payload(), fakeHello) {
				t.Errorf("fake %d: payload is not the canned hello", i)
			}
		} else {
			if pv.TTL() != 64 {
				t.Errorf("real piece %d: ttl = %d, want 64", i, pv.TTL())
			}
		}
	}
}

func TestHandleAutoTTL(t *testing.T) {
	p, hops := newTestProcessor(func(c *config.Config) {
		c.Fake = true
		c.FakeAutoTTL = true
		c.FakeTTL = 8
	})
	// Peer 12 hops away: received TTL 52 against an initial 64.
	hops.Observe(net.ParseIP("203.0.113.7"), 52)

	v := p.Handle(segment(t, false, "203.0.113.7", 1000, hello517()))
	if v.Action != ActionReplace {
		t.Fatal("expected replace verdict")
	}
	f, err := pkt.Parse(v.Replacement[0])
	if err != nil {
		t.Fatalf("parse fake: %v", err)
	}
	if f.TTL() != 11 {
		t.Errorf("fake ttl = %d, want hops-1 = 11", f.TTL())
	}
}

func TestHandleAutoTTLFallback(t *testing.T) {
	p, _ := newTestProcessor(func(c *config.Config) {
		c.Fake = true
		c.FakeAutoTTL = true
		c.FakeTTL = 8
	})

	v := p.Handle(segment(t, false, "203.0.113.7", 1000, hello517()))
	f, err := pkt.Parse(v.Replacement[0])
	if err != nil {
		t.Fatalf("parse fake: %v", err)
	}
	if f.TTL() != 8 {
		t.Errorf("fake ttl = %d, want static fallback 8", f.TTL())
	}
}

func TestHandleAutoTTLTooClose(t *testing.T) {
	p, hops := newTestProcessor(func(c *config.Config) {
		c.Fake = true
		c.FakeAutoTTL = true
		c.FakeTTL = 8
	})
	// 2 hops away: hops-1 = 1 would die at the first router.
	hops.Observe(net.ParseIP("203.0.113.7"), 62)

	v := p.Handle(segment(t, false, "203.0.113.7", 1000, hello517()))
	f, err := pkt.Parse(v.Replacement[0])
	if err != nil {
		t.Fatalf("parse fake: %v", err)
	}
	if f.TTL() != 8 {
		t.Errorf("fake ttl = %d, want static fallback 8", f.TTL())
	}
}

func TestHandleBadsum(t *testing.T) {
	p, _ := newTestProcessor(func(c *config.Config) {
		c.Fake = true
		c.FakeBadsum = true
	})

	v := p.Handle(segment(t, false, "203.0.113.7", 1000, hello517()))
	for i, raw := range v.Replacement {
		pv, err := pkt.Parse(raw)
		if err != nil {
			t.Fatalf("parse buffer %d: %v", i, err)
		}
		valid := pkt.ValidTCPChecksum(raw, pv.IPHeaderLen(), false)
		if i%2 == 0 && valid {
			t.Errorf("fake %d: checksum valid despite badsum", i)
		}
		if i%2 == 1 && !valid {
			t.Errorf("real piece %d: checksum invalid", i)
		}
	}
}

func TestHandleAccepts(t *testing.T) {
	p, _ := newTestProcessor(nil)

	appData := append([]byte{0x17, 0x03, 0x03, 0x00, 0x10}, bytes.Repeat([]byte{0xcc}, 16)...)

	cases := []struct {
		name string
		raw  []byte
	}{
		{"unparseable", []byte{0xde, 0xad}},
		{"application data", segment(t, false, "203.0.113.7", 1000, appData)},
		{"empty payload", segment(t, false, "203.0.113.7", 1000, nil)},
		{"private destination", segment(t, false, "192.168.1.1", 1000, hello517())},
		{"loopback destination", segment(t, false, "127.0.0.1", 1000, hello517())},
		{"v6 link-local destination", segment(t, true, "fe80::1", 1000, hello517())},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if v := p.Handle(tc.raw); v.Action != ActionAccept {
				t.Error("expected accept verdict")
			}
		})
	}
}

func TestHandleObservesSynAck(t *testing.T) {
	p, hops := newTestProcessor(nil)

	v := p.Handle(synack(t, "203.0.113.7", 52))
	if v.Action != ActionAccept {
		t.Fatal("syn/ack must be accepted")
	}
	got, ok := hops.Lookup(net.ParseIP("203.0.113.7"))
	if !ok || got != 12 {
		t.Errorf("observed hops = %d,%v, want 12,true", got, ok)
	}
}

func TestHandleV6ClientHello(t *testing.T) {
	p, _ := newTestProcessor(func(c *config.Config) {
		c.Fake = true
	})
	payload := hello517()

	v := p.Handle(segment(t, true, "2001:db8::7", 5000, payload))
	if v.Action != ActionReplace {
		t.Fatal("expected replace verdict")
	}
	if len(v.Replacement) != 4 {
		t.Fatalf("got %d buffers, want 4", len(v.Replacement))
	}
	var concat []byte
	for i := 1; i < len(v.Replacement); i += 2 {
		pv, err := pkt.Parse(v.Replacement[i])
		if err != nil {
			t.Fatalf("parse piece %d: %v", i, err)
		}
		if !pkt.ValidTCPChecksum(v.Replacement[i], pv.IPHeaderLen(), true) {
			t.Errorf("piece %d: bad checksum", i)
		}
		concat = append(concat, pv.Payload()...)
	}
	if !bytes.Equal(concat, payload) {
		t.Error("v6 pieces do not reassemble to the original payload")
	}
}
