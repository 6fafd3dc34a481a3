package mangle

import (
	"bytes"
	"testing"

	"github.com/dilluti0n/dpibreak/pkt"
	"github.com/dilluti0n/dpibreak/sni"
)

func counter() func() uint16 {
	var id uint16 = 100
	return func() uint16 {
		id++
		return id
	}
}

func TestSplitRoundTrip(t *testing.T) {
	payload := hello517()
	for _, v6 := range []bool{false, true} {
		dst := "203.0.113.7"
		if v6 {
			dst = "2001:db8::7"
		}
		for k := 2; k <= 8; k++ {
			raw := segment(t, v6, dst, 1000, payload)
			v, err := pkt.Parse(raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}

			pieces := Split(v, k, counter())
			if len(pieces) != k {
				t.Fatalf("v6=%v k=%d: got %d pieces", v6, k, len(pieces))
			}

			var concat []byte
			seq := uint32(1000)
			for i, raw := range pieces {
				p, err := pkt.Parse(raw)
				if err != nil {
					t.Fatalf("v6=%v k=%d piece %d: %v", v6, k, i, err)
				}
				if p.Seq() != seq {
					t.Errorf("v6=%v k=%d piece %d: seq = %d, want %d", v6, k, i, p.Seq(), seq)
				}
				if !pkt.ValidTCPChecksum(raw, p.IPHeaderLen(), v6) {
					t.Errorf("v6=%v k=%d piece %d: bad tcp checksum", v6, k, i)
				}
				if p.SrcPort() != v.SrcPort() || p.DstPort() != v.DstPort() ||
					!p.SrcIP().Equal(v.SrcIP()) || !p.DstIP().Equal(v.DstIP()) {
					t.Errorf("v6=%v k=%d piece %d: addressing changed", v6, k, i)
				}
				push := p.Flags()&pkt.FlagPSH != 0
				if last := i == len(pieces)-1; push != last {
					t.Errorf("v6=%v k=%d piece %d: PSH = %v", v6, k, i, push)
				}
				concat = append(concat, p.Payload()...)
				seq += uint32(len(p.Payload()))
			}
			if !bytes.Equal(concat, payload) {
				t.Errorf("v6=%v k=%d: reassembled payload differs from original", v6, k)
			}
		}
	}
}

func TestSplitFreshIPIDs(t *testing.T) {
	raw := segment(t, false, "203.0.113.7", 1000, hello517())
	v, err := pkt.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	pieces := Split(v, 4, counter())
	seen := map[uint16]bool{v.IPID(): true}
	for i, p := range pieces {
		pv, err := pkt.Parse(p)
		if err != nil {
			t.Fatalf("piece %d: %v", i, err)
		}
		if seen[pv.IPID()] {
			t.Errorf("piece %d: ip id %d reused", i, pv.IPID())
		}
		seen[pv.IPID()] = true
	}
}

func TestSplitStraddlesSNI(t *testing.T) {
	payload := hello517()
	off, n := sni.LocateSNI(payload)
	if off < 0 || n == 0 {
		t.Fatal("test payload carries no sni")
	}

	raw := segment(t, false, "203.0.113.7", 1000, payload)
	v, err := pkt.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	pieces := Split(v, 2, counter())
	if len(pieces) != 2 {
		t.Fatalf("got %d pieces", len(pieces))
	}
	first, err := pkt.Parse(pieces[0])
	if err != nil {
		t.Fatalf("parse first piece: %v", err)
	}
	cut := len(first.Payload())
	if cut <= off || cut >= off+n {
		t.Errorf("cut %d leaves hostname [%d,%d) whole in one piece", cut, off, off+n)
	}
}

func TestSplitOddPayloadFirstPieceLonger(t *testing.T) {
	// Non-TLS payload so no sni nudging interferes with the even split.
	payload := []byte("abcdefg")
	raw := segment(t, false, "203.0.113.7", 1000, payload)
	v, err := pkt.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	pieces := Split(v, 2, counter())
	if len(pieces) != 2 {
		t.Fatalf("got %d pieces", len(pieces))
	}
	p0, _ := pkt.Parse(pieces[0])
	p1, _ := pkt.Parse(pieces[1])
	if len(p0.Payload()) != 4 || len(p1.Payload()) != 3 {
		t.Errorf("piece lengths = %d,%d, want 4,3",
			len(p0.Payload()), len(p1.Payload()))
	}
}

func TestSplitRefusesShortPayload(t *testing.T) {
	raw := segment(t, false, "203.0.113.7", 1000, []byte("a"))
	v, err := pkt.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := Split(v, 2, counter()); got != nil {
		t.Errorf("expected nil for 1-byte payload, got %d pieces", len(got))
	}
	raw2 := segment(t, false, "203.0.113.7", 1000, []byte("ab"))
	v2, _ := pkt.Parse(raw2)
	if got := Split(v2, 1, counter()); got != nil {
		t.Errorf("expected nil for k=1, got %d pieces", len(got))
	}
}

func TestSplitLeavesOriginalUntouched(t *testing.T) {
	raw := segment(t, false, "203.0.113.7", 1000, hello517())
	before := append([]byte(nil), raw...)
	v, err := pkt.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	Split(v, 3, counter())
	if !bytes.Equal(raw, before) {
		t.Error("splitting mutated the original buffer")
	}
}
