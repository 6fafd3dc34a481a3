package mangle

import (
	"github.com/dilluti0n/dpibreak/pkt"
	"github.com/dilluti0n/dpibreak/sni"
)

// Split re-segments the TCP payload of v into k packets. Sequence
// numbers advance by each piece's length so the concatenation of the
// emitted payloads in seq order equals the original payload. PSH is
// set on the last piece only; every v4 piece gets a fresh IP-ID from
// ipID and every piece gets recomputed checksums. Returns nil when the
// payload is too short to split.
func Split(v *pkt.View, k int, ipID func() uint16) [][]byte {
	payload := v.Payload()
	if k < 2 || len(payload) < k {
		return nil
	}

	cuts := splitPoints(v, k)
	out := make([][]byte, 0, len(cuts)+1)

	seq := v.Seq()
	start := 0
	for i := 0; i <= len(cuts); i++ {
		end := len(payload)
		if i < len(cuts) {
			end = cuts[i]
		}
		piece := v.Clone()
		piece.SetSeq(seq)
		if i < len(cuts) {
			piece.SetFlags(v.Flags() &^ pkt.FlagPSH)
		} else {
			piece.SetFlags(v.Flags() | pkt.FlagPSH)
		}
		if !v.IsIPv6() {
			piece.SetIPID(ipID())
		}
		piece.SetPayload(payload[start:end])

		out = append(out, piece.Raw())
		seq += uint32(end - start)
		start = end
	}
	return out
}

// splitPoints chooses the payload offsets to cut at. Pieces are as
// even as possible with the remainder going to the earliest pieces.
// For the two-way split the cut is nudged into the middle of the SNI
// hostname when the midpoint would leave it whole, so the name always
// straddles a boundary.
func splitPoints(v *pkt.View, k int) []int {
	n := len(v.Payload())
	base, rem := n/k, n%k

	cuts := make([]int, 0, k-1)
	pos := 0
	for i := 0; i < k-1; i++ {
		pos += base
		if i < rem {
			pos++
		}
		cuts = append(cuts, pos)
	}

	if k == 2 {
		cuts[0] = straddleSNI(v.Payload(), cuts[0])
	}
	return cuts
}

func straddleSNI(payload []byte, cut int) int {
	off, length := sni.LocateSNI(payload)
	if off < 0 || length == 0 {
		return cut
	}
	if cut > off && cut < off+length {
		return cut
	}
	mid := off + length/2
	if mid <= 0 || mid >= len(payload) {
		return cut
	}
	return mid
}
