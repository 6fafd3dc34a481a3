package pkt

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Header field offsets used throughout this package. All multi-byte
// fields are network byte order.
const (
	IPv4HeaderMinLen = 20
	IPv6HeaderLen    = 40
	TCPHeaderMinLen  = 20

	protoTCP = 6
)

// TCP flag bits (byte 13 of the TCP header).
const (
	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagRST = 0x04
	FlagPSH = 0x08
	FlagACK = 0x10
)

type ParseError string

func (e ParseError) Error() string { return string(e) }

var (
	ErrTruncated  = ParseError("packet truncated")
	ErrNotTCP     = ParseError("not a TCP packet")
	ErrBadVersion = ParseError("unknown IP version")
	ErrBadLength  = ParseError("IP length field inconsistent with buffer")
	ErrFragmented = ParseError("IP-fragmented packet")
)

// View is a parsed window over a raw IPv4 or IPv6 TCP packet. It does
// not own the buffer; mutating operations edit the caller's bytes in
// place except SetPayload, which always moves the view to a new buffer.
type View struct {
	buf       []byte
	v6        bool
	ipHdrLen  int
	tcpHdrLen int
}

// Parse validates the version nibble, the IP length fields and the TCP
// data offset, and rejects anything that is not a whole TCP packet.
func Parse(raw []byte) (*View, error) {
	if len(raw) == 0 {
		return nil, ErrTruncated
	}

	switch raw[0] >> 4 {
	case 4:
		return parseV4(raw)
	case 6:
		return parseV6(raw)
	}
	return nil, ErrBadVersion
}

func parseV4(raw []byte) (*View, error) {
	if len(raw) < IPv4HeaderMinLen {
		return nil, ErrTruncated
	}
	ihl := int(raw[0]&0x0f) * 4
	if ihl < IPv4HeaderMinLen || len(raw) < ihl {
		return nil, ErrTruncated
	}
	if int(binary.BigEndian.Uint16(raw[2:4])) != len(raw) {
		return nil, ErrBadLength
	}
	if binary.BigEndian.Uint16(raw[6:8])&0x3fff != 0 {
		return nil, ErrFragmented
	}
	if raw[9] != protoTCP {
		return nil, ErrNotTCP
	}
	return parseTCP(raw, ihl, false)
}

func parseV6(raw []byte) (*View, error) {
	if len(raw) < IPv6HeaderLen {
		return nil, ErrTruncated
	}
	if int(binary.BigEndian.Uint16(raw[4:6]))+IPv6HeaderLen != len(raw) {
		return nil, ErrBadLength
	}

	next := raw[6]
	off := IPv6HeaderLen
	for {
		switch next {
		case 0, 43, 60: // hop-by-hop, routing, destination options
			if len(raw) < off+2 {
				return nil, ErrTruncated
			}
			next = raw[off]
			off += int(raw[off+1])*8 + 8
		case 44:
			return nil, ErrFragmented
		case protoTCP:
			return parseTCP(raw, off, true)
		default:
			return nil, ErrNotTCP
		}
	}
}

func parseTCP(raw []byte, ipHdrLen int, v6 bool) (*View, error) {
	if len(raw) < ipHdrLen+TCPHeaderMinLen {
		return nil, ErrTruncated
	}
	datOff := int(raw[ipHdrLen+12]>>4) * 4
	if datOff < TCPHeaderMinLen || len(raw) < ipHdrLen+datOff {
		return nil, fmt.Errorf("tcp data offset %d: %w", datOff, ErrTruncated)
	}
	return &View{buf: raw, v6: v6, ipHdrLen: ipHdrLen, tcpHdrLen: datOff}, nil
}

func (v *View) Raw() []byte  { return v.buf }
func (v *View) IsIPv6() bool { return v.v6 }

func (v *View) IPHeaderLen() int  { return v.ipHdrLen }
func (v *View) TCPHeaderLen() int { return v.tcpHdrLen }
func (v *View) PayloadOffset() int {
	return v.ipHdrLen + v.tcpHdrLen
}

func (v *View) Payload() []byte {
	return v.buf[v.ipHdrLen+v.tcpHdrLen:]
}

func (v *View) SrcIP() net.IP {
	if v.v6 {
		return net.IP(v.buf[8:24])
	}
	return net.IP(v.buf[12:16])
}

func (v *View) DstIP() net.IP {
	if v.v6 {
		return net.IP(v.buf[24:40])
	}
	return net.IP(v.buf[16:20])
}

func (v *View) SrcPort() uint16 {
	return binary.BigEndian.Uint16(v.buf[v.ipHdrLen : v.ipHdrLen+2])
}

func (v *View) DstPort() uint16 {
	return binary.BigEndian.Uint16(v.buf[v.ipHdrLen+2 : v.ipHdrLen+4])
}

func (v *View) Seq() uint32 {
	return binary.BigEndian.Uint32(v.buf[v.ipHdrLen+4 : v.ipHdrLen+8])
}

func (v *View) Ack() uint32 {
	return binary.BigEndian.Uint32(v.buf[v.ipHdrLen+8 : v.ipHdrLen+12])
}

func (v *View) Flags() byte { return v.buf[v.ipHdrLen+13] }

func (v *View) IsSYN() bool { return v.Flags()&FlagSYN != 0 }
func (v *View) IsACK() bool { return v.Flags()&FlagACK != 0 }
func (v *View) IsRST() bool { return v.Flags()&FlagRST != 0 }
func (v *View) IsFIN() bool { return v.Flags()&FlagFIN != 0 }

// TTL returns the IPv4 TTL or the IPv6 hop limit.
func (v *View) TTL() uint8 {
	if v.v6 {
		return v.buf[7]
	}
	return v.buf[8]
}

// SetTTL writes the IPv4 TTL or IPv6 hop limit. The IPv4 header
// checksum is left stale until Finalize runs.
func (v *View) SetTTL(ttl uint8) {
	if v.v6 {
		v.buf[7] = ttl
		return
	}
	v.buf[8] = ttl
}

// IPID returns the IPv4 identification field, or 0 for IPv6.
func (v *View) IPID() uint16 {
	if v.v6 {
		return 0
	}
	return binary.BigEndian.Uint16(v.buf[4:6])
}

// SetIPID writes the IPv4 identification field. No-op for IPv6.
func (v *View) SetIPID(id uint16) {
	if !v.v6 {
		binary.BigEndian.PutUint16(v.buf[4:6], id)
	}
}

func (v *View) SetSeq(seq uint32) {
	binary.BigEndian.PutUint32(v.buf[v.ipHdrLen+4:v.ipHdrLen+8], seq)
}

func (v *View) SetFlags(flags byte) {
	v.buf[v.ipHdrLen+13] = flags
}

// Clone deep-copies the underlying buffer so the copy can be mutated
// independently of the diverter-owned original.
func (v *View) Clone() *View {
	dup := make([]byte, len(v.buf))
	copy(dup, v.buf)
	return &View{buf: dup, v6: v.v6, ipHdrLen: v.ipHdrLen, tcpHdrLen: v.tcpHdrLen}
}

// SetPayload replaces the TCP payload, growing or shrinking the buffer
// as needed, and updates the IP length field. Checksums are
// recomputed.
func (v *View) SetPayload(payload []byte) {
	hdrLen := v.ipHdrLen + v.tcpHdrLen
	out := make([]byte, hdrLen+len(payload))
	copy(out, v.buf[:hdrLen])
	copy(out[hdrLen:], payload)
	v.buf = out

	if v.v6 {
		binary.BigEndian.PutUint16(v.buf[4:6], uint16(len(v.buf)-IPv6HeaderLen))
	} else {
		binary.BigEndian.PutUint16(v.buf[2:4], uint16(len(v.buf)))
	}
	v.Finalize()
}

// Finalize recomputes the IP header checksum (v4) and the TCP checksum
// over the v4 or v6 pseudo-header.
func (v *View) Finalize() {
	if !v.v6 {
		FixIPv4Checksum(v.buf[:v.ipHdrLen])
	}
	FixTCPChecksum(v.buf, v.ipHdrLen, v.v6)
}

// CorruptTCPChecksum recomputes the TCP checksum and then flips both
// bytes so the field is guaranteed invalid for the packet contents.
func (v *View) CorruptTCPChecksum() {
	v.Finalize()
	v.buf[v.ipHdrLen+16] ^= 0xff
	v.buf[v.ipHdrLen+17] ^= 0xff
}
