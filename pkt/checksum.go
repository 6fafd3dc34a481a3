package pkt

import "encoding/binary"

// FixIPv4Checksum zeroes and recomputes the IPv4 header checksum over
// the full header including options (RFC 1071).
func FixIPv4Checksum(ip []byte) {
	if len(ip) < IPv4HeaderMinLen {
		return
	}
	ip[10], ip[11] = 0, 0
	ihl := int(ip[0]&0x0f) * 4
	if ihl > len(ip) {
		ihl = len(ip)
	}
	var sum uint32
	for i := 0; i+1 < ihl; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(ip[i : i+2]))
	}
	binary.BigEndian.PutUint16(ip[10:12], ^fold(sum))
}

// FixTCPChecksum zeroes and recomputes the TCP checksum using the v4
// or v6 pseudo-header (RFC 793 / RFC 8200).
func FixTCPChecksum(packet []byte, ipHdrLen int, v6 bool) {
	if len(packet) < ipHdrLen+TCPHeaderMinLen {
		return
	}
	packet[ipHdrLen+16] = 0
	packet[ipHdrLen+17] = 0
	binary.BigEndian.PutUint16(packet[ipHdrLen+16:ipHdrLen+18],
		tcpChecksum(packet, ipHdrLen, v6))
}

// ValidTCPChecksum reports whether the TCP checksum field matches the
// packet contents. The tests use it to check emitted packets.
func ValidTCPChecksum(packet []byte, ipHdrLen int, v6 bool) bool {
	if len(packet) < ipHdrLen+TCPHeaderMinLen {
		return false
	}
	stored := binary.BigEndian.Uint16(packet[ipHdrLen+16 : ipHdrLen+18])
	packet[ipHdrLen+16] = 0
	packet[ipHdrLen+17] = 0
	want := tcpChecksum(packet, ipHdrLen, v6)
	binary.BigEndian.PutUint16(packet[ipHdrLen+16:ipHdrLen+18], stored)
	return stored == want
}

func tcpChecksum(packet []byte, ipHdrLen int, v6 bool) uint16 {
	tcpLen := len(packet) - ipHdrLen

	var sum uint32
	if v6 {
		sum = sumBytes(packet[8:24])  // src
		sum += sumBytes(packet[24:40]) // dst
		sum += uint32(tcpLen)
		sum += protoTCP
	} else {
		sum = sumBytes(packet[12:16])
		sum += sumBytes(packet[16:20])
		sum += uint32(tcpLen)
		sum += protoTCP
	}

	tcp := packet[ipHdrLen:]
	for i := 0; i+1 < len(tcp); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(tcp[i : i+2]))
	}
	if len(tcp)%2 == 1 {
		sum += uint32(tcp[len(tcp)-1]) << 8
	}
	return ^fold(sum)
}

func sumBytes(b []byte) uint32 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	return sum
}

func fold(sum uint32) uint16 {
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return uint16(sum)
}
