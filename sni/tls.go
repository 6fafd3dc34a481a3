package sni

const (
	recordTypeHandshake  = 0x16
	handshakeClientHello = 0x01

	extServerName = 0

	// TLSPlaintext length is capped at 2^14 + 256 even with the
	// legacy slack some stacks allow.
	maxRecordLen = 16640
)

// IsClientHello reports whether the first bytes of a TCP payload form
// a TLS handshake record whose first message is a ClientHello. The
// check is conservative: anything truncated or ambiguous is not a
// ClientHello, and the caller passes the packet through untouched.
func IsClientHello(payload []byte) bool {
	if len(payload) < 6 {
		return false
	}
	if payload[0] != recordTypeHandshake {
		return false
	}
	// Legacy record versions 0x0301 through 0x0304.
	if payload[1] != 0x03 || payload[2] < 0x01 || payload[2] > 0x04 {
		return false
	}
	recLen := int(payload[3])<<8 | int(payload[4])
	if recLen < 4 || recLen > maxRecordLen {
		return false
	}
	// A record that runs past the end of this segment is ambiguous.
	if 5+recLen > len(payload) {
		return false
	}
	return payload[5] == handshakeClientHello
}

// LocateSNI returns the offset and length of the SNI hostname within
// the TCP payload, or (-1, 0) when no server name can be found. Only
// the first record is examined; a ClientHello straddling a segment
// boundary is treated as absent.
func LocateSNI(payload []byte) (offset, length int) {
	if !IsClientHello(payload) {
		return -1, 0
	}

	recLen := int(payload[3])<<8 | int(payload[4])
	rec := payload[5:]
	if recLen < len(rec) {
		rec = rec[:recLen]
	}
	if len(rec) < 4 {
		return -1, 0
	}

	hsLen := int(rec[1])<<16 | int(rec[2])<<8 | int(rec[3])
	ch := rec[4:]
	if hsLen < len(ch) {
		ch = ch[:hsLen]
	}

	off := locateSNIInHello(ch)
	if off < 0 {
		return -1, 0
	}
	// Rebase from the handshake body to the start of the payload.
	return off + 5 + 4, lengthAt(ch, off)
}

// Hostname extracts the SNI string from a ClientHello-bearing payload.
func Hostname(payload []byte) (string, bool) {
	off, n := LocateSNI(payload)
	if off < 0 || off+n > len(payload) {
		return "", false
	}
	name := string(payload[off : off+n])
	if !validHostname(name) {
		return "", false
	}
	return name, true
}

// locateSNIInHello walks the ClientHello body and returns the offset
// of the hostname bytes relative to the body start, or -1.
func locateSNIInHello(ch []byte) int {
	p := 2 + 32 // version, random
	if p >= len(ch) {
		return -1
	}

	sidLen := int(ch[p])
	p += 1 + sidLen
	if p+2 > len(ch) {
		return -1
	}

	csLen := int(ch[p])<<8 | int(ch[p+1])
	p += 2 + csLen
	if p+1 > len(ch) {
		return -1
	}

	cmLen := int(ch[p])
	p += 1 + cmLen
	if p+2 > len(ch) {
		return -1
	}

	extLen := int(ch[p])<<8 | int(ch[p+1])
	p += 2
	extEnd := p + extLen
	if extEnd > len(ch) {
		extEnd = len(ch)
	}

	for p+4 <= extEnd {
		et := int(ch[p])<<8 | int(ch[p+1])
		el := int(ch[p+2])<<8 | int(ch[p+3])
		p += 4
		if p+el > extEnd {
			return -1
		}
		if et == extServerName {
			return sniFromExtension(ch, p, p+el)
		}
		p += el
	}
	return -1
}

// sniFromExtension scans a server_name extension body [start, end) and
// returns the offset of the first host_name entry's bytes.
func sniFromExtension(ch []byte, start, end int) int {
	p := start
	if p+2 > end {
		return -1
	}
	listLen := int(ch[p])<<8 | int(ch[p+1])
	p += 2
	listEnd := p + listLen
	if listEnd > end {
		return -1
	}

	for p+3 <= listEnd {
		nameType := ch[p]
		nameLen := int(ch[p+1])<<8 | int(ch[p+2])
		p += 3
		if p+nameLen > listEnd {
			return -1
		}
		if nameType == 0 && nameLen > 0 {
			return p
		}
		p += nameLen
	}
	return -1
}

// lengthAt re-reads the host_name length field just before off.
func lengthAt(ch []byte, off int) int {
	if off < 2 {
		return 0
	}
	return int(ch[off-2])<<8 | int(ch[off-1])
}

func validHostname(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isHostnameChar(s[i]) {
			return false
		}
	}
	return true
}

func isHostnameChar(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '-' || b == '.' || b == '_':
		return true
	case b >= 128: // punycode should have been applied, but be lenient
		return true
	}
	return false
}
