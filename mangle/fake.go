package mangle

import (
	"encoding/binary"

	"github.com/dilluti0n/dpibreak/pkt"
)

// fakeHello is the canned payload carried by every fake packet. A
// middlebox keying on the SNI sees a handshake for a blameless host;
// the real server never sees the packet because its TTL expires.
var fakeHello = buildClientHello("www.microsoft.com")

// Fake builds a decoy for segment: same headers and seq, the canned
// ClientHello as payload, and the given TTL. With badsum the TCP
// checksum is made invalid so conforming stacks discard the packet
// even if the TTL would have carried it through.
func Fake(segment []byte, ttl uint8, badsum bool) []byte {
	v, err := pkt.Parse(segment)
	if err != nil {
		return nil
	}
	f := v.Clone()
	f.SetTTL(ttl)
	f.SetPayload(fakeHello)
	if badsum {
		f.CorruptTCPChecksum()
	}
	return f.Raw()
}

// buildClientHello assembles a minimal TLS 1.2 ClientHello whose only
// extension is server_name. The random field is a fixed pattern; the
// payload only has to look plausible to a middlebox, never to a peer.
func buildClientHello(host string) []byte {
	var random [32]byte
	for i := range random {
		random[i] = byte(i*13 + 7)
	}

	cipherSuites := []uint16{0xc02b, 0xc02f, 0xc02c, 0xc030, 0x009e, 0x002f}

	// server_name extension: list of one host_name entry.
	sniEntry := make([]byte, 0, 3+len(host))
	sniEntry = append(sniEntry, 0x00)
	sniEntry = be16(sniEntry, uint16(len(host)))
	sniEntry = append(sniEntry, host...)

	ext := make([]byte, 0, 6+len(sniEntry))
	ext = be16(ext, 0) // extension type server_name
	ext = be16(ext, uint16(2+len(sniEntry)))
	ext = be16(ext, uint16(len(sniEntry)))
	ext = append(ext, sniEntry...)

	body := make([]byte, 0, 64+len(ext))
	body = append(body, 0x03, 0x03)
	body = append(body, random[:]...)
	body = append(body, 0x00) // empty session ID
	body = be16(body, uint16(2*len(cipherSuites)))
	for _, cs := range cipherSuites {
		body = be16(body, cs)
	}
	body = append(body, 0x01, 0x00) // null compression only
	body = be16(body, uint16(len(ext)))
	body = append(body, ext...)

	hs := make([]byte, 0, 4+len(body))
	hs = append(hs, 0x01, 0x00)
	hs = be16(hs, uint16(len(body)))
	hs = append(hs, body...)

	rec := make([]byte, 0, 5+len(hs))
	rec = append(rec, 0x16, 0x03, 0x01)
	rec = be16(rec, uint16(len(hs)))
	rec = append(rec, hs...)
	return rec
}

func be16(b []byte, v uint16) []byte {
	var u [2]byte
	binary.BigEndian.PutUint16(u[:], v)
	return append(b, u[:]...)
}
