package mangle

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// segment serializes an outbound TCP packet to 443 with gopacket so
// the fragmenter and fake tests start from checksum-correct input.
func segment(t *testing.T, v6 bool, dst string, seq uint32, payload []byte) []byte {
	t.Helper()
	tcp := &layers.TCP{
		SrcPort:    51000,
		DstPort:    443,
		Seq:        seq,
		Ack:        777,
		PSH:        true,
		ACK:        true,
		DataOffset: 5,
		Window:     64240,
	}

	var netLayer gopacket.SerializableLayer
	if v6 {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      net.ParseIP("2001:db8::10"),
			DstIP:      net.ParseIP(dst),
		}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			t.Fatalf("set network layer: %v", err)
		}
		netLayer = ip
	} else {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Id:       7,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IPv4(100, 64, 0, 9),
			DstIP:    net.ParseIP(dst),
		}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			t.Fatalf("set network layer: %v", err)
		}
		netLayer = ip
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, netLayer, tcp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

// synack serializes an inbound SYN/ACK from dst:443, carrying the TTL
// the hop table learns from.
func synack(t *testing.T, src string, ttl uint8) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      ttl,
		Id:       9,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src),
		DstIP:    net.IPv4(100, 64, 0, 9),
	}
	tcp := &layers.TCP{
		SrcPort:    443,
		DstPort:    51000,
		Seq:        1,
		Ack:        1001,
		SYN:        true,
		ACK:        true,
		DataOffset: 5,
		Window:     64240,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("set network layer: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp); err != nil {
		t.Fatalf("serialize syn/ack: %v", err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

// hello517 pads a ClientHello for rutracker.org, built the same way as
// the canned one, out to exactly 517 bytes, the size most browsers emit.
func hello517() []byte {
	h := buildClientHello("rutracker.org")
	out := make([]byte, 517)
	copy(out, h)
	return out
}
