package pkt

import (
	"bytes"
	"math/rand"
	"testing"
)

// The serializer in view_test.go computes checksums with gopacket;
// recomputing them here must reproduce the same bytes.
func TestChecksumsMatchReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for _, v6 := range []bool{false, true} {
		name := "v4"
		build := buildV4
		if v6 {
			name = "v6"
			build = buildV6
		}
		t.Run(name, func(t *testing.T) {
			for trial := 0; trial < 50; trial++ {
				payload := make([]byte, 1+rng.Intn(1400))
				rng.Read(payload)

				ref := build(t, payload)
				got := append([]byte(nil), ref...)

				v, err := Parse(got)
				if err != nil {
					t.Fatalf("trial %d: parse: %v", trial, err)
				}
				v.Finalize()

				if !bytes.Equal(got, ref) {
					t.Fatalf("trial %d (payload len %d): recomputed checksums differ from reference",
						trial, len(payload))
				}
				if !ValidTCPChecksum(got, v.IPHeaderLen(), v6) {
					t.Fatalf("trial %d: ValidTCPChecksum rejects reference packet", trial)
				}
			}
		})
	}
}

func TestValidTCPChecksumDetectsCorruption(t *testing.T) {
	raw := buildV4(t, []byte("some tls bytes"))
	v, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !ValidTCPChecksum(raw, v.IPHeaderLen(), false) {
		t.Fatal("reference packet must validate")
	}

	flipped := append([]byte(nil), raw...)
	flipped[len(flipped)-1] ^= 0xff
	if ValidTCPChecksum(flipped, v.IPHeaderLen(), false) {
		t.Error("payload corruption not detected")
	}
}

func TestValidTCPChecksumRestoresField(t *testing.T) {
	raw := buildV4(t, []byte("probe"))
	before := append([]byte(nil), raw...)
	ValidTCPChecksum(raw, IPv4HeaderMinLen, false)
	if !bytes.Equal(raw, before) {
		t.Error("validation mutated the packet")
	}
}

func TestFixIPv4ChecksumShortBuffer(t *testing.T) {
	short := make([]byte, 10)
	FixIPv4Checksum(short) // must not panic
}
