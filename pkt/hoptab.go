package pkt

import (
	"net"
	"sync"
)

// HopTabCap bounds the number of peers tracked at once. 128 keeps the
// table small enough that a linear scan stays cheaper than any fancier
// indexing at this size.
const HopTabCap = 128

// hopKey unifies v4 and v6 addresses (IPv4 stored as ::ffff:a.b.c.d).
type hopKey [16]byte

func keyOf(ip net.IP) (hopKey, bool) {
	var k hopKey
	b := ip.To16()
	if b == nil {
		return k, false
	}
	copy(k[:], b)
	return k, true
}

type hopEntry struct {
	key      hopKey
	hops     uint8
	lastSeen uint64
	occupied bool
}

// HopTab maps a remote IP to its inferred hop distance, learned from
// the TTL of inbound SYN/ACK packets. When full, the entry with the
// oldest lastSeen is replaced. Shared between the verdict path and the
// inbound-observation path, serialized with one mutex.
type HopTab struct {
	mu      sync.Mutex
	tick    uint64
	entries [HopTabCap]hopEntry
}

func NewHopTab() *HopTab {
	return &HopTab{}
}

// InferHops maps a received TTL to the hop count, assuming the sender
// started from the smallest of the common initial TTLs {64, 128, 255}
// that is >= the received value.
func InferHops(recvTTL uint8) uint8 {
	switch {
	case recvTTL <= 64:
		return 64 - recvTTL
	case recvTTL <= 128:
		return 128 - recvTTL
	default:
		return 255 - recvTTL
	}
}

// Observe upserts the hop count inferred from an inbound SYN/ACK.
func (t *HopTab) Observe(peer net.IP, recvTTL uint8) {
	key, ok := keyOf(peer)
	if !ok {
		return
	}
	hops := InferHops(recvTTL)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.tick++

	victim := 0
	for i := range t.entries {
		e := &t.entries[i]
		if e.occupied && e.key == key {
			e.hops = hops
			e.lastSeen = t.tick
			return
		}
		v := &t.entries[victim]
		switch {
		case !v.occupied:
			// keep the first free slot
		case !e.occupied:
			victim = i
		case e.lastSeen < v.lastSeen:
			victim = i
		}
	}

	t.entries[victim] = hopEntry{key: key, hops: hops, lastSeen: t.tick, occupied: true}
}

// Lookup returns the inferred hop count for peer, if present.
func (t *HopTab) Lookup(peer net.IP) (uint8, bool) {
	key, ok := keyOf(peer)
	if !ok {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		e := &t.entries[i]
		if e.occupied && e.key == key {
			return e.hops, true
		}
	}
	return 0, false
}

// Len reports the number of occupied entries.
func (t *HopTab) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.entries {
		if t.entries[i].occupied {
			n++
		}
	}
	return n
}
