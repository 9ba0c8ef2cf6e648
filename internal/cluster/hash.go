package cluster

import (
	"crypto/sha256"
	"encoding/binary"
)

// SlotFor maps a client key onto one of capacity ring slots.
//
// Routers and clients call it before addressing a replica; replicas never
// hash keys themselves, they only interpret the slot they are given.
// The first 4 bytes of the SHA-256 digest are used so every process
// computes the same slot regardless of platform.
func SlotFor(key string, capacity int) int {
	if capacity <= 0 {
		return 0
	}
	h := sha256.Sum256([]byte(key))
	return int(binary.BigEndian.Uint32(h[:4]) % uint32(capacity))
}

// wrap normalises a possibly negative slot into [0, capacity).
func wrap(slot, capacity int) int {
	return ((slot % capacity) + capacity) % capacity
}
