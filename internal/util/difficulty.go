package util

import (
	"crypto/sha256"
	"encoding/binary"
)

// Sha256dToUint64 reduces a proof to a uint64 difficulty value by
// double-hashing it with SHA-256 and reading the first 8 bytes of the
// digest as a big-endian integer. Lower is harder, matching the
// convention used throughout this package: a share clears its target
// when its reduced value is less than or equal to that target.
func Sha256dToUint64(data []byte) uint64 {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return binary.BigEndian.Uint64(second[:8])
}
