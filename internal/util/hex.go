package util

import "strings"

// ValidateAddress validates a worker address in the pool's bech32-style
// account format: a fixed "addr1" prefix followed by a 58-character
// bech32 payload.
func ValidateAddress(addr string) bool {
	if !strings.HasPrefix(addr, "addr1") {
		return false
	}
	if len(addr) != 63 {
		return false
	}
	// Basic bech32 character validation
	for _, c := range addr[5:] {
		if !strings.ContainsRune("023456789acdefghjklmnpqrstuvwxyz", c) {
			return false
		}
	}
	return true
}
