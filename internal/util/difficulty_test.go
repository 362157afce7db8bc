package util

import "testing"

func TestSha256dToUint64(t *testing.T) {
	a := Sha256dToUint64([]byte("proof-one"))
	b := Sha256dToUint64([]byte("proof-two"))
	if a == b {
		t.Error("Sha256dToUint64 should differ for distinct inputs (not guaranteed, but expected here)")
	}

	// Deterministic: same input always reduces to the same value.
	if Sha256dToUint64([]byte("proof-one")) != a {
		t.Error("Sha256dToUint64 should be deterministic")
	}

	if Sha256dToUint64(nil) != Sha256dToUint64([]byte{}) {
		t.Error("Sha256dToUint64(nil) and Sha256dToUint64(empty) should match")
	}
}
