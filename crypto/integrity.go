package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// ComputeMAC produces an HMAC-SHA256 tag over the plaintext, keyed by
// the message's content key. Reusing the content key for both
// confidentiality and integrity is accepted because the key is scoped to
// a single message.
func ComputeMAC(plaintext []byte, key ContentKey) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(plaintext)
	return mac.Sum(nil)
}

// VerifyMAC recomputes the tag and compares it in constant time. Any
// mismatch is treated by callers as possible tampering.
func VerifyMAC(plaintext, tag []byte, key ContentKey) bool {
	expected := ComputeMAC(plaintext, key)
	return hmac.Equal(expected, tag)
}
