package wallet

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

const addressLength = 20

// AddressFromPublicKey derives a 0x-prefixed account identifier from the last
// 20 bytes of the keccak-256 digest of the public key.
func AddressFromPublicKey(pub []byte) string {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(pub)
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[len(sum)-addressLength:])
}

// SameAddress compares account identifiers case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ValidAddress reports whether s looks like a 0x-prefixed 20-byte hex address.
func ValidAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	raw, err := hex.DecodeString(s[2:])
	return err == nil && len(raw) == addressLength
}
