package cryptoutil

import (
	"crypto/sha1" //nolint:gosec // attachment checksums are SHA-1 by format, not for security
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash/adler32"
)

// HashEqual performs constant-time comparison of two hex-encoded hashes
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SHA256Hex computes the SHA-256 hash of data as a hex string
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SHA1Hex computes the attachment checksum of data
func SHA1Hex(data []byte) string {
	h := sha1.Sum(data) //nolint:gosec
	return hex.EncodeToString(h[:])
}

// Adler32 fingerprints a string, used for path components of ETags
func Adler32(s string) uint32 {
	return adler32.Checksum([]byte(s))
}
