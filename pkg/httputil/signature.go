package httputil

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignaturePrefix precedes the hex digest in signature headers
const SignaturePrefix = "sha256="

// Sign returns the HMAC-SHA256 of payload as "sha256=<hex>"
func Sign(payload []byte, secret string) string {
	return SignaturePrefix + hex.EncodeToString(HMAC(payload, secret))
}

// HMAC returns the raw HMAC-SHA256 of payload
func HMAC(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

// VerifySignature checks a hex HMAC-SHA256 signature in constant time.
// The "sha256=" prefix is optional.
func VerifySignature(payload []byte, signature, secret string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), SignaturePrefix))
	if err != nil || len(got) == 0 {
		return false
	}
	return hmac.Equal(got, HMAC(payload, secret))
}
