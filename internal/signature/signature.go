// Package signature computes and validates the HMAC-SHA256 signatures that
// authenticate webhook payloads in both directions. The signature always
// covers the raw body bytes exactly as transmitted; re-serializing before
// verification will reject valid payloads.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Header is the signature header set on outbound deliveries.
const Header = "X-Webhook-Signature"

// HeaderVariants are the inbound signature header names accepted by the
// receiver, in lookup order. Earlier integrations used the GitHub-style
// name before the platform settled on X-Webhook-Signature.
var HeaderVariants = []string{
	"X-Webhook-Signature",
	"X-Hub-Signature-256",
	"X-Signature",
}

// Sign returns the hex-encoded HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature for body and compares it against sigHex
// in constant time. A "sha256=" prefix on sigHex is tolerated. Malformed or
// wrong-length signatures are invalid, never a panic.
func Verify(body []byte, sigHex, secret string) bool {
	sigHex = strings.TrimPrefix(sigHex, "sha256=")

	provided, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	// Length mismatch is decided before the constant-time compare; the
	// lengths are not secret, only the contents are.
	if len(provided) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare(provided, expected) == 1
}
