package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestSign_MatchesStandardLibrary(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		secret  string
	}{
		{
			name:    "basic payload",
			payload: []byte(`{"event":"content.created","data":{"id":"123"}}`),
			secret:  "my-secret-key",
		},
		{
			name:    "empty payload",
			payload: []byte(`{}`),
			secret:  "secret",
		},
		{
			name:    "empty secret",
			payload: []byte(`{"test":true}`),
			secret:  "",
		},
		{
			name:    "unicode payload",
			payload: []byte(`{"name":"café","price":"€10"}`),
			secret:  "unicode-key-日本語",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := Sign(tt.payload, tt.secret)

			decoded, err := hex.DecodeString(sig)
			if err != nil {
				t.Fatalf("signature is not valid hex: %v", err)
			}
			if len(decoded) != 32 {
				t.Fatalf("expected 32 bytes, got %d", len(decoded))
			}

			mac := hmac.New(sha256.New, []byte(tt.secret))
			mac.Write(tt.payload)
			expected := hex.EncodeToString(mac.Sum(nil))

			if sig != expected {
				t.Errorf("signature mismatch:\n  got:  %s\n  want: %s", sig, expected)
			}
		})
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	payload := []byte(`{"tenant":"ws-1","engagement":42}`)
	secret := "whsec_test"

	if !Verify(payload, Sign(payload, secret), secret) {
		t.Error("verify should accept a signature produced by Sign")
	}
}

func TestVerify_SingleByteMutation(t *testing.T) {
	payload := []byte(`{"order_id":"abc-123"}`)
	secret := "test-secret"
	sig := Sign(payload, secret)

	// Mutate each byte of the payload in turn.
	for i := range payload {
		mutated := append([]byte(nil), payload...)
		mutated[i] ^= 0x01
		if Verify(mutated, sig, secret) {
			t.Fatalf("mutation at payload byte %d should invalidate signature", i)
		}
	}

	// Mutate one hex character of the signature.
	badSig := []byte(sig)
	if badSig[0] == 'a' {
		badSig[0] = 'b'
	} else {
		badSig[0] = 'a'
	}
	if Verify(payload, string(badSig), secret) {
		t.Error("mutated signature should not verify")
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	payload := []byte(`{"a":1}`)
	sig := Sign(payload, "secret-1")

	if Verify(payload, sig, "secret-2") {
		t.Error("signature under a different secret should not verify")
	}
}

func TestVerify_LengthMismatchIsInvalidNotPanic(t *testing.T) {
	payload := []byte(`{"a":1}`)

	for _, sig := range []string{"", "ab", "abcd1234", "not-hex-at-all"} {
		if Verify(payload, sig, "secret") {
			t.Errorf("malformed signature %q should be invalid", sig)
		}
	}
}

func TestVerify_ToleratesSha256Prefix(t *testing.T) {
	payload := []byte(`{"source":"github-style"}`)
	secret := "shared"

	if !Verify(payload, "sha256="+Sign(payload, secret), secret) {
		t.Error("sha256=<hex> format should verify")
	}
}
