// Package authgate verifies the HMAC handshake every protected request
// must pass: source filtering, signed headers, replay protection, and
// per-client rate limiting.
package authgate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// CanonicalString assembles the signing payload. The five fields are
// joined with literal newlines; the body hash is the lowercase hex
// SHA-256 of the raw body bytes (the empty body hashes the empty string).
func CanonicalString(method, target, timestamp, nonce string, body []byte) string {
	var b strings.Builder
	b.Grow(len(method) + len(target) + len(timestamp) + len(nonce) + 68)
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(target)
	b.WriteByte('\n')
	b.WriteString(timestamp)
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.WriteString(BodyHash(body))
	return b.String()
}

// BodyHash returns the lowercase hex SHA-256 of body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Sign computes the lowercase hex HMAC-SHA256 of canonical under secret.
func Sign(secret, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the expected signature and compares in
// constant time.
func VerifySignature(secret, canonical, provided string) bool {
	expected := Sign(secret, canonical)
	return hmac.Equal([]byte(provided), []byte(expected))
}

// RequestTarget returns the request-line target exactly as received.
// The signature covers these bytes, so no re-encoding is allowed.
func RequestTarget(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}
