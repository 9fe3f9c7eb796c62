package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// signatureHeaders in precedence order. The first present header wins; the
// -sha256 aliases exist because connectors disagree on the name.
var signatureHeaders = []string{
	"x-webhook-signature",
	"x-webhook-signature-sha256",
	"x-signature",
	"x-signature-sha256",
}

// apiKeyHeaders in precedence order, after the Authorization bearer token.
var apiKeyHeaders = []string{
	"x-api-key",
	"x-webhook-token",
	"x-authorization",
}

// Sign computes the hex HMAC-SHA256 of a payload. Exported for tests and for
// callers signing outbound verification requests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the request's HMAC against the raw body. Enforcement
// off means unsigned requests pass; a present-but-wrong signature always
// fails.
func VerifySignature(secret string, enforce bool, header http.Header, body []byte) bool {
	provided := ""
	for _, name := range signatureHeaders {
		if v := header.Get(name); v != "" {
			provided = v
			break
		}
	}
	if provided == "" {
		return !enforce
	}
	provided = strings.TrimPrefix(provided, "sha256=")

	expected := Sign(secret, body)
	return hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected))
}

// VerifyAPIKey checks the configured static key against the bearer token or
// one of the accepted key headers. An empty configured key disables the gate.
func VerifyAPIKey(expected string, header http.Header) bool {
	if expected == "" {
		return true
	}

	if auth := header.Get("Authorization"); auth != "" {
		token := strings.TrimPrefix(auth, "Bearer ")
		if subtleEquals(token, expected) {
			return true
		}
	}
	for _, name := range apiKeyHeaders {
		if v := header.Get(name); v != "" && subtleEquals(v, expected) {
			return true
		}
	}
	return false
}

func subtleEquals(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
