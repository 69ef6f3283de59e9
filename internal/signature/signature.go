// Package signature verifies HMAC-SHA256 webhook signatures.
//
// Airtable signs webhook notification bodies with the macSecretBase64
// returned at webhook creation and sends the MAC in the
// X-Airtable-Content-MAC header, prefixed "hmac-sha256=". The verifier
// also accepts bare hex or base64 MACs so the same code covers the
// HMAC-signed alert webhooks we emit ourselves.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/rs/zerolog/log"
)

// Verifier checks request bodies against a shared secret.
//
// A Verifier with an empty secret runs in permissive mode: every body is
// accepted and a warning is logged per request. That mode exists for local
// development only and is deliberately loud.
type Verifier struct {
	secret     []byte
	permissive bool
}

// New creates a Verifier for the given secret. An empty secret yields a
// permissive verifier that accepts everything and warns.
func New(secret string) *Verifier {
	if secret == "" {
		log.Warn().Msg("no webhook secret configured, signature verification DISABLED")
		return &Verifier{permissive: true}
	}
	return &Verifier{secret: []byte(secret)}
}

// Permissive reports whether verification is disabled.
func (v *Verifier) Permissive() bool { return v.permissive }

// Verify computes HMAC-SHA256 over body with the configured secret and
// compares it to the claimed signature in constant time. It never returns
// an error for a mismatch: a bad signature is just false.
func (v *Verifier) Verify(body []byte, claimed string) bool {
	if v.permissive {
		log.Warn().Msg("accepting unverified webhook (permissive mode)")
		return true
	}

	claimed = strings.TrimSpace(claimed)
	claimed = strings.TrimPrefix(claimed, "hmac-sha256=")
	if claimed == "" {
		return false
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	// Hex is what Airtable sends; fall back to base64 for our own webhooks.
	if decoded, err := hex.DecodeString(strings.ToLower(claimed)); err == nil {
		return hmac.Equal(decoded, expected)
	}
	if decoded, err := base64.StdEncoding.DecodeString(claimed); err == nil {
		return hmac.Equal(decoded, expected)
	}
	return false
}

// Sign returns the hex HMAC-SHA256 of body, "hmac-sha256=" prefixed, in the
// same format Verify accepts. Used by tests and the outbound alert driver.
func Sign(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "hmac-sha256=" + hex.EncodeToString(mac.Sum(nil))
}
