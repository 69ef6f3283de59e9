package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"
)

func hexMAC(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerify_RoundTrip(t *testing.T) {
	bodies := []string{
		"",
		"{}",
		`{"baseId":"appXYZ","webhookId":"achABC"}`,
		"not json at all \x00\x01",
	}
	secret := "test-secret"
	v := New(secret)

	for _, body := range bodies {
		sig := hexMAC([]byte(body), []byte(secret))
		if !v.Verify([]byte(body), sig) {
			t.Errorf("Verify(%q, valid sig) = false, want true", body)
		}
	}
}

func TestVerify_PrefixedAndBase64(t *testing.T) {
	secret := "s3cr3t"
	body := []byte(`{"changedTablesById":{}}`)
	v := New(secret)

	if !v.Verify(body, Sign(body, []byte(secret))) {
		t.Error("Verify() rejected hmac-sha256= prefixed hex signature")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	b64 := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !v.Verify(body, b64) {
		t.Error("Verify() rejected base64 signature")
	}
}

func TestVerify_SingleByteMutations(t *testing.T) {
	secret := "another-secret"
	body := []byte(`{"record":"recAAA","field":"Screening Decision"}`)
	v := New(secret)
	sig := hexMAC(body, []byte(secret))

	// Mutate each byte of the body.
	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		if v.Verify(mutated, sig) {
			t.Errorf("Verify() accepted body mutated at byte %d", i)
		}
	}

	// Mutate each hex digit of the signature.
	for i := range sig {
		mutated := []byte(sig)
		if mutated[i] == 'f' {
			mutated[i] = '0'
		} else {
			mutated[i]++
		}
		if v.Verify(body, string(mutated)) {
			t.Errorf("Verify() accepted signature mutated at byte %d", i)
		}
	}
}

func TestVerify_EmptyAndGarbageSignature(t *testing.T) {
	v := New("secret")
	body := []byte("payload")

	for _, sig := range []string{"", "   ", "hmac-sha256=", "!!!not-an-encoding!!!"} {
		if v.Verify(body, sig) {
			t.Errorf("Verify(body, %q) = true, want false", sig)
		}
	}
}

func TestPermissiveMode(t *testing.T) {
	v := New("")
	if !v.Permissive() {
		t.Fatal("New(\"\") should be permissive")
	}
	if !v.Verify([]byte("anything"), "garbage") {
		t.Error("permissive Verify() = false, want true")
	}
}
