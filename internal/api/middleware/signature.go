package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/jetsmx/opsrelay/internal/signature"
)

// maxWebhookBody caps inbound webhook bodies.
const maxWebhookBody = 4 << 20

// WebhookSignature rejects requests whose body does not carry a valid MAC
// in the named header. Rejection happens before any payload parsing. The
// body is re-buffered so downstream handlers read it normally.
func WebhookSignature(verifier *signature.Verifier, header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
			if err != nil {
				http.Error(w, `{"error": "unreadable body"}`, http.StatusBadRequest)
				return
			}
			r.Body.Close()

			if !verifier.Verify(body, r.Header.Get(header)) {
				log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("webhook signature rejected")
				http.Error(w, `{"error": "invalid signature"}`, http.StatusUnauthorized)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
