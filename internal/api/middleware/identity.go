package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/idtoken"
)

// SchedulerIdentity guards the internal scheduler endpoints. Cloud
// Scheduler calls them with an OIDC identity token whose audience must
// match the configured value. An empty audience disables the check for
// local development, loudly.
func SchedulerIdentity(audience string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if audience == "" {
				log.Warn().Str("path", r.URL.Path).Msg("scheduler identity check disabled, no audience configured")
				next.ServeHTTP(w, r)
				return
			}

			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || token == r.Header.Get("Authorization") {
				http.Error(w, `{"error": "missing bearer token"}`, http.StatusUnauthorized)
				return
			}

			if _, err := idtoken.Validate(r.Context(), token, audience); err != nil {
				log.Warn().Err(err).Str("path", r.URL.Path).Msg("scheduler identity token rejected")
				http.Error(w, `{"error": "invalid identity token"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
