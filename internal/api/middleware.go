package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/ignite/adperf-engine/internal/pkg/httputil"
	"github.com/ignite/adperf-engine/internal/pkg/logger"
)

// RequireTriggerSecret rejects requests that do not carry the shared
// secret as a bearer token or X-Trigger-Secret header. With no secret
// configured every request is refused.
func RequireTriggerSecret(secret string) func(http.Handler) http.Handler {
	want := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(want) == 0 {
				httputil.ErrorCode(w, http.StatusServiceUnavailable, "triggers_disabled", "trigger secret not configured")
				return
			}
			got := r.Header.Get("X-Trigger-Secret")
			if auth := r.Header.Get("Authorization"); got == "" && strings.HasPrefix(auth, "Bearer ") {
				got = strings.TrimPrefix(auth, "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				logger.Warn("trigger rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
				httputil.Unauthorized(w, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
