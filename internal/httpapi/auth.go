package httpapi

import (
	"net/http"
)

// tokenGatedPaths lists the routes §6.1 requires a shared-secret token
// for: the webhook itself, and /metrics since its config echo can leak
// tunables. /ping and /status are intentionally open.
var tokenGatedPaths = map[string]bool{
	"/webhook": true,
	"/metrics": true,
}

// tokenAuthMiddleware enforces the optional X-Webhook-Token shared
// secret. Token checking is a no-op when Config.WebhookToken is empty
// regardless of WebhookTokenEnabled, since an empty configured token
// can never be satisfied by a real caller.
func (s *Server) tokenAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !tokenGatedPaths[r.URL.Path] || s.deps.Config.WebhookToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("X-Webhook-Token")
		if header != "" {
			if header != s.deps.Config.WebhookToken {
				writeResult(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if s.deps.Config.WebhookTokenEnabled && r.URL.Path == "/webhook" {
			// Body-token fallback: the webhook handler itself re-checks
			// the decoded body's "token" field, since the body hasn't
			// been read yet at middleware time.
			next.ServeHTTP(w, r)
			return
		}

		writeResult(w, http.StatusUnauthorized, "Unauthorized")
	})
}
