package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/browserbase-copilot/internal/ratelimit"
	"github.com/shehryarbajwa/browserbase-copilot/internal/session"
)

// RateLimitMiddleware enforces a per-session budget on control traffic.
// Requests for sessions that live rejects never get a bucket.
func RateLimitMiddleware(limiter *ratelimit.Limiter, requestsPerMinute int, live func(sessionID string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := mux.Vars(r)["id"]

			if sessionID == "" {
				// Not a session route, skip rate limiting
				next.ServeHTTP(w, r)
				return
			}

			if !live(sessionID) {
				writeError(w, session.ErrSessionNotFound)
				return
			}

			if !limiter.Allow(sessionID) {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerMinute))
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeJSON(w, http.StatusTooManyRequests, map[string]string{
					"error": "Rate limit exceeded. Maximum " + strconv.Itoa(requestsPerMinute) + " control requests per minute per session.",
				})
				return
			}

			tokens := limiter.Tokens(sessionID)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerMinute))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(tokens)))

			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
