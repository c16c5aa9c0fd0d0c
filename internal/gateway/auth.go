package gateway

import "net/http"

// apiKeyMiddleware enforces the shared-secret X-API-Key header (§6).
func apiKeyMiddleware(expected string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if expected == "" {
			next.ServeHTTP(w, r)
			return
		}
		if SubjectFromContext(r.Context()) != "" {
			// Already authenticated by JWTAuth's bearer-token check.
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != expected {
			writeError(w, http.StatusUnauthorized, ErrorBody{Class: "UNAUTHORIZED", Message: "missing or invalid X-API-Key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
