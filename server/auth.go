package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/wolfeidau/bundle-cache/telemetry"
)

// publicPaths are served without a token so probes and scrapers keep working.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// authMiddleware requires the configured bearer token on every route except
// publicPaths. Without a configured token it returns next unchanged.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}
	want := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		switch {
		case !ok:
			s.reject(w, r, "missing bearer token")
		case subtle.ConstantTimeCompare([]byte(token), want) != 1:
			s.reject(w, r, "invalid bearer token")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// bearerToken extracts the token from an Authorization header. The scheme
// name is matched case-insensitively.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, reason string) {
	telemetry.SetEndpoint(r, "unauthorized")
	if s.logger != nil {
		s.logger.Debug("rejected request", "path", r.URL.Path, "reason", reason)
	}

	w.Header().Set("WWW-Authenticate", `Bearer realm="bundle-cache"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}
