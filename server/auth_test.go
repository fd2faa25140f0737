package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authHandler(token string) http.Handler {
	s := &Server{
		config: Config{AuthToken: token},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func serveAuth(h http.Handler, method, path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	rec := serveAuth(authHandler(""), http.MethodGet, "/bundles/ui.bundle", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_Authorization(t *testing.T) {
	h := authHandler("s3cret")

	tests := []struct {
		name          string
		authorization string
		status        int
		reason        string
	}{
		{"valid", "Bearer s3cret", http.StatusOK, ""},
		{"scheme case", "bearer s3cret", http.StatusOK, ""},
		{"wrong token", "Bearer nope", http.StatusUnauthorized, "invalid bearer token"},
		{"missing", "", http.StatusUnauthorized, "missing bearer token"},
		{"basic", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, "missing bearer token"},
		{"empty token", "Bearer ", http.StatusUnauthorized, "missing bearer token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveAuth(h, http.MethodGet, "/bundles/ui.bundle", tt.authorization)
			require.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				return
			}
			assert.Equal(t, `Bearer realm="bundle-cache"`, rec.Header().Get("WWW-Authenticate"))

			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.reason, body["error"])
		})
	}
}

func TestAuthMiddleware_HeadHasNoBody(t *testing.T) {
	rec := serveAuth(authHandler("s3cret"), http.MethodHead, "/manifest", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Zero(t, rec.Body.Len())
}

func TestAuthMiddleware_Paths(t *testing.T) {
	h := authHandler("s3cret")

	for _, path := range []string{"/health", "/metrics"} {
		rec := serveAuth(h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, "%s is public", path)
	}
	for _, path := range []string{"/stats", "/manifest", "/bundles/ui.bundle", "/healthz", "/metrics/extra"} {
		rec := serveAuth(h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s requires a token", path)
	}
}
