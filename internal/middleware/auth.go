package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// BasicAuth guards the API with HTTP basic auth. When disabled it passes
// every request through, logged once at startup so an open API is never an
// accident that goes unnoticed.
type BasicAuth struct {
	enabled  bool
	username string
	password string
	logger   *slog.Logger
}

// NewBasicAuth builds the middleware. Empty credentials with auth enabled
// disable it with a warning rather than locking everyone out.
func NewBasicAuth(enabled bool, username, password string, logger *slog.Logger) *BasicAuth {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")
	if enabled && (username == "" || password == "") {
		logger.Warn("auth enabled without credentials, disabling auth")
		enabled = false
	}
	if !enabled {
		logger.Info("api authentication disabled, requests pass through")
	}
	return &BasicAuth{enabled: enabled, username: username, password: password, logger: logger}
}

// Middleware enforces the credentials on every request.
func (a *BasicAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(a.password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="netplane"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"status":"error","message":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
