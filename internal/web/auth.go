package web

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
)

// Admin routes authenticate with a single shared bearer token. An empty
// token disables the check, which is only sane for local development; the
// gateway logs a warning when it starts that way.

var (
	authMu    sync.RWMutex
	authToken string
)

func SetAuthToken(token string) {
	authMu.Lock()
	authToken = token
	authMu.Unlock()
}

func currentAuthToken() string {
	authMu.RLock()
	defer authMu.RUnlock()
	return authToken
}

// ParseBearer extracts a bearer token from the Authorization header. It trims
// whitespace and uses case-insensitive comparison for the "Bearer" prefix.
func ParseBearer(r *http.Request) (string, error) {
	hdr := strings.TrimSpace(r.Header.Get("Authorization"))
	if hdr == "" {
		return "", errors.New("authorization required")
	}
	parts := strings.SplitN(hdr, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errors.New("invalid authorization")
	}
	return strings.TrimSpace(parts[1]), nil
}

func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := currentAuthToken()
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, err := ParseBearer(r)
		if err != nil || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
