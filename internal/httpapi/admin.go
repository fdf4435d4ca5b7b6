package httpapi

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminGuard protects administrative endpoints with a bearer token. Only a
// bcrypt hash of the token is kept in memory after startup.
type AdminGuard struct {
	hash []byte
}

// NewAdminGuard hashes the configured token. An empty token returns nil,
// which disables the guard (local development).
func NewAdminGuard(token string) (*AdminGuard, error) {
	if token == "" {
		return nil, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &AdminGuard{hash: hash}, nil
}

// Middleware rejects requests whose Authorization bearer token does not match.
func (g *AdminGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || bcrypt.CompareHashAndPassword(g.hash, []byte(token)) != nil {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
