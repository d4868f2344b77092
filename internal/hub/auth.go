package hub

import (
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashToken creates a bcrypt hash of a control token.
//
// Precondition: token must be non-empty.
// Postcondition: Returns a bcrypt hash string.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("token must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckToken reports whether token matches hash.
func CheckToken(token, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// RequireToken returns middleware that, when hash is non-empty, requires a
// token matching it in the "token" query parameter or an Authorization: Bearer
// header. When hash is empty the next handler is called without checking.
func RequireToken(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == "" {
				next.ServeHTTP(w, r)
				return
			}
			token := r.URL.Query().Get("token")
			if token == "" {
				const prefix = "Bearer "
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
					token = strings.TrimSpace(auth[len(prefix):])
				}
			}
			if token == "" || !CheckToken(token, hash) {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
