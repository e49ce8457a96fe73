package auth

import (
	"errors"
	"net/http"
	"strings"
)

const (
	bearerPrefix     = "Bearer "
	accessTokenQuery = "access_token"
)

// ErrMissingCredentials is returned when a request carries no access token.
var ErrMissingCredentials = errors.New("authorization header or access_token missing")

// TokenFromRequest reads the bearer Authorization header, falling back to the
// access_token query parameter that browser websocket clients use.
func TokenFromRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingCredentials
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, bearerPrefix) {
			return "", ErrMissingCredentials
		}
		if token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)); token != "" {
			return token, nil
		}
		return "", ErrMissingCredentials
	}
	if token := strings.TrimSpace(r.URL.Query().Get(accessTokenQuery)); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}
