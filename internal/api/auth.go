package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const ownerHeader = "X-Owner-ID"

var errUnauthenticated = errors.New("unauthenticated")

type ownerKey struct{}

// Authenticator resolves the caller. With a secret it accepts HS256 bearer
// tokens and uses their subject; without one it trusts the X-Owner-ID header,
// which is only meant for deployments behind an authenticating proxy.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) Authenticator {
	return Authenticator{secret: []byte(secret)}
}

func (a Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := a.identify(r)
		if err != nil {
			respondError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func (a Authenticator) identify(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		owner := strings.TrimSpace(r.Header.Get(ownerHeader))
		if owner == "" {
			return "", errUnauthenticated
		}
		return owner, nil
	}

	raw := ""
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", errors.New("invalid authorization format")
		}
		raw = token
	} else {
		// browsers cannot set headers on websocket upgrades
		raw = r.URL.Query().Get("access_token")
	}
	if raw == "" {
		return "", errUnauthenticated
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithExpirationRequired())
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", errors.New("token expired")
	case err != nil:
		return "", errors.New("invalid token")
	case claims.Subject == "":
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}
