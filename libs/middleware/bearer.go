package middleware

import (
	"context"
	"net/http"
	"strings"
)

type bearerTokenKey struct{}

// BearerToken is a middleware that adds the bearer token included in a request's headers to context
func BearerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string

		bearer := r.Header.Get("Authorization")

		if len(bearer) > 7 && strings.ToUpper(bearer[0:6]) == "BEARER" {
			token = bearer[7:]
		}
		ctx := context.WithValue(r.Context(), bearerTokenKey{}, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TokenFromContext returns the bearer token attached by BearerToken, empty if absent
func TokenFromContext(ctx context.Context) string {
	token, ok := ctx.Value(bearerTokenKey{}).(string)
	if !ok {
		return ""
	}
	return token
}
