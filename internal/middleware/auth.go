// Package middleware holds the HTTP middleware shared by every route.
package middleware

import (
	"net/http"
	"strings"

	"github.com/zhouzirui/chat-canvas/backend/internal/service/auth"
	"github.com/zhouzirui/chat-canvas/backend/pkg/utils"
)

// AccessTokenCookie is the cookie the auth handler sets on sign-in.
const AccessTokenCookie = "access_token"

// TokenVerifier turns an access token into an identity.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// Authenticate attaches the caller's identity to the request context when
// a valid token is presented. Requests without one pass through untouched.
func Authenticate(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := AccessToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, err := v.Verify(token)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

// RequireIdentity rejects requests that Authenticate could not identify.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.FromContext(r.Context()); !ok {
			utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AccessToken extracts the bearer token, falling back to the session cookie.
func AccessToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(AccessTokenCookie); err == nil {
		return c.Value
	}
	return ""
}
