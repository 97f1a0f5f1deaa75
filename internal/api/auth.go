package api

import (
	"context"
	"net/http"
)

// principalHeader carries the authenticated user's email, injected by
// the platform's auth proxy in front of the service.
const principalHeader = "X-Ms-Client-Principal-Name"

type ctxKey string

const userEmailKey ctxKey = "user_email"

// UserEmailFromContext returns the authenticated user's email.
func UserEmailFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(userEmailKey)
	email, ok := v.(string)
	return email, ok
}

// RequireAuth resolves the caller's identity from the proxy header,
// falling back to mockEmail when set (local development without the
// proxy). Requests without an identity are rejected before any handler
// runs.
func RequireAuth(mockEmail string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			email := r.Header.Get(principalHeader)
			if email == "" {
				email = mockEmail
			}
			if email == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), userEmailKey, email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
