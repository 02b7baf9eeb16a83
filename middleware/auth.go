package middleware

import (
	"context"
	"net/http"
	"strings"

	"dolabb/models"
)

type contextKey string

const UserContextKey contextKey = "user"

// RoundTripperFunc adapts a function to http.RoundTripper
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// Middleware wraps a transport
type Middleware func(http.RoundTripper) http.RoundTripper

// Chain applies mws around base, first one outermost
func Chain(base http.RoundTripper, mws ...Middleware) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	for i := len(mws) - 1; i >= 0; i-- {
		base = mws[i](base)
	}
	return base
}

// Auth attaches the bearer token to every request that does not carry one
func Auth(token string) Middleware {
	token = strings.TrimSpace(token)
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if token == "" || r.Header.Get("Authorization") != "" {
				return next.RoundTrip(r)
			}
			r = r.Clone(r.Context())
			r.Header.Set("Authorization", "Bearer "+token)
			return next.RoundTrip(r)
		})
	}
}

// WithUser stores the acting user in ctx
func WithUser(ctx context.Context, user *models.CurrentUser) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// GetUserFromContext retrieves the acting user, nil when none was set
func GetUserFromContext(ctx context.Context) *models.CurrentUser {
	user, ok := ctx.Value(UserContextKey).(*models.CurrentUser)
	if !ok {
		return nil
	}
	return user
}
