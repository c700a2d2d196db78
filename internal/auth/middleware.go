package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/homework-helper/internal/session"
)

// CookieName is the cookie holding the JWT.
const CookieName = "token"

// Resolver turns a token into a session; *session.Manager implements it.
type Resolver interface {
	Resolve(ctx context.Context, token string) (session.Session, error)
}

// Sessions resolves the token cookie on every request and stores the
// resulting session.Session in the request context. A missing or invalid
// token yields an anonymous session; the request always continues, and
// services decide what anonymous callers may do.
//
// The cookie is HttpOnly, so page scripts (and XSS payloads) cannot read it.
func Sessions(resolver Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s := session.Anonymous()
			if cookie, err := r.Cookie(CookieName); err == nil {
				resolved, err := resolver.Resolve(r.Context(), cookie.Value)
				if err != nil {
					logger.Debug("ignoring invalid session token", slog.String("error", err.Error()))
				} else {
					s = resolved
				}
			}
			next.ServeHTTP(w, r.WithContext(session.NewContext(r.Context(), s)))
		})
	}
}

// RequireAuth rejects anonymous requests with 401. Sessions must run first.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !session.FromContext(r.Context()).SignedIn() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized","message":"` + session.SignInPrompt + `"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
