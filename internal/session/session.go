// Package session carries "who is calling" explicitly.
//
// A Session value is passed into every service call instead of being looked
// up from global state. The zero Session is anonymous.
//
// The Manager is the single process-wide owner of sign-in state: it is
// created at startup, closed at shutdown, and tells interested components
// (OnAuthChange) when someone signs in, signs out, or is seen for the first
// time since the process started.
package session

import (
	"context"

	"github.com/sakif/homework-helper/internal/apperror"
	"github.com/sakif/homework-helper/internal/model"
)

// SignInPrompt is the message anonymous callers get for actions that need a user.
const SignInPrompt = "Please sign in first."

// Session identifies the caller of an operation.
type Session struct {
	User model.Identity
}

// Anonymous returns the session of a caller who is not signed in.
func Anonymous() Session { return Session{} }

// For returns a signed-in session.
func For(id model.Identity) Session { return Session{User: id} }

// SignedIn reports whether the session belongs to a user.
func (s Session) SignedIn() bool { return s.User.UID != "" }

// UID returns the user's ID, or "" when anonymous.
func (s Session) UID() string { return s.User.UID }

// Require returns an apperror.ErrUnauthorized for anonymous sessions.
func (s Session) Require() error {
	if !s.SignedIn() {
		return apperror.Unauthorized(SignInPrompt)
	}
	return nil
}

type contextKey struct{}

// NewContext returns ctx carrying s. The HTTP layer uses it to hand the
// session from middleware to handlers, which pass it on explicitly.
func NewContext(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session stored by NewContext, or Anonymous.
func FromContext(ctx context.Context) Session {
	s, _ := ctx.Value(contextKey{}).(Session)
	return s
}
