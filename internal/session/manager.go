package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sakif/homework-helper/internal/model"
)

// ErrClosed is returned by a Manager after Close.
var ErrClosed = errors.New("session: manager closed")

// IdentityProvider runs the interactive sign-in. A user who declines consent
// must surface as an error the caller can recognise (auth.ErrSignInCancelled),
// not as a failure of the provider.
type IdentityProvider interface {
	AuthURL(state string) string
	SignIn(ctx context.Context, code string) (model.Identity, error)
}

// TokenIssuer turns identities into bearer tokens and back.
type TokenIssuer interface {
	Generate(id model.Identity) (string, error)
	Validate(token string) (model.Identity, error)
}

// EventKind names a session transition.
type EventKind string

const (
	SignedIn  EventKind = "signed_in"
	SignedOut EventKind = "signed_out"
	// Resolved fires the first time a token for a user is accepted in this
	// process, which covers users whose sign-in happened before a restart.
	Resolved EventKind = "resolved"
)

// Event is delivered to OnAuthChange listeners.
type Event struct {
	Kind    EventKind
	Session Session
}

// Listener reacts to a session transition. Listeners run synchronously, in
// registration order, before the transition is reported to the caller.
type Listener func(ctx context.Context, e Event) error

// Manager owns sign-in, sign-out and token resolution.
type Manager struct {
	provider IdentityProvider
	tokens   TokenIssuer
	logger   *slog.Logger

	mu        sync.Mutex
	listeners []*listenerEntry
	resolved  map[string]struct{}
	closed    bool
}

type listenerEntry struct {
	fn Listener
}

// NewManager creates a Manager.
func NewManager(provider IdentityProvider, tokens TokenIssuer, logger *slog.Logger) *Manager {
	return &Manager{
		provider: provider,
		tokens:   tokens,
		logger:   logger,
		resolved: make(map[string]struct{}),
	}
}

// OnAuthChange registers fn for every transition. The returned func removes it.
func (m *Manager) OnAuthChange(fn Listener) (remove func()) {
	entry := &listenerEntry{fn: fn}

	m.mu.Lock()
	m.listeners = append(m.listeners, entry)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, e := range m.listeners {
				if e == entry {
					m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
					break
				}
			}
		})
	}
}

// AuthURL returns where to send the browser to start signing in.
func (m *Manager) AuthURL(state string) string {
	return m.provider.AuthURL(state)
}

// SignIn completes the provider flow and returns the new session with its token.
func (m *Manager) SignIn(ctx context.Context, code string) (Session, string, error) {
	if m.isClosed() {
		return Session{}, "", ErrClosed
	}

	id, err := m.provider.SignIn(ctx, code)
	if err != nil {
		return Session{}, "", err
	}
	token, err := m.tokens.Generate(id)
	if err != nil {
		return Session{}, "", fmt.Errorf("session: issuing token: %w", err)
	}

	s := For(id)
	if err := m.fire(ctx, Event{Kind: SignedIn, Session: s}); err != nil {
		return Session{}, "", err
	}
	m.markResolved(id.UID)

	m.logger.Info("user signed in", slog.String("uid", id.UID))
	return s, token, nil
}

// Resolve turns a bearer token into a session. An empty token is an
// anonymous session and no error; an invalid one is anonymous with the
// validation error.
func (m *Manager) Resolve(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return Anonymous(), nil
	}
	if m.isClosed() {
		return Anonymous(), ErrClosed
	}

	id, err := m.tokens.Validate(token)
	if err != nil {
		return Anonymous(), err
	}
	s := For(id)

	if !m.wasResolved(id.UID) {
		if err := m.fire(ctx, Event{Kind: Resolved, Session: s}); err != nil {
			// the token is still good; the listeners retry on the next request
			m.logger.Warn("session resolution listener failed",
				slog.String("uid", id.UID),
				slog.String("error", err.Error()),
			)
			return s, nil
		}
		m.markResolved(id.UID)
	}
	return s, nil
}

// SignOut ends s. Tokens are stateless, so this only notifies listeners;
// the HTTP layer drops the cookie.
func (m *Manager) SignOut(ctx context.Context, s Session) {
	if !s.SignedIn() || m.isClosed() {
		return
	}
	if err := m.fire(ctx, Event{Kind: SignedOut, Session: s}); err != nil {
		m.logger.Warn("sign-out listener failed",
			slog.String("uid", s.UID()),
			slog.String("error", err.Error()),
		)
	}
	m.logger.Info("user signed out", slog.String("uid", s.UID()))
}

// Close drops every listener and refuses further sign-ins.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.listeners = nil
}

func (m *Manager) fire(ctx context.Context, e Event) error {
	m.mu.Lock()
	entries := append([]*listenerEntry(nil), m.listeners...)
	m.mu.Unlock()

	var errs []error
	for _, entry := range entries {
		if err := entry.fn(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("session: %s listeners: %w", e.Kind, errors.Join(errs...))
	}
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) wasResolved(uid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.resolved[uid]
	return ok
}

func (m *Manager) markResolved(uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved[uid] = struct{}{}
}
