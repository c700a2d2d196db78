package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/homework-helper/internal/apperror"
	"github.com/sakif/homework-helper/internal/model"
)

// =========================================================================
// FAKES
// =========================================================================

type fakeProvider struct {
	identity model.Identity
	err      error
}

func (p *fakeProvider) AuthURL(state string) string { return "https://idp.example/authorize?state=" + state }

func (p *fakeProvider) SignIn(context.Context, string) (model.Identity, error) {
	return p.identity, p.err
}

// fakeTokens uses the UID itself as the token.
type fakeTokens struct {
	known map[string]model.Identity
}

func newFakeTokens() *fakeTokens { return &fakeTokens{known: make(map[string]model.Identity)} }

func (f *fakeTokens) Generate(id model.Identity) (string, error) {
	f.known["tok-"+id.UID] = id
	return "tok-" + id.UID, nil
}

func (f *fakeTokens) Validate(token string) (model.Identity, error) {
	id, ok := f.known[token]
	if !ok {
		return model.Identity{}, errors.New("bad token")
	}
	return id, nil
}

var ada = model.Identity{UID: "u1", DisplayName: "Ada", Email: "ada@example.com"}

func newTestManager(p *fakeProvider) (*Manager, *fakeTokens) {
	tokens := newFakeTokens()
	return NewManager(p, tokens, slog.New(slog.NewTextHandler(io.Discard, nil))), tokens
}

// =========================================================================
// SESSION
// =========================================================================

func TestSession_Anonymous(t *testing.T) {
	s := Anonymous()

	assert.False(t, s.SignedIn())
	assert.Equal(t, "", s.UID())

	err := s.Require()
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
	assert.EqualError(t, err, SignInPrompt)
}

func TestSession_SignedIn(t *testing.T) {
	s := For(ada)

	assert.True(t, s.SignedIn())
	assert.Equal(t, "u1", s.UID())
	assert.NoError(t, s.Require())
}

func TestContextRoundTrip(t *testing.T) {
	assert.False(t, FromContext(context.Background()).SignedIn())

	ctx := NewContext(context.Background(), For(ada))
	assert.Equal(t, "u1", FromContext(ctx).UID())
}

// =========================================================================
// MANAGER
// =========================================================================

func TestManager_SignInFiresListenersAndIssuesToken(t *testing.T) {
	m, tokens := newTestManager(&fakeProvider{identity: ada})
	defer m.Close()

	var events []Event
	m.OnAuthChange(func(_ context.Context, e Event) error {
		events = append(events, e)
		return nil
	})

	s, token, err := m.SignIn(context.Background(), "code")
	require.NoError(t, err)
	assert.Equal(t, "u1", s.UID())
	assert.Contains(t, tokens.known, token)

	require.Len(t, events, 1)
	assert.Equal(t, SignedIn, events[0].Kind)

	// a user who just signed in is already resolved
	_, err = m.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestManager_SignInCancelled(t *testing.T) {
	cancelled := errors.New("user cancelled")
	m, _ := newTestManager(&fakeProvider{err: cancelled})

	fired := false
	m.OnAuthChange(func(context.Context, Event) error { fired = true; return nil })

	_, _, err := m.SignIn(context.Background(), "code")
	assert.ErrorIs(t, err, cancelled)
	assert.False(t, fired)
}

func TestManager_ListenerFailureFailsSignIn(t *testing.T) {
	m, _ := newTestManager(&fakeProvider{identity: ada})
	boom := errors.New("store down")
	m.OnAuthChange(func(context.Context, Event) error { return boom })

	_, _, err := m.SignIn(context.Background(), "code")
	assert.ErrorIs(t, err, boom)
}

func TestManager_ResolveFiresOncePerUser(t *testing.T) {
	m, tokens := newTestManager(&fakeProvider{})
	token, err := tokens.Generate(ada)
	require.NoError(t, err)

	var kinds []EventKind
	m.OnAuthChange(func(_ context.Context, e Event) error {
		kinds = append(kinds, e.Kind)
		return nil
	})

	for range 3 {
		s, err := m.Resolve(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, "u1", s.UID())
	}
	assert.Equal(t, []EventKind{Resolved}, kinds)
}

func TestManager_ResolveRetriesAfterListenerFailure(t *testing.T) {
	m, tokens := newTestManager(&fakeProvider{})
	token, _ := tokens.Generate(ada)

	calls := 0
	m.OnAuthChange(func(context.Context, Event) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})

	s, err := m.Resolve(context.Background(), token)
	require.NoError(t, err, "a listener failure must not reject a valid token")
	assert.True(t, s.SignedIn())

	_, err = m.Resolve(context.Background(), token)
	require.NoError(t, err)
	_, err = m.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestManager_ResolveTokens(t *testing.T) {
	m, _ := newTestManager(&fakeProvider{})

	s, err := m.Resolve(context.Background(), "")
	assert.NoError(t, err)
	assert.False(t, s.SignedIn())

	s, err = m.Resolve(context.Background(), "forged")
	assert.Error(t, err)
	assert.False(t, s.SignedIn())
}

func TestManager_SignOut(t *testing.T) {
	m, _ := newTestManager(&fakeProvider{})

	var kinds []EventKind
	remove := m.OnAuthChange(func(_ context.Context, e Event) error {
		kinds = append(kinds, e.Kind)
		return nil
	})

	m.SignOut(context.Background(), Anonymous())
	m.SignOut(context.Background(), For(ada))
	assert.Equal(t, []EventKind{SignedOut}, kinds)

	remove()
	remove()
	m.SignOut(context.Background(), For(ada))
	assert.Len(t, kinds, 1)
}

func TestManager_Close(t *testing.T) {
	m, tokens := newTestManager(&fakeProvider{identity: ada})
	token, _ := tokens.Generate(ada)
	m.Close()

	_, _, err := m.SignIn(context.Background(), "code")
	assert.ErrorIs(t, err, ErrClosed)

	_, err = m.Resolve(context.Background(), token)
	assert.ErrorIs(t, err, ErrClosed)

	assert.Equal(t, "https://idp.example/authorize?state=abc", m.AuthURL("abc"))
}
