package handler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/homework-helper/internal/auth"
	"github.com/sakif/homework-helper/internal/handler"
	"github.com/sakif/homework-helper/internal/model"
	"github.com/sakif/homework-helper/internal/session"
)

type stubProvider struct {
	identity model.Identity
	err      error
}

func (p stubProvider) AuthURL(state string) string {
	return "https://github.example/login/oauth/authorize?state=" + state
}

func (p stubProvider) SignIn(context.Context, string) (model.Identity, error) {
	return p.identity, p.err
}

func newAuthHandler(t *testing.T, p stubProvider) (*handler.AuthHandler, *session.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens, err := auth.NewTokenService("0123456789abcdef0123456789abcdef", time.Hour)
	require.NoError(t, err)
	m := session.NewManager(p, tokens, logger)
	t.Cleanup(m.Close)
	return handler.NewAuthHandler(m, "/app", time.Hour, logger), m
}

func callback(h *handler.AuthHandler, query, state string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/auth/github/callback?"+query, nil)
	if state != "" {
		req.AddCookie(&http.Cookie{Name: "oauth_state", Value: state})
	}
	rr := httptest.NewRecorder()
	h.HandleCallback(rr, req)
	return rr
}

func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestHandleLogin_SetsStateAndRedirects(t *testing.T) {
	h, _ := newAuthHandler(t, stubProvider{})

	rr := httptest.NewRecorder()
	h.HandleLogin(rr, httptest.NewRequest(http.MethodGet, "/auth/github/login", nil))

	assert.Equal(t, http.StatusTemporaryRedirect, rr.Code)
	state := findCookie(rr, "oauth_state")
	require.NotNil(t, state)
	assert.Contains(t, rr.Header().Get("Location"), "state="+state.Value)
}

func TestHandleCallback(t *testing.T) {
	ada := model.Identity{UID: "gh-1", DisplayName: "Ada"}

	t.Run("state mismatch", func(t *testing.T) {
		h, _ := newAuthHandler(t, stubProvider{identity: ada})
		rr := callback(h, "code=c&state=evil", "good")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("missing state cookie", func(t *testing.T) {
		h, _ := newAuthHandler(t, stubProvider{identity: ada})
		rr := callback(h, "code=c&state=s", "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("user cancelled at the provider", func(t *testing.T) {
		h, _ := newAuthHandler(t, stubProvider{identity: ada})
		rr := callback(h, "error=access_denied&state=s", "s")
		assert.Equal(t, http.StatusSeeOther, rr.Code)
		assert.Equal(t, "/app?auth=denied", rr.Header().Get("Location"))
		assert.Nil(t, findCookie(rr, auth.CookieName))
	})

	t.Run("provider reports cancellation", func(t *testing.T) {
		h, _ := newAuthHandler(t, stubProvider{err: auth.ErrSignInCancelled})
		rr := callback(h, "code=c&state=s", "s")
		assert.Equal(t, http.StatusSeeOther, rr.Code)
		assert.Equal(t, "/app?auth=denied", rr.Header().Get("Location"))
	})

	t.Run("provider failure", func(t *testing.T) {
		h, _ := newAuthHandler(t, stubProvider{err: errors.New("github down")})
		rr := callback(h, "code=c&state=s", "s")
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})

	t.Run("success", func(t *testing.T) {
		h, m := newAuthHandler(t, stubProvider{identity: ada})
		var events []session.EventKind
		m.OnAuthChange(func(_ context.Context, e session.Event) error {
			events = append(events, e.Kind)
			return nil
		})

		rr := callback(h, "code=c&state=s", "s")
		assert.Equal(t, http.StatusSeeOther, rr.Code)
		assert.Equal(t, "/app", rr.Header().Get("Location"))
		assert.Equal(t, []session.EventKind{session.SignedIn}, events)

		token := findCookie(rr, auth.CookieName)
		require.NotNil(t, token)
		assert.True(t, token.HttpOnly)

		s, err := m.Resolve(context.Background(), token.Value)
		require.NoError(t, err)
		assert.Equal(t, "gh-1", s.UID())
	})
}

func TestHandleLogout(t *testing.T) {
	h, m := newAuthHandler(t, stubProvider{})
	var signedOut string
	m.OnAuthChange(func(_ context.Context, e session.Event) error {
		if e.Kind == session.SignedOut {
			signedOut = e.Session.UID()
		}
		return nil
	})

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req = req.WithContext(session.NewContext(req.Context(), session.For(model.Identity{UID: "gh-1"})))
	rr := httptest.NewRecorder()
	h.HandleLogout(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "gh-1", signedOut)
	c := findCookie(rr, auth.CookieName)
	require.NotNil(t, c)
	assert.Less(t, c.MaxAge, 0)
}
