package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// fakeGitHub serves the token and /user endpoints of the OAuth flow.
func fakeGitHub(t *testing.T, user GitHubUser, tokenStatus int, tokenBody string) *GitHubProvider {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(tokenStatus)
		w.Write([]byte(tokenBody))
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gho_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(user)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p := NewGitHubProvider("client", "secret", "http://localhost/auth/github/callback")
	p.config.Endpoint = oauth2.Endpoint{
		AuthURL:   srv.URL + "/authorize",
		TokenURL:  srv.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	p.userURL = srv.URL + "/user"
	return p
}

const okToken = `{"access_token":"gho_test","token_type":"bearer"}`

func TestSignIn_ReturnsIdentity(t *testing.T) {
	p := fakeGitHub(t, GitHubUser{ID: 42, Login: "ada", Name: "Ada Lovelace", Email: "ada@example.com", AvatarURL: "https://a/42"}, http.StatusOK, okToken)

	id, err := p.SignIn(context.Background(), "code-123")
	require.NoError(t, err)

	assert.Equal(t, "gh-42", id.UID)
	assert.Equal(t, "Ada Lovelace", id.DisplayName)
	assert.Equal(t, "ada@example.com", id.Email)
	assert.Equal(t, "https://a/42", id.PhotoURL)
}

func TestSignIn_LoginWhenNameMissing(t *testing.T) {
	p := fakeGitHub(t, GitHubUser{ID: 7, Login: "grace"}, http.StatusOK, okToken)

	id, err := p.SignIn(context.Background(), "code")
	require.NoError(t, err)
	assert.Equal(t, "grace", id.DisplayName)
}

func TestSignIn_Denied(t *testing.T) {
	p := fakeGitHub(t, GitHubUser{}, http.StatusBadRequest, `{"error":"access_denied"}`)

	_, err := p.SignIn(context.Background(), "code")
	assert.ErrorIs(t, err, ErrSignInCancelled)
}

func TestSignIn_EmptyCodeIsCancel(t *testing.T) {
	p := NewGitHubProvider("client", "secret", "http://localhost/cb")

	_, err := p.SignIn(context.Background(), "")
	assert.ErrorIs(t, err, ErrSignInCancelled)
}

func TestSignIn_InvalidUser(t *testing.T) {
	p := fakeGitHub(t, GitHubUser{ID: 0, Login: "ghost"}, http.StatusOK, okToken)

	_, err := p.SignIn(context.Background(), "code")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSignInCancelled))
}

func TestAuthURL_CarriesState(t *testing.T) {
	p := NewGitHubProvider("client-id", "secret", "http://localhost/cb")

	u, err := url.Parse(p.AuthURL("state-xyz"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u.String(), "https://github.com/login/oauth/authorize"))
	assert.Equal(t, "state-xyz", u.Query().Get("state"))
	assert.Equal(t, "client-id", u.Query().Get("client_id"))
}

func TestCallbackError(t *testing.T) {
	assert.NoError(t, CallbackError(url.Values{"code": {"abc"}}))
	assert.ErrorIs(t, CallbackError(url.Values{"error": {"access_denied"}}), ErrSignInCancelled)

	err := CallbackError(url.Values{"error": {"redirect_uri_mismatch"}, "error_description": {"bad uri"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad uri")
}
