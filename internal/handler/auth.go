package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/homework-helper/internal/auth"
	"github.com/sakif/homework-helper/internal/session"
)

const stateCookie = "oauth_state"

// AuthHandler runs the sign-in flow against the identity provider.
//
// HANDLER RESPONSIBILITIES:
//   - HandleLogin    → redirect the browser to the provider's consent page
//   - HandleCallback → complete sign-in through the session manager, set the JWT cookie
//   - HandleLogout   → tell the session manager, clear the cookie
//
// Creating the users document on first sign-in is not done here; the forum
// service listens to the session manager for that.
type AuthHandler struct {
	sessions    *session.Manager
	frontendURL string
	tokenTTL    time.Duration
	logger      *slog.Logger
}

// NewAuthHandler creates an AuthHandler. After sign-in (or a cancelled
// sign-in) the browser is sent back to frontendURL.
func NewAuthHandler(sessions *session.Manager, frontendURL string, tokenTTL time.Duration, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		sessions:    sessions,
		frontendURL: frontendURL,
		tokenTTL:    tokenTTL,
		logger:      logger,
	}
}

// HandleLogin redirects the user to the provider.
//
// HTTP: GET /auth/github/login
//
// CSRF PROTECTION VIA STATE:
// A random state goes into a short-lived HttpOnly cookie and into the
// provider URL. The callback only proceeds when both match.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state := xid.New().String()

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.sessions.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleCallback completes sign-in.
//
// HTTP: GET /auth/github/callback?code=xxx&state=yyy
//
// A user who pressed Cancel on the consent page is not an error: they are
// sent back with ?auth=denied and can try again.
func (h *AuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" {
		h.logger.Warn("auth callback: missing state cookie")
		http.Error(w, "invalid OAuth state", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	if q.Get("state") != cookie.Value {
		h.logger.Warn("auth callback: state mismatch")
		http.Error(w, "invalid OAuth state", http.StatusBadRequest)
		return
	}

	// single use
	http.SetCookie(w, &http.Cookie{
		Name:   stateCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})

	if err := auth.CallbackError(q); err != nil {
		h.denied(w, r, err)
		return
	}

	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing OAuth code", http.StatusBadRequest)
		return
	}

	s, token, err := h.sessions.SignIn(r.Context(), code)
	if err != nil {
		if errors.Is(err, auth.ErrSignInCancelled) {
			h.denied(w, r, err)
			return
		}
		h.logger.Error("auth callback: sign-in failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.tokenTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		// Secure: true, // requires HTTPS
	})

	h.logger.Info("user authenticated", slog.String("uid", s.UID()))
	http.Redirect(w, r, h.frontendURL, http.StatusSeeOther)
}

func (h *AuthHandler) denied(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Info("auth callback: sign-in not completed", slog.String("error", err.Error()))

	target, perr := url.Parse(h.frontendURL)
	if perr != nil {
		target = &url.URL{Path: "/"}
	}
	values := target.Query()
	values.Set("auth", "denied")
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusSeeOther)
}

// HandleLogout signs the caller out and clears the JWT cookie.
//
// HTTP: POST /auth/logout
//
// Tokens are stateless, so the token stays valid until it expires; without
// the cookie the browser can no longer send it.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.SignOut(r.Context(), session.FromContext(r.Context()))

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}
