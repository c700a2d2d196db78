package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/sakif/homework-helper/internal/model"
	"github.com/sakif/homework-helper/internal/session"
)

// ErrSignInCancelled means the user declined on the provider's consent
// screen. It is recoverable: send them back to the app, not to an error page.
var ErrSignInCancelled = errors.New("auth: sign-in cancelled")

const githubUserURL = "https://api.github.com/user"

// GitHubUser is the part of the GitHub /user response we use.
// https://docs.github.com/en/rest/users/users#get-the-authenticated-user
type GitHubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

// Identity maps the GitHub profile to a forum identity. The UID is derived
// from the numeric GitHub ID, which never changes (the login can).
func (u GitHubUser) Identity() model.Identity {
	name := u.Name
	if name == "" {
		name = u.Login
	}
	return model.Identity{
		UID:         fmt.Sprintf("gh-%d", u.ID),
		DisplayName: name,
		Email:       u.Email,
		PhotoURL:    u.AvatarURL,
	}
}

// GitHubProvider is the GitHub OAuth authorization code flow.
//
// The code-for-token exchange happens server to server with the client
// secret; the GitHub access token is used once to read the profile and is
// never stored or sent to the browser.
type GitHubProvider struct {
	config  *oauth2.Config
	userURL string
}

var _ session.IdentityProvider = (*GitHubProvider)(nil)

// NewGitHubProvider creates a GitHubProvider. callbackURL must match the
// "Authorization callback URL" of the GitHub OAuth App exactly.
func NewGitHubProvider(clientID, clientSecret, callbackURL string) *GitHubProvider {
	return &GitHubProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		},
		userURL: githubUserURL,
	}
}

// AuthURL returns the consent page URL. state must be random and checked
// again on callback (CSRF protection).
func (p *GitHubProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// SignIn trades an authorization code for the user's identity.
func (p *GitHubProvider) SignIn(ctx context.Context, code string) (model.Identity, error) {
	if code == "" {
		return model.Identity{}, ErrSignInCancelled
	}

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.ErrorCode == "access_denied" {
			return model.Identity{}, ErrSignInCancelled
		}
		return model.Identity{}, fmt.Errorf("auth: exchanging OAuth code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userURL, nil)
	if err != nil {
		return model.Identity{}, fmt.Errorf("auth: building GitHub /user request: %w", err)
	}
	resp, err := p.config.Client(ctx, token).Do(req)
	if err != nil {
		return model.Identity{}, fmt.Errorf("auth: calling GitHub /user API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.Identity{}, fmt.Errorf("auth: GitHub /user API returned status %d", resp.StatusCode)
	}

	var gh GitHubUser
	if err := json.NewDecoder(resp.Body).Decode(&gh); err != nil {
		return model.Identity{}, fmt.Errorf("auth: decoding GitHub /user response: %w", err)
	}
	if gh.ID == 0 {
		return model.Identity{}, errors.New("auth: GitHub returned an invalid user (ID = 0)")
	}

	return gh.Identity(), nil
}

// CallbackError inspects the callback query for a provider-side error.
// "access_denied" (the user pressed Cancel) is ErrSignInCancelled.
func CallbackError(q url.Values) error {
	code := q.Get("error")
	switch code {
	case "":
		return nil
	case "access_denied":
		return ErrSignInCancelled
	default:
		return fmt.Errorf("auth: provider error %s: %s", code, q.Get("error_description"))
	}
}
