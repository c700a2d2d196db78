// Package auth connects the forum to its identity provider and issues the
// tokens that carry a signed-in identity between requests.
//
// SIGN-IN FLOW:
//  1. /auth/github/login redirects to GitHub with a random state cookie
//  2. GitHub calls /auth/github/callback with a code
//  3. GitHubProvider.SignIn trades the code for the user's profile
//  4. session.Manager turns it into a session and a JWT from TokenService
//  5. The JWT rides in an HttpOnly cookie; Sessions middleware resolves it
//     on every later request
//
// The JWT holds the whole Identity (uid, name, email, photo), so resolving a
// session never needs a store read.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sakif/homework-helper/internal/model"
)

// Issuer is the "iss" claim; tokens from other apps signed with the same
// secret are rejected.
const Issuer = "homework-helper"

// DefaultTokenTTL is how long a sign-in lasts.
const DefaultTokenTTL = 7 * 24 * time.Hour

// TokenService signs and verifies identity tokens with HMAC-SHA256.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService. ttl <= 0 means DefaultTokenTTL.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// claims is the JWT payload. "sub" is the identity's UID.
type claims struct {
	jwt.RegisteredClaims
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// Generate signs a token for id that expires after the service TTL.
func (s *TokenService) Generate(id model.Identity) (string, error) {
	return s.GenerateWithDuration(id, s.ttl)
}

// GenerateWithDuration signs a token with a custom lifetime. Tests use it to
// mint expired tokens.
func (s *TokenService) GenerateWithDuration(id model.Identity, d time.Duration) (string, error) {
	if id.UID == "" {
		return "", errors.New("auth: identity has no uid")
	}
	now := time.Now()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    Issuer,
		},
		Name:    id.DisplayName,
		Email:   id.Email,
		Picture: id.PhotoURL,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate verifies signature, issuer, algorithm and expiry, and returns the
// identity inside the token.
//
// jwt.WithValidMethods pins HS256; without it a token declaring "alg":"none"
// or an asymmetric algorithm could be accepted.
func (s *TokenService) Validate(tokenStr string) (model.Identity, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return model.Identity{}, errors.New("auth: token expired")
		}
		return model.Identity{}, fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return model.Identity{}, errors.New("auth: invalid token claims")
	}
	if c.Subject == "" {
		return model.Identity{}, errors.New("auth: token has no subject")
	}

	return model.Identity{
		UID:         c.Subject,
		DisplayName: c.Name,
		Email:       c.Email,
		PhotoURL:    c.Picture,
	}, nil
}
