// Package oauth signs users in through external OpenID Connect providers.
package oauth

import (
	"context"
	"errors"
)

// ErrIncompleteClaims is returned when a verified ID token lacks a subject or email.
var ErrIncompleteClaims = errors.New("id token missing required claims")

// Claims is the verified identity from an ID token, already shaped like a user
// profile. Optional fields are empty when the provider omits them.
// AvatarURL is provider-hosted; render it behind CSP or a proxy.
type Claims struct {
	Subject       string // stable per-provider user id
	Email         string
	EmailVerified bool
	FirstName     string
	LastName      string
	AvatarURL     string
}

// Provider is one sign-in option on the login page.
// PKCE (S256) is mandatory: the challenge goes to AuthCodeURL and the matching
// verifier to Exchange.
type Provider interface {
	// Name is the {provider} URL segment and the users.oauth_provider value.
	Name() string
	AuthCodeURL(state, codeChallenge string) string
	Exchange(ctx context.Context, code, codeVerifier string) (*Claims, error)
}

// Config is one provider registration.
type Config struct {
	Name         string
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string // requested alongside openid; defaults to email and profile
}
