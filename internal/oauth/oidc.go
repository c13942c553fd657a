package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCProvider runs the authorization code flow against a discovered issuer
// and verifies the returned ID token against the issuer's JWKS.
type OIDCProvider struct {
	name     string
	config   *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// NewOIDCProvider fetches the issuer's discovery document.
// Makes an outbound request; fails if the issuer is unreachable.
func NewOIDCProvider(ctx context.Context, cfg Config) (*OIDCProvider, error) {
	if cfg.Name == "" || cfg.ClientID == "" {
		return nil, errors.New("oidc provider needs a name and client id")
	}
	p, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("%s oidc discovery: %w", cfg.Name, err)
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"email", "profile"}
	}
	return &OIDCProvider{
		name: cfg.Name,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     p.Endpoint(),
			Scopes:       append([]string{oidc.ScopeOpenID}, scopes...),
		},
		verifier: p.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

func (p *OIDCProvider) Name() string { return p.name }

// AuthCodeURL builds the consent page URL with state and the S256 challenge.
func (p *OIDCProvider) AuthCodeURL(state, codeChallenge string) string {
	return p.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// idTokenClaims is the subset of standard claims mapped onto a profile.
type idTokenClaims struct {
	Sub           string       `json:"sub"`
	Email         string       `json:"email"`
	EmailVerified verifiedFlag `json:"email_verified"`
	GivenName     string       `json:"given_name"`
	FamilyName    string       `json:"family_name"`
	Picture       string       `json:"picture"`
}

// Exchange trades the code for tokens, then verifies the ID token's
// signature, issuer, audience and expiry.
func (p *OIDCProvider) Exchange(ctx context.Context, code, codeVerifier string) (*Claims, error) {
	token, err := p.config.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier),
	)
	if err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("no id_token in token response")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verifying id token: %w", err)
	}

	var c idTokenClaims
	if err := idToken.Claims(&c); err != nil {
		return nil, fmt.Errorf("decoding id token claims: %w", err)
	}
	email := strings.TrimSpace(c.Email)
	if c.Sub == "" || email == "" {
		return nil, ErrIncompleteClaims
	}

	return &Claims{
		Subject:       c.Sub,
		Email:         email,
		EmailVerified: bool(c.EmailVerified),
		FirstName:     strings.TrimSpace(c.GivenName),
		LastName:      strings.TrimSpace(c.FamilyName),
		AvatarURL:     c.Picture,
	}, nil
}

// verifiedFlag decodes email_verified sent either as a bool or as "true"/"false".
type verifiedFlag bool

func (v *verifiedFlag) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*v = verifiedFlag(strings.EqualFold(s, "true"))
		return nil
	}
	var flag bool
	if err := json.Unmarshal(b, &flag); err != nil {
		return fmt.Errorf("email_verified: %w", err)
	}
	*v = verifiedFlag(flag)
	return nil
}
