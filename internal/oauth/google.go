package oauth

import "context"

const googleIssuer = "https://accounts.google.com"

// NewGoogleProvider registers Google sign-in. Discovery hits accounts.google.com at startup.
func NewGoogleProvider(ctx context.Context, clientID, clientSecret, redirectURL string) (*OIDCProvider, error) {
	return NewOIDCProvider(ctx, Config{
		Name:         "google",
		IssuerURL:    googleIssuer,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
	})
}
