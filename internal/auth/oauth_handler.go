// oauth_handler.go -- Sign-in through registered OIDC providers (PKCE code flow).
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MGallo-Code/fitroom/internal/oauth"
	"github.com/MGallo-Code/fitroom/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"golang.org/x/oauth2"
)

// ErrOAuthLinkUnavailable is returned when the provider email already belongs
// to another account. Accounts are never linked automatically.
var ErrOAuthLinkUnavailable = errors.New("oauth account linking unavailable")

var errOAuthState = errors.New("invalid oauth state")

const (
	oauthStateCookieName = "__Host-oauth-state"
	oauthStateTTL        = 10 * time.Minute
)

// oauthState rides in the state cookie between redirect and callback. It is
// bound to the provider that issued it.
type oauthState struct {
	Provider string `json:"provider"`
	State    string `json:"state"`
	Verifier string `json:"verifier"`
	IssuedAt int64  `json:"iat"`
}

func (s oauthState) encode() string {
	payload, _ := json.Marshal(s)
	return base64.RawURLEncoding.EncodeToString(payload)
}

// decodeOAuthState parses a cookie value and rejects it once oauthStateTTL has passed.
func decodeOAuthState(raw string, now time.Time) (oauthState, error) {
	var s oauthState
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return s, fmt.Errorf("%w: %w", errOAuthState, err)
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("%w: %w", errOAuthState, err)
	}
	if now.Sub(time.Unix(s.IssuedAt, 0)) > oauthStateTTL {
		return s, fmt.Errorf("%w: expired", errOAuthState)
	}
	return s, nil
}

// OAuthRedirect handles GET /oauth/{provider}. Sends the browser to the
// provider consent page with a fresh state and S256 PKCE challenge.
func (h *AuthHandler) OAuthRedirect(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.oauthProvider(w, r)
	if !ok {
		return
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		InternalServerError(w, r, err)
		return
	}
	st := oauthState{
		Provider: provider.Name(),
		State:    base64.RawURLEncoding.EncodeToString(nonce[:]),
		Verifier: oauth2.GenerateVerifier(),
		IssuedAt: time.Now().Unix(),
	}

	setOAuthStateCookie(w, st.encode(), int(oauthStateTTL.Seconds()))
	http.Redirect(w, r, provider.AuthCodeURL(st.State, oauth2.S256ChallengeFromVerifier(st.Verifier)), http.StatusFound)
}

// OAuthCallback handles GET /oauth/{provider}/callback. The state cookie is
// single use: it is cleared before anything else is checked.
func (h *AuthHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.oauthProvider(w, r)
	if !ok {
		return
	}

	c, err := r.Cookie(oauthStateCookieName)
	if err != nil {
		logWarn(r, "oauth callback: missing state cookie")
		BadRequest(w, r, "missing oauth state")
		return
	}
	setOAuthStateCookie(w, "", -1)

	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		logInfo(r, "oauth callback: provider returned error", "provider", provider.Name(), "error", denied)
		Unauthorized(w, r, "oauth authorization denied")
		return
	}

	st, err := decodeOAuthState(c.Value, time.Now())
	if err != nil {
		logWarn(r, "oauth callback: bad state cookie", "error", err)
		BadRequest(w, r, "invalid oauth state")
		return
	}
	if st.Provider != provider.Name() ||
		subtle.ConstantTimeCompare([]byte(st.State), []byte(q.Get("state"))) != 1 {
		logWarn(r, "oauth callback: state mismatch", "provider", provider.Name())
		Unauthorized(w, r, "invalid oauth state")
		return
	}
	code := q.Get("code")
	if code == "" {
		BadRequest(w, r, "missing authorization code")
		return
	}

	claims, err := provider.Exchange(r.Context(), code, st.Verifier)
	if err != nil {
		logWarn(r, "oauth callback: exchange failed", "error", err, "provider", provider.Name())
		Unauthorized(w, r, "oauth authentication failed")
		return
	}
	if !claims.EmailVerified {
		Unauthorized(w, r, "oauth account email is not verified")
		return
	}

	user, err := h.findOrCreateOAuthUser(r, provider.Name(), claims)
	switch {
	case errors.Is(err, ErrOAuthLinkUnavailable):
		Conflict(w, "an account with this email already exists. Please log in with your password.")
		return
	case err != nil:
		logError(r, "oauth callback: find or create user failed", "error", err)
		InternalServerError(w, r, err)
		return
	}

	if h.issueSession(w, r, user.ID, h.SessionTTL) {
		logInfo(r, "oauth user logged in", "user_id", user.ID, "provider", provider.Name())
	}
}

// findOrCreateOAuthUser resolves (provider, subject) to a user, creating a
// free-plan account on first sign-in. When two callbacks for the same new
// identity race, the loser re-reads the winner's row.
func (h *AuthHandler) findOrCreateOAuthUser(r *http.Request, provider string, claims *oauth.Claims) (*store.User, error) {
	ctx := r.Context()
	user, err := h.PS.GetUserByOAuthProvider(ctx, provider, claims.Subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("looking up oauth user: %w", err)
	}

	email := NormalizeEmail(claims.Email)
	switch existing, err := h.PS.GetUserByEmail(ctx, email); {
	case err == nil:
		logWarn(r, "oauth: email already registered, not linking", "user_id", existing.ID, "provider", provider)
		return nil, ErrOAuthLinkUnavailable
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("looking up user by email: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating user id: %w", err)
	}
	err = h.PS.CreateOAuthUser(ctx, id, email, provider, claims.Subject,
		optional(claims.FirstName), optional(claims.LastName), optional(claims.AvatarURL))
	if store.IsUniqueViolation(err) {
		if user, lookupErr := h.PS.GetUserByOAuthProvider(ctx, provider, claims.Subject); lookupErr == nil {
			return user, nil
		}
		return nil, ErrOAuthLinkUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("creating oauth user: %w", err)
	}
	logInfo(r, "oauth user created", "user_id", id, "provider", provider)
	return &store.User{ID: id, Email: &email, Role: store.RoleUser}, nil
}

// optional maps "" to NULL.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// oauthProvider resolves {provider}; writes 404 for unregistered names.
func (h *AuthHandler) oauthProvider(w http.ResponseWriter, r *http.Request) (oauth.Provider, bool) {
	p, ok := h.OAuthProviders[chi.URLParam(r, "provider")]
	if !ok {
		NotFound(w)
	}
	return p, ok
}

// setOAuthStateCookie writes the state cookie; maxAge < 0 clears it.
// SameSite=Lax so the cookie survives the top-level redirect back from the provider.
func setOAuthStateCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}
