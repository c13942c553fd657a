// session.go -- Session token generation, cookie management, and session issuance.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MGallo-Code/fitroom/internal/store"
	"github.com/gofrs/uuid/v5"
)

// sessionCookieName is the __Host- prefixed cookie carrying the raw session token.
const sessionCookieName = "__Host-session"

// GenerateToken returns 256-bit random session token and its SHA-256 hash.
// Token goes in the cookie; hash goes in storage.
func GenerateToken() (*[32]byte, *[32]byte, error) {
	var token [32]byte
	_, err := rand.Read(token[:])
	if err != nil {
		return nil, nil, fmt.Errorf("generating token with rand: %w", err)
	}
	hash := sha256.Sum256(token[:])
	return &token, &hash, nil
}

// SetSessionCookie writes __Host-session cookie with HttpOnly, Secure, SameSite=Lax.
func SetSessionCookie(w http.ResponseWriter, rawToken [32]byte, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(rawToken[:]),
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
	})
}

// ClearSessionCookie overwrites __Host-session with MaxAge=-1 to trigger browser deletion.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// issueSession creates a session for userID in Postgres (fatal) and Redis (non-fatal),
// sets the cookie, and writes 200 {user_id, csrf_token}. Returns false after writing
// a 500 when the session could not be created.
func (h *AuthHandler) issueSession(w http.ResponseWriter, r *http.Request, userID uuid.UUID, dur time.Duration) bool {
	token, tokenHash, err := GenerateToken()
	if err != nil {
		InternalServerError(w, r, err)
		return false
	}
	csrfToken, err := GenerateCSRFToken()
	if err != nil {
		InternalServerError(w, r, err)
		return false
	}
	sessionID, err := uuid.NewV7()
	if err != nil {
		InternalServerError(w, r, err)
		return false
	}

	expiresAt := time.Now().Add(dur)
	ipAddr := ClientIP(r)
	userAgent := r.UserAgent()

	if err := h.PS.CreateSession(r.Context(), sessionID, userID, tokenHash[:], csrfToken[:], expiresAt, &ipAddr, &userAgent); err != nil {
		logError(r, "failed to create session in database", "error", err)
		InternalServerError(w, r, err)
		return false
	}

	// Cache in Redis -- non-fatal; Postgres is source of truth.
	if err := h.RS.SetSession(r.Context(), base64.RawURLEncoding.EncodeToString(tokenHash[:]), store.Session{
		ID:        sessionID,
		UserID:    userID,
		TokenHash: tokenHash[:],
		CSRFToken: csrfToken[:],
		ExpiresAt: expiresAt,
	}, int(dur.Seconds())); err != nil {
		logWarn(r, "failed to cache session in redis", "error", err)
	}

	SetSessionCookie(w, *token, expiresAt)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(struct {
		UserID    string `json:"user_id"`
		CSRFToken string `json:"csrf_token"`
	}{userID.String(), base64.RawURLEncoding.EncodeToString(csrfToken[:])})
	return true
}
