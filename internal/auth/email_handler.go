// email_handler.go -- Email/password accounts: register, login, logout, logout-all.
package auth

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/MGallo-Code/fitroom/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// dummyPasswordHash is verified against when no usable hash exists, so every
// failed login costs one Argon2id derivation.
var dummyPasswordHash = sync.OnceValue(func() string {
	h, _ := HashPassword("dummy")
	return h
})

type credentials struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

// throttled applies policy to key. Writes 429 or 500 and returns true when the
// request must stop.
func (h *AuthHandler) throttled(w http.ResponseWriter, r *http.Request, key string, policy store.RateLimit, action string) bool {
	err := h.RL.Allow(r.Context(), key, policy)
	if err == nil {
		return false
	}
	if errors.Is(err, store.ErrRateLimitExceeded) {
		logInfo(r, action+" failed", "reason", "rate_limited")
		TooManyRequests(w)
		return true
	}
	InternalServerError(w, r, err)
	return true
}

// RegisterByEmail handles POST /register/email.
// 201 with the same message whether or not the email was free; 400 on invalid
// input; 429 when throttled. New accounts start on the free plan.
func (h *AuthHandler) RegisterByEmail(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if !decodeBody(w, r, &in) {
		return
	}
	email := NormalizeEmail(in.Email)
	if msg := ValidateEmail(email); msg != "" {
		BadRequest(w, r, msg)
		return
	}
	if failures := h.Policy.Validate(in.Password); len(failures) > 0 {
		BadRequest(w, r, strings.Join(failures, "; "))
		return
	}
	if h.throttled(w, r, "register:email:"+email, h.Policies.RegisterEmail, "register") {
		return
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	userID, err := uuid.NewV7()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	switch err := h.PS.CreateUserByEmail(r.Context(), userID, email, hash); {
	case err == nil:
		logInfo(r, "user registered", "user_id", userID)
	case store.IsUniqueViolation(err):
		logInfo(r, "register failed", "reason", "duplicate_email")
	default:
		logError(r, "failed to create user", "error", err)
		InternalServerError(w, r, err)
		return
	}
	Created(w, "if that email is available, your account has been created")
}

// LoginByEmail handles POST /login/email.
// 200 with user_id and csrf_token; 401 for any bad credential; 429 when throttled.
// A correct password stored under outdated Argon2id params is rehashed in place.
func (h *AuthHandler) LoginByEmail(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if !decodeBody(w, r, &in) {
		return
	}
	email := NormalizeEmail(in.Email)

	// Validate before rate-limit -- keeps garbage strings out of Redis keys.
	if ValidateEmail(email) != "" || in.Password == "" {
		Unauthorized(w, r, "invalid credentials")
		return
	}
	if h.throttled(w, r, "login:email:"+email, h.Policies.LoginEmail, "login") {
		return
	}

	user, err := h.PS.GetUserByEmail(r.Context(), email)
	if err != nil {
		_, _ = VerifyPassword(in.Password, dummyPasswordHash())
		if errors.Is(err, pgx.ErrNoRows) {
			logInfo(r, "login failed", "reason", "user_not_found")
			Unauthorized(w, r, "invalid credentials")
			return
		}
		logError(r, "failed to fetch user for login", "error", err)
		InternalServerError(w, r, err)
		return
	}
	if user.PasswordHash == nil {
		_, _ = VerifyPassword(in.Password, dummyPasswordHash())
		logInfo(r, "login failed", "reason", "no_password", "user_id", user.ID)
		Unauthorized(w, r, "invalid credentials")
		return
	}

	valid, err := VerifyPassword(in.Password, *user.PasswordHash)
	if err != nil {
		logError(r, "password verification failed", "error", err, "user_id", user.ID)
		InternalServerError(w, r, err)
		return
	}
	if !valid {
		logInfo(r, "login failed", "reason", "wrong_password", "user_id", user.ID)
		Unauthorized(w, r, "invalid credentials")
		return
	}
	if NeedsRehash(*user.PasswordHash) {
		h.rehash(r, user.ID, in.Password)
	}

	dur := h.SessionTTL
	if in.RememberMe {
		dur = h.SessionRememberMe
	}
	if h.issueSession(w, r, user.ID, dur) {
		logInfo(r, "user logged in", "user_id", user.ID, "remember_me", in.RememberMe)
	}
}

// rehash stores password under the current params. Best effort: the login
// already succeeded and the old hash keeps working.
func (h *AuthHandler) rehash(r *http.Request, userID uuid.UUID, password string) {
	hash, err := HashPassword(password)
	if err == nil {
		err = h.PS.UpdateUserPassword(r.Context(), userID, hash)
	}
	if err != nil {
		logWarn(r, "password rehash failed", "error", err, "user_id", userID)
		return
	}
	logInfo(r, "password rehashed", "user_id", userID)
}

// Logout handles POST /logout -- ends the current session.
// Redis delete is non-fatal; Postgres is the source of truth.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, uok := UserIDFromContext(r.Context())
	tokenHash, tok := TokenHashFromContext(r.Context())
	if !uok || !tok {
		logError(r, "logout called without session context")
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	if err := h.RS.DeleteSession(r.Context(), base64.RawURLEncoding.EncodeToString(tokenHash), userID); err != nil {
		logWarn(r, "failed to delete session from redis", "error", err)
	}
	if err := h.PS.DeleteSession(r.Context(), tokenHash); err != nil {
		logError(r, "failed to delete session from database", "error", err)
		InternalServerError(w, r, err)
		return
	}

	ClearSessionCookie(w)
	logInfo(r, "user logged out", "user_id", userID)
	OK(w, "logged out")
}

// LogoutAll handles POST /logout-all -- ends every session of the user.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		logError(r, "logout-all called without session context")
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	if err := h.revokeAll(r, userID); err != nil {
		InternalServerError(w, r, err)
		return
	}
	ClearSessionCookie(w)
	logInfo(r, "user logged out of all devices", "user_id", userID)
	OK(w, "logged out of all devices")
}

// revokeAll deletes every session of userID: Redis best effort, Postgres required.
func (h *AuthHandler) revokeAll(r *http.Request, userID uuid.UUID) error {
	if err := h.RS.DeleteAllUserSessions(r.Context(), userID); err != nil {
		logWarn(r, "failed to delete all sessions from redis", "error", err)
	}
	if err := h.PS.DeleteAllUserSessions(r.Context(), userID); err != nil {
		logError(r, "failed to delete all sessions from database", "error", err)
		return err
	}
	return nil
}
