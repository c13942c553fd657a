// middleware.go -- Session authentication and role middleware.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/MGallo-Code/fitroom/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

type contextKey string

const (
	userIDKey    contextKey = "user_id"
	tokenHashKey contextKey = "token_hash"
	csrfTokenKey contextKey = "csrf_token"
)

// UserIDFromContext retrieves authenticated user's ID from context.
// Returns zero UUID and false if RequireAuth hasn't run.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// TokenHashFromContext retrieves session token hash from context.
// Returns nil and false if RequireAuth hasn't run.
func TokenHashFromContext(ctx context.Context) ([]byte, bool) {
	hash, ok := ctx.Value(tokenHashKey).([]byte)
	return hash, ok
}

// CSRFTokenFromContext retrieves session CSRF token from context.
// Returns nil and false if RequireAuth hasn't run.
func CSRFTokenFromContext(ctx context.Context) ([]byte, bool) {
	token, ok := ctx.Value(csrfTokenKey).([]byte)
	return token, ok
}

// errNoSession means the request carries no usable session cookie.
var errNoSession = errors.New("no session")

// resolvedSession is what authenticate puts into the request context.
type resolvedSession struct {
	userID    uuid.UUID
	tokenHash []byte
	csrfToken []byte
}

// tokenHashFromCookie returns SHA-256 of the raw session token. The reason is a log label.
func tokenHashFromCookie(r *http.Request) ([32]byte, string, error) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return [32]byte{}, "missing_session_cookie", errNoSession
	}
	if c.Value == "" {
		return [32]byte{}, "empty_session_cookie", errNoSession
	}
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return [32]byte{}, "invalid_cookie_encoding", errNoSession
	}
	return sha256.Sum256(raw), "", nil
}

// resolveSession checks Redis, then Postgres, and refills Redis after a
// Postgres hit. A cached entry past its expiry is treated as a miss.
func (h *AuthHandler) resolveSession(r *http.Request, tokenHash [32]byte) (resolvedSession, string, error) {
	ctx := r.Context()
	key := base64.RawURLEncoding.EncodeToString(tokenHash[:])
	out := resolvedSession{tokenHash: tokenHash[:]}

	cached, err := h.RS.GetSession(ctx, key)
	switch {
	case err == nil && time.Now().Before(cached.ExpiresAt):
		out.userID, out.csrfToken = cached.UserID, cached.CSRFToken
		return out, "", nil
	case err != nil && !errors.Is(err, store.ErrCacheMiss):
		logError(r, "redis session lookup failed, falling back to postgres", "error", err)
	}

	sess, err := h.PS.GetSessionByTokenHash(ctx, tokenHash[:])
	if errors.Is(err, pgx.ErrNoRows) {
		return out, "session_not_found", errNoSession
	}
	if err != nil {
		return out, "session_lookup_failed", err
	}
	// A zero TTL would make the Redis key permanent.
	if ttl := int(time.Until(sess.ExpiresAt).Seconds()); ttl > 0 {
		if err := h.RS.SetSession(ctx, key, *sess, ttl); err != nil {
			logWarn(r, "failed to repopulate session cache", "error", err)
		}
	}
	out.userID, out.csrfToken = sess.UserID, sess.CSRFToken
	return out, "", nil
}

// authenticate returns r carrying user_id, token_hash and csrf_token in context.
func (h *AuthHandler) authenticate(r *http.Request) (*http.Request, string, error) {
	tokenHash, reason, err := tokenHashFromCookie(r)
	if err != nil {
		return r, reason, err
	}
	sess, reason, err := h.resolveSession(r, tokenHash)
	if err != nil {
		return r, reason, err
	}
	ctx := context.WithValue(r.Context(), userIDKey, sess.userID)
	ctx = context.WithValue(ctx, tokenHashKey, sess.tokenHash)
	ctx = context.WithValue(ctx, csrfTokenKey, sess.csrfToken)
	return r.WithContext(ctx), "", nil
}

// RequireAuth validates the session cookie and injects user_id, token_hash, and
// csrf_token into context on success; returns 401 on failure.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authed, reason, err := h.authenticate(r)
		if err != nil {
			if errors.Is(err, errNoSession) {
				logWarn(r, "require auth failed", "reason", reason)
			} else {
				logError(r, "require auth failed fetching session from db", "error", err)
			}
			Unauthorized(w, r, "unauthorized")
			return
		}
		next.ServeHTTP(w, authed)
	})
}

// OptionalAuth attaches the session to context when one is valid and otherwise
// passes the request through untouched. Anonymous try-on routes sit behind it.
func (h *AuthHandler) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authed, reason, err := h.authenticate(r)
		if err != nil {
			if !errors.Is(err, errNoSession) {
				logWarn(r, "optional auth lookup failed", "error", err)
			} else if reason != "missing_session_cookie" {
				logInfo(r, "optional auth ignored cookie", "reason", reason)
			}
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, authed)
	})
}

// RequireAdmin must run after RequireAuth. Loads the user and returns 403
// unless their role is admin.
func (h *AuthHandler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserIDFromContext(r.Context())
		if !ok {
			Unauthorized(w, r, "unauthorized")
			return
		}
		user, err := h.PS.GetUserByID(r.Context(), userID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				Unauthorized(w, r, "unauthorized")
				return
			}
			InternalServerError(w, r, err)
			return
		}
		if user.Role != store.RoleAdmin {
			logWarn(r, "admin route denied", "user_id", userID, "role", user.Role)
			Forbidden(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}
