// handler.go -- AuthHandler and the storage interfaces it consumes.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/MGallo-Code/fitroom/internal/oauth"
	"github.com/MGallo-Code/fitroom/internal/store"
	"github.com/gofrs/uuid/v5"
)

// SessionCache defines session cache operations needed by auth handlers.
// Satisfied by *store.RedisStore -- defined here (at consumer) per Go convention.
type SessionCache interface {
	// CheckHealth pings the cache. Used by GET /health.
	CheckHealth(ctx context.Context) error

	// GetSession retrieves cached session by token hash.
	// Returns store.ErrCacheMiss when absent.
	GetSession(ctx context.Context, tokenHash string) (*store.CachedSession, error)

	// SetSession caches session with given TTL in seconds.
	SetSession(ctx context.Context, tokenHash string, sessionData store.Session, ttl int) error

	// DeleteSession removes session and its entry in the user tracking set.
	DeleteSession(ctx context.Context, tokenHash string, userID uuid.UUID) error

	// DeleteAllUserSessions removes all cached sessions for a user.
	DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error
}

// Store defines database operations needed by auth handlers.
// Satisfied by *store.PostgresStore.
type Store interface {
	// CheckHealth pings the database. Used by GET /health.
	CheckHealth(ctx context.Context) error

	// CreateUserByEmail inserts new user with email and hashed password.
	CreateUserByEmail(ctx context.Context, id uuid.UUID, email, passwordHash string) error

	// CreateOAuthUser inserts a passwordless user linked to a provider identity.
	CreateOAuthUser(ctx context.Context, id uuid.UUID, email, provider, providerID string, firstName, lastName, avatarURL *string) error

	// GetUserByEmail fetches user by email for login verification.
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)

	// GetUserByID fetches user by id. Used by /me and RequireAdmin.
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)

	// GetUserByOAuthProvider fetches user by (provider, provider id).
	GetUserByOAuthProvider(ctx context.Context, provider, providerID string) (*store.User, error)

	// GetPwdHashByUserID fetches Argon2id hash for password verification.
	GetPwdHashByUserID(ctx context.Context, id uuid.UUID) (string, error)

	// UpdateUserPassword replaces the password hash of the user with given id.
	UpdateUserPassword(ctx context.Context, id uuid.UUID, passwordHash string) error

	// CreateSession inserts new session row with token hash and CSRF token.
	CreateSession(ctx context.Context, id uuid.UUID, userID uuid.UUID, tokenHash []byte, csrfToken []byte, expiresAt time.Time, ip *string, userAgent *string) error

	// GetSessionByTokenHash fetches valid (non-expired) session by token hash.
	// Returns pgx.ErrNoRows if not found or expired.
	GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*store.Session, error)

	// DeleteSession removes single session row by token hash.
	DeleteSession(ctx context.Context, tokenHash []byte) error

	// DeleteAllUserSessions removes all sessions for a user.
	DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error
}

// RateLimiter checks and records rate limit state for a given key and policy.
// Satisfied by *store.RedisRateLimiter.
type RateLimiter interface {
	// Allow records the attempt. Returns store.ErrRateLimitExceeded when locked out.
	Allow(ctx context.Context, key string, policy store.RateLimit) error
}

// RateLimitPolicies groups the per-action throttles applied by auth handlers.
type RateLimitPolicies struct {
	LoginEmail    store.RateLimit
	RegisterEmail store.RateLimit
}

// DefaultPolicies are used when config leaves a policy unset.
var DefaultPolicies = RateLimitPolicies{
	LoginEmail:    store.RateLimit{MaxAttempts: 10, Window: 10 * time.Minute, LockoutTTL: 15 * time.Minute},
	RegisterEmail: store.RateLimit{MaxAttempts: 5, Window: time.Hour, LockoutTTL: time.Hour},
}

// DefaultPasswordPolicy is the complexity rule set for registration and password change.
var DefaultPasswordPolicy = PasswordPolicy{MinLength: 8, MaxLength: 128}

// AuthHandler holds dependencies for auth HTTP handlers and middleware.
type AuthHandler struct {
	PS Store
	RS SessionCache
	RL RateLimiter

	Policies       RateLimitPolicies
	Policy         PasswordPolicy
	OAuthProviders map[string]oauth.Provider

	SessionTTL        time.Duration
	SessionRememberMe time.Duration
}

// maxCredentialBody caps JSON bodies on credential endpoints.
const maxCredentialBody = 4 << 10

// decodeBody reads a size-capped JSON body into v. On failure it writes 400
// and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxCredentialBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logWarn(r, "failed to decode request body", "error", err)
		BadRequest(w, r, "error decoding request body")
		return false
	}
	return true
}
