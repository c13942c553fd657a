// models.go -- Shared domain types for the store package.
// Used by both Postgres (durable store) and Redis (cache layer).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrRateLimitExceeded is returned by Allow when the caller is locked out.
// Callers use errors.Is to distinguish rate limit rejections from Redis failures.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrNoPassword is returned by GetPwdHashByUserID when the user exists but has no password_hash.
// This occurs for OAuth-only users.
var ErrNoPassword = errors.New("user has no password")

// ErrCacheMiss is returned by GetSession when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// ErrUnknownIdentityKind is returned by limit queries given a LimitKey whose Kind
// has no backing table.
var ErrUnknownIdentityKind = errors.New("unknown identity kind")

// Role values stored in users.role (DB CHECK constraint mirrors these).
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User represents a row in the users table.
// Nullable columns are pointers -- nil means SQL NULL.
type User struct {
	ID              uuid.UUID
	Email           *string
	PasswordHash    *string
	FirstName       *string
	LastName        *string
	OAuthProvider   *string
	OAuthProviderID *string
	AvatarURL       *string
	Role            string
	IsPremium       bool
	PremiumUntil    *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Session represents a row in the sessions table.
// Nullable columns are pointers -- nil means SQL NULL.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash []byte
	CSRFToken []byte
	ExpiresAt time.Time
	IPAddress *string
	UserAgent *string
	CreatedAt time.Time
}

// CachedSession is the JSON shape stored in Redis for cached sessions.
// Only the fields needed for fast session validation -- full metadata lives in Postgres.
type CachedSession struct {
	UserID    uuid.UUID `json:"user_id"`
	CSRFToken []byte    `json:"csrf_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RateLimit defines the policy for a rate-limited action.
// All three fields required, zero values disable the respective behaviour.
type RateLimit struct {
	MaxAttempts int           // attempts allowed within Window before lockout
	Window      time.Duration // rolling window for attempt counting
	LockoutTTL  time.Duration // how long to block after MaxAttempts is hit
}

// IdentityKind selects which limit table a LimitKey lives in.
// Device and user counters are separate data and never share rows.
type IdentityKind string

const (
	IdentityDevice IdentityKind = "device"
	IdentityUser   IdentityKind = "user"
)

// LimitKey identifies one quota holder.
// ID is the device fingerprint for IdentityDevice and the user UUID string for IdentityUser.
// IPAddress is recorded on device rows for abuse review; it is never part of the key.
type LimitKey struct {
	Kind      IdentityKind
	ID        string
	IPAddress string
}

// LimitWindow is one counting period. Kind is "week" or "month", Start is a UTC date.
type LimitWindow struct {
	Kind  string
	Start time.Time
}

// LimitRecord represents a row in device_limits or user_limits.
type LimitRecord struct {
	Key         LimitKey
	Window      LimitWindow
	Used        int
	FirstSeenAt time.Time
	LastUsedAt  time.Time
}

// IncrementResult is the outcome of a single atomic check-and-increment.
// Used is the counter after the call; unchanged when Allowed is false.
type IncrementResult struct {
	Allowed bool
	Used    int
}

// Generation represents a row in the generations table.
// Exactly one of UserID / DeviceFingerprint is set.
type Generation struct {
	ID                uuid.UUID
	UserID            *uuid.UUID
	DeviceFingerprint *string
	Status            string // "succeeded" or "failed"
	ProviderJobID     *string
	ResultURL         *string
	Error             *string
	CreatedAt         time.Time
}

// Feedback represents a row in the feedback table.
// Rating is nil when the visitor left only a message.
type Feedback struct {
	ID                uuid.UUID
	UserID            *uuid.UUID
	DeviceFingerprint *string
	Rating            *int
	Message           string
	Contact           *string
	CreatedAt         time.Time
}
