// handler.go -- Handler for the try-on, limits, feedback, and admin routes.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/fitroom/internal/auth"
	"github.com/MGallo-Code/fitroom/internal/notify"
	"github.com/MGallo-Code/fitroom/internal/quota"
	"github.com/MGallo-Code/fitroom/internal/store"
	"github.com/MGallo-Code/fitroom/internal/tryon"
)

// FingerprintHeader carries the anonymous device identity.
const FingerprintHeader = "X-Device-Fingerprint"

// maxFingerprintLen bounds the header; real fingerprints are short hashes.
const maxFingerprintLen = 128

// Store defines database operations needed by api handlers.
// Satisfied by *store.PostgresStore.
type Store interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]store.User, error)
	SetUserRole(ctx context.Context, id uuid.UUID, role string) error
	SetUserPremium(ctx context.Context, id uuid.UUID, isPremium bool, until *time.Time) error
	CreateGeneration(ctx context.Context, g *store.Generation) error
	CreateFeedback(ctx context.Context, f *store.Feedback) error
}

// CaptchaVerifier checks an anti-bot token. Satisfied by *captcha.TurnstileVerifier.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// FeedbackRateLimit throttles feedback per client IP.
var FeedbackRateLimit = store.RateLimit{MaxAttempts: 10, Window: time.Hour, LockoutTTL: time.Hour}

// Handler holds dependencies for the api routes.
type Handler struct {
	Quota     *quota.Service
	PS        Store
	RL        auth.RateLimiter
	Generator tryon.Generator // nil disables POST /api/tryon
	Notifier  notify.Notifier // nil means no relay
	Captcha   CaptchaVerifier // nil disables the anonymous captcha gate
	MaxUpload int64           // per image, bytes
}

// identityOf returns who the request is charged to. ok is false when an
// anonymous request carries an unusable fingerprint.
func identityOf(r *http.Request) (quota.Identity, bool) {
	id := quota.Identity{IPAddress: auth.ClientIP(r)}
	if uid, ok := auth.UserIDFromContext(r.Context()); ok {
		id.UserID = uid
		return id, true
	}
	fp := strings.TrimSpace(r.Header.Get(FingerprintHeader))
	if fp == "" || len(fp) > maxFingerprintLen {
		return id, false
	}
	id.DeviceFingerprint = fp
	return id, true
}

// writeQuotaError maps quota sentinels onto responses.
func writeQuotaError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, quota.ErrIdentityMissing):
		auth.BadRequest(w, r, "device fingerprint or session required")
	case errors.Is(err, quota.ErrStorageUnavailable):
		logError(r, "quota storage unavailable", "error", err)
		auth.ServiceUnavailable(w, "quota service unavailable, please try again")
	default:
		auth.InternalServerError(w, r, err)
	}
}

// writeMessage writes {"message": ...} with an arbitrary status.
func writeMessage(w http.ResponseWriter, status int, message string) {
	auth.WriteJSON(w, status, struct {
		Message string `json:"message"`
	}{message})
}

func logInfo(r *http.Request, msg string, args ...any) {
	auth.LogRequest(r, slog.LevelInfo, msg, args...)
}

func logWarn(r *http.Request, msg string, args ...any) {
	auth.LogRequest(r, slog.LevelWarn, msg, args...)
}

func logError(r *http.Request, msg string, args ...any) {
	auth.LogRequest(r, slog.LevelError, msg, args...)
}
