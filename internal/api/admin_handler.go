// admin_handler.go -- Admin routes: user plans and limit overrides.
// All handlers run behind RequireAuth + RequireAdmin.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/MGallo-Code/fitroom/internal/auth"
	"github.com/MGallo-Code/fitroom/internal/quota"
	"github.com/MGallo-Code/fitroom/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxAdminBody    = 4 << 10
)

// decodeAdminBody reads a size-capped JSON body into v, writing 400 on failure.
func decodeAdminBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logWarn(r, "failed to decode admin input", "error", err)
		auth.BadRequest(w, r, "error decoding request body")
		return false
	}
	return true
}

type userListResponse struct {
	Users  []auth.Profile `json:"users"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

type limitRecordResponse struct {
	IdentityKind store.IdentityKind `json:"identity_kind"`
	Identity     string             `json:"identity"`
	IPAddress    string             `json:"ip_address,omitempty"`
	FirstSeenAt  time.Time          `json:"first_seen_at"`
	LastUsedAt   time.Time          `json:"last_used_at"`
	Limits       quota.Status       `json:"limits"`
}

// ListUsers handles GET /admin/users?limit=&offset= -- newest first.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", defaultPageSize)
	if !ok || limit < 1 {
		auth.BadRequest(w, r, "limit must be a positive integer")
		return
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok || offset < 0 {
		auth.BadRequest(w, r, "offset must be a non-negative integer")
		return
	}
	limit = min(limit, maxPageSize)

	users, err := h.PS.ListUsers(r.Context(), limit, offset)
	if err != nil {
		auth.InternalServerError(w, r, err)
		return
	}
	resp := userListResponse{Users: make([]auth.Profile, 0, len(users)), Limit: limit, Offset: offset}
	for i := range users {
		resp.Users = append(resp.Users, auth.ProfileOf(&users[i]))
	}
	auth.WriteJSON(w, http.StatusOK, resp)
}

// UserLimits handles GET /admin/users/{id}/limits -- the user's current window row.
func (h *Handler) UserLimits(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	rec, st, err := h.Quota.Record(r.Context(), quota.Identity{UserID: userID})
	if err != nil {
		if errors.Is(err, quota.ErrIdentityMissing) {
			auth.NotFound(w)
			return
		}
		writeQuotaError(w, r, err)
		return
	}
	auth.WriteJSON(w, http.StatusOK, limitRecordResponse{
		IdentityKind: rec.Key.Kind,
		Identity:     rec.Key.ID,
		IPAddress:    rec.Key.IPAddress,
		FirstSeenAt:  rec.FirstSeenAt,
		LastUsedAt:   rec.LastUsedAt,
		Limits:       st,
	})
}

// SetRole handles POST /admin/users/{id}/role -- body {"role": "user"|"admin"}.
func (h *Handler) SetRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var input struct {
		Role string `json:"role"`
	}
	if !decodeAdminBody(w, r, &input) {
		return
	}
	if input.Role != store.RoleUser && input.Role != store.RoleAdmin {
		auth.BadRequest(w, r, "role must be user or admin")
		return
	}
	adminID, _ := auth.UserIDFromContext(r.Context())
	if userID == adminID && input.Role != store.RoleAdmin {
		auth.BadRequest(w, r, "cannot remove your own admin role")
		return
	}

	if err := h.PS.SetUserRole(r.Context(), userID, input.Role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			auth.NotFound(w)
			return
		}
		auth.InternalServerError(w, r, err)
		return
	}
	logInfo(r, "admin set role", "admin_id", adminID, "user_id", userID, "role", input.Role)
	auth.OK(w, "role updated")
}

// SetPremium handles POST /admin/users/{id}/premium --
// body {"is_premium": bool, "premium_until": RFC 3339 timestamp or null}.
// A null premium_until with is_premium true never expires.
func (h *Handler) SetPremium(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var input struct {
		IsPremium    *bool      `json:"is_premium"`
		PremiumUntil *time.Time `json:"premium_until"`
	}
	if !decodeAdminBody(w, r, &input) {
		return
	}
	if input.IsPremium == nil {
		auth.BadRequest(w, r, "is_premium is required")
		return
	}
	until := input.PremiumUntil
	if !*input.IsPremium {
		until = nil
	}

	if err := h.PS.SetUserPremium(r.Context(), userID, *input.IsPremium, until); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			auth.NotFound(w)
			return
		}
		auth.InternalServerError(w, r, err)
		return
	}
	adminID, _ := auth.UserIDFromContext(r.Context())
	logInfo(r, "admin set premium", "admin_id", adminID, "user_id", userID,
		"is_premium", *input.IsPremium, "premium_until", until)
	auth.OK(w, "premium updated")
}

// ResetUserLimits handles POST /admin/users/{id}/limits/reset.
func (h *Handler) ResetUserLimits(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	h.resetIdentity(w, r, quota.Identity{UserID: userID})
}

// ResetDeviceLimits handles POST /admin/devices/{fingerprint}/limits/reset.
func (h *Handler) ResetDeviceLimits(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	if fp == "" || len(fp) > maxFingerprintLen {
		auth.BadRequest(w, r, "invalid device fingerprint")
		return
	}
	h.resetIdentity(w, r, quota.Identity{DeviceFingerprint: fp})
}

func (h *Handler) resetIdentity(w http.ResponseWriter, r *http.Request, id quota.Identity) {
	if err := h.Quota.Reset(r.Context(), id); err != nil {
		if errors.Is(err, quota.ErrIdentityMissing) {
			auth.NotFound(w)
			return
		}
		writeQuotaError(w, r, err)
		return
	}
	adminID, _ := auth.UserIDFromContext(r.Context())
	logInfo(r, "admin reset limit", "admin_id", adminID, "user_id", id.UserID, "device", id.DeviceFingerprint)
	auth.OK(w, "limit reset")
}

// ResetLimits handles POST /admin/limits/reset --
// body {"identity_kind": "device"|"user", "window": "week"|"month", "date": "YYYY-MM-DD"}.
// date is optional and defaults to today; any day inside the window selects it.
func (h *Handler) ResetLimits(w http.ResponseWriter, r *http.Request) {
	var input struct {
		IdentityKind string `json:"identity_kind"`
		Window       string `json:"window"`
		Date         string `json:"date"`
	}
	if !decodeAdminBody(w, r, &input) {
		return
	}

	kind := store.IdentityKind(input.IdentityKind)
	if kind != store.IdentityDevice && kind != store.IdentityUser {
		auth.BadRequest(w, r, "identity_kind must be device or user")
		return
	}
	window, err := quota.ParseWindowKind(input.Window)
	if err != nil {
		auth.BadRequest(w, r, "window must be week or month")
		return
	}
	var day time.Time
	if input.Date != "" {
		day, err = time.Parse(time.DateOnly, input.Date)
		if err != nil {
			auth.BadRequest(w, r, "date must be YYYY-MM-DD")
			return
		}
	}

	n, err := h.Quota.ResetWindow(r.Context(), kind, window, day)
	if err != nil {
		writeQuotaError(w, r, err)
		return
	}
	adminID, _ := auth.UserIDFromContext(r.Context())
	logInfo(r, "admin bulk limit reset", "admin_id", adminID, "identity_kind", kind, "window", window, "date", input.Date, "rows", n)
	auth.WriteJSON(w, http.StatusOK, struct {
		Reset int64 `json:"reset"`
	}{n})
}

// userIDParam parses the {id} route parameter, writing 400 on failure.
func userIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil || id == uuid.Nil {
		auth.BadRequest(w, r, "invalid user id")
		return uuid.Nil, false
	}
	return id, true
}

// queryInt reads an integer query parameter, def when absent.
func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}
