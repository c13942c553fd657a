// password_handler.go -- Authenticated password change.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MGallo-Code/fitroom/internal/store"
)

// PasswordChange handles POST /password/change.
// After the new hash is stored every session of the user is revoked and a
// fresh one is issued to this device, so the response matches a login
// (200 {user_id, csrf_token}). 400 on invalid input or OAuth-only accounts,
// 401 for a wrong current password.
func (h *AuthHandler) PasswordChange(w http.ResponseWriter, r *http.Request) {
	var in struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if in.CurrentPassword == "" {
		BadRequest(w, r, "current_password required")
		return
	}
	if failures := h.Policy.Validate(in.NewPassword); len(failures) > 0 {
		BadRequest(w, r, strings.Join(failures, "; "))
		return
	}
	if in.NewPassword == in.CurrentPassword {
		BadRequest(w, r, "new password must differ from the current one")
		return
	}

	id, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	stored, err := h.PS.GetPwdHashByUserID(r.Context(), id)
	if errors.Is(err, store.ErrNoPassword) {
		BadRequest(w, r, "password change is not available for OAuth-only accounts")
		return
	}
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	match, err := VerifyPassword(in.CurrentPassword, stored)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if !match {
		logWarn(r, "password change failed: wrong current password", "user_id", id)
		Unauthorized(w, r, "invalid credentials")
		return
	}

	hash, err := HashPassword(in.NewPassword)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if err := h.PS.UpdateUserPassword(r.Context(), id, hash); err != nil {
		InternalServerError(w, r, err)
		return
	}
	if err := h.revokeAll(r, id); err != nil {
		InternalServerError(w, r, err)
		return
	}

	if h.issueSession(w, r, id, h.SessionTTL) {
		logInfo(r, "user changed password", "user_id", id)
	}
}
