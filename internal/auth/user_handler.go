// user_handler.go -- profile of the signed-in user.
package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MGallo-Code/fitroom/internal/store"
)

// Profile is the JSON shape of GET /me. Also reused by admin user listings.
type Profile struct {
	ID            string     `json:"id"`
	Email         *string    `json:"email,omitempty"`
	FirstName     *string    `json:"first_name,omitempty"`
	LastName      *string    `json:"last_name,omitempty"`
	AvatarURL     *string    `json:"avatar_url,omitempty"`
	OAuthProvider *string    `json:"oauth_provider,omitempty"`
	Role          string     `json:"role"`
	IsPremium     bool       `json:"is_premium"`
	PremiumUntil  *time.Time `json:"premium_until,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ProfileOf maps a user row to its public profile. Password hash and provider id stay server-side.
func ProfileOf(u *store.User) Profile {
	return Profile{
		ID:            u.ID.String(),
		Email:         u.Email,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		AvatarURL:     u.AvatarURL,
		OAuthProvider: u.OAuthProvider,
		Role:          u.Role,
		IsPremium:     u.IsPremium,
		PremiumUntil:  u.PremiumUntil,
		CreatedAt:     u.CreatedAt,
	}
}

// Me handles GET /me -- returns the authenticated user's profile.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	user, err := h.PS.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Session outlived its user row.
			logWarn(r, "me: user not found", "user_id", userID)
			Unauthorized(w, r, "unauthorized")
			return
		}
		InternalServerError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, ProfileOf(user))
}
