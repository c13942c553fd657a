package api

import (
	"net/http"

	"github.com/MGallo-Code/fitroom/internal/auth"
)

// LimitStatus handles GET /api/limits -- the caller's quota for the current window.
func (h *Handler) LimitStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOf(r)
	if !ok {
		auth.BadRequest(w, r, "device fingerprint or session required")
		return
	}
	st, err := h.Quota.Check(r.Context(), id)
	if err != nil {
		writeQuotaError(w, r, err)
		return
	}
	auth.WriteJSON(w, http.StatusOK, st)
}
