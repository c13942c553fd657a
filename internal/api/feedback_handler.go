// feedback_handler.go -- POST /api/feedback: store, then relay to the operator chat.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/fitroom/internal/auth"
	"github.com/MGallo-Code/fitroom/internal/metrics"
	"github.com/MGallo-Code/fitroom/internal/notify"
	"github.com/MGallo-Code/fitroom/internal/store"
)

const (
	maxFeedbackMessage = 2000
	maxFeedbackContact = 200
	maxFeedbackBody    = 16 << 10
)

// Feedback handles POST /api/feedback.
// Body: {"message": "...", "rating": 1-5 (optional), "contact": "..." (optional)}.
// Identity is optional; a fingerprint or session is attached when present.
func (h *Handler) Feedback(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Message string  `json:"message"`
		Rating  *int    `json:"rating"`
		Contact *string `json:"contact"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxFeedbackBody)
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode feedback input", "error", err)
		auth.BadRequest(w, r, "error decoding request body")
		return
	}

	input.Message = strings.TrimSpace(input.Message)
	switch {
	case input.Message == "":
		auth.BadRequest(w, r, "message is required")
		return
	case utf8.RuneCountInString(input.Message) > maxFeedbackMessage:
		auth.BadRequest(w, r, "message is too long")
		return
	case input.Rating != nil && (*input.Rating < 1 || *input.Rating > 5):
		auth.BadRequest(w, r, "rating must be between 1 and 5")
		return
	}
	if input.Contact != nil {
		c := strings.TrimSpace(*input.Contact)
		if utf8.RuneCountInString(c) > maxFeedbackContact {
			auth.BadRequest(w, r, "contact is too long")
			return
		}
		input.Contact = &c
		if c == "" {
			input.Contact = nil
		}
	}

	ip := auth.ClientIP(r)
	if h.RL != nil {
		if err := h.RL.Allow(r.Context(), "feedback:"+ip, FeedbackRateLimit); err != nil {
			if errors.Is(err, store.ErrRateLimitExceeded) {
				logInfo(r, "feedback rejected", "reason", "rate_limited")
				auth.TooManyRequests(w)
				return
			}
			// Limiter down: accept rather than lose feedback.
			logWarn(r, "feedback rate limit check failed", "error", err)
		}
	}

	fbID, err := uuid.NewV7()
	if err != nil {
		auth.InternalServerError(w, r, err)
		return
	}
	fb := store.Feedback{ID: fbID, Rating: input.Rating, Message: input.Message, Contact: input.Contact}
	if id, ok := identityOf(r); ok {
		if id.UserID != uuid.Nil {
			fb.UserID = &id.UserID
		} else {
			fb.DeviceFingerprint = &id.DeviceFingerprint
		}
	}

	if err := h.PS.CreateFeedback(r.Context(), &fb); err != nil {
		logError(r, "failed to store feedback", "error", err)
		auth.InternalServerError(w, r, err)
		return
	}
	metrics.FeedbackTotal.Inc()

	if h.Notifier != nil {
		if err := h.Notifier.Notify(r.Context(), notify.FeedbackMessage(fb)); err != nil {
			// Stored already; the relay is best effort.
			logWarn(r, "feedback relay failed", "feedback_id", fbID, "error", err)
		}
	}

	logInfo(r, "feedback received", "feedback_id", fbID)
	auth.Created(w, "thanks for your feedback")
}
