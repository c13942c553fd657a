// tryon_handler.go -- POST /api/tryon: charge quota, then generate.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/fitroom/internal/auth"
	"github.com/MGallo-Code/fitroom/internal/captcha"
	"github.com/MGallo-Code/fitroom/internal/metrics"
	"github.com/MGallo-Code/fitroom/internal/quota"
	"github.com/MGallo-Code/fitroom/internal/store"
	"github.com/MGallo-Code/fitroom/internal/tryon"
)

// CaptchaField is the form field carrying the Turnstile token.
const CaptchaField = "cf-turnstile-response"

// multipartOverhead covers form fields and part headers on top of two images.
const multipartOverhead = 1 << 20

// Generation statuses stored in generations.status.
const (
	generationSucceeded = "succeeded"
	generationFailed    = "failed"
)

type tryOnResponse struct {
	GenerationID string       `json:"generation_id"`
	ResultURL    string       `json:"result_url"`
	Limits       quota.Status `json:"limits"`
}

type limitResponse struct {
	Message string       `json:"message"`
	Limits  quota.Status `json:"limits"`
}

// TryOn handles POST /api/tryon.
// Multipart fields: person_image, garment_image, category (optional), and
// cf-turnstile-response for anonymous callers when the captcha is enabled.
//
// Quota is charged before the provider is called. A provider outage refunds
// the charge; a generation the provider rejects keeps it.
func (h *Handler) TryOn(w http.ResponseWriter, r *http.Request) {
	if h.Generator == nil {
		auth.ServiceUnavailable(w, "generation is not configured")
		return
	}

	id, ok := identityOf(r)
	if !ok {
		auth.BadRequest(w, r, "device fingerprint or session required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 2*h.MaxUpload+multipartOverhead)
	if err := r.ParseMultipartForm(h.MaxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeMessage(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		auth.BadRequest(w, r, "expected multipart form data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	if id.UserID == uuid.Nil && h.Captcha != nil {
		if err := h.Captcha.Verify(r.Context(), r.FormValue(CaptchaField), id.IPAddress); err != nil {
			if errors.Is(err, captcha.ErrMissingToken) || errors.Is(err, captcha.ErrRejected) {
				logInfo(r, "tryon rejected", "reason", "captcha", "error", err)
				writeMessage(w, http.StatusForbidden, "captcha verification failed")
				return
			}
			logError(r, "captcha verification unavailable", "error", err)
			auth.ServiceUnavailable(w, "captcha verification unavailable, please try again")
			return
		}
	}

	category, err := tryon.ParseCategory(r.FormValue("category"))
	if err != nil {
		auth.BadRequest(w, r, "category must be one of auto, tops, bottoms, one-pieces")
		return
	}
	person, ok := h.readImage(w, r, "person_image")
	if !ok {
		return
	}
	garment, ok := h.readImage(w, r, "garment_image")
	if !ok {
		return
	}

	st, err := h.Quota.Consume(r.Context(), id)
	if err != nil {
		writeQuotaError(w, r, err)
		return
	}
	if !st.CanGenerate {
		logInfo(r, "tryon denied", "reason", "quota_exceeded", "used", st.Used, "quota", st.Quota)
		auth.WriteJSON(w, http.StatusForbidden, limitResponse{Message: "generation limit reached", Limits: st})
		return
	}

	started := time.Now()
	res, genErr := h.Generator.Generate(r.Context(), tryon.Request{Person: person, Garment: garment, Category: category})
	metrics.GenerationDuration.Observe(time.Since(started).Seconds())

	// Bookkeeping below must finish even if the client went away.
	ctx := context.WithoutCancel(r.Context())

	if genErr != nil {
		genID := h.recordGeneration(ctx, r, id, nil, genErr)
		switch {
		case errors.Is(genErr, tryon.ErrProviderUnavailable):
			metrics.GenerationsTotal.WithLabelValues("unavailable").Inc()
			logWarn(r, "generation provider unavailable, refunding", "generation_id", genID, "error", genErr)
			refunded, err := h.Quota.Refund(ctx, id, st)
			if err != nil {
				logError(r, "quota refund failed", "error", err)
				refunded = st
			}
			auth.WriteJSON(w, http.StatusServiceUnavailable, limitResponse{
				Message: "generation service unavailable, this attempt was not counted",
				Limits:  refunded,
			})
		case errors.Is(genErr, tryon.ErrGenerationFailed):
			metrics.GenerationsTotal.WithLabelValues(generationFailed).Inc()
			logInfo(r, "generation failed", "generation_id", genID, "error", genErr)
			auth.WriteJSON(w, http.StatusUnprocessableEntity, limitResponse{
				Message: "generation failed, try different images",
				Limits:  st,
			})
		case r.Context().Err() != nil:
			// Client or server timeout; the charge stands.
			metrics.GenerationsTotal.WithLabelValues(generationFailed).Inc()
			logWarn(r, "generation abandoned", "generation_id", genID, "error", genErr)
		default:
			metrics.GenerationsTotal.WithLabelValues(generationFailed).Inc()
			auth.InternalServerError(w, r, genErr)
		}
		return
	}

	metrics.GenerationsTotal.WithLabelValues(generationSucceeded).Inc()
	genID := h.recordGeneration(ctx, r, id, res, nil)
	logInfo(r, "generation succeeded", "generation_id", genID, "job_id", res.JobID)
	auth.WriteJSON(w, http.StatusOK, tryOnResponse{
		GenerationID: genID.String(),
		ResultURL:    res.ImageURL,
		Limits:       st,
	})
}

// readImage loads one uploaded part. Writes the error response and returns
// false when the part is missing or invalid.
func (h *Handler) readImage(w http.ResponseWriter, r *http.Request, field string) (tryon.Image, bool) {
	f, _, err := r.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			auth.BadRequest(w, r, field+" is required")
			return tryon.Image{}, false
		}
		auth.BadRequest(w, r, "expected multipart form data")
		return tryon.Image{}, false
	}
	defer f.Close()

	img, err := tryon.ReadImage(f, h.MaxUpload)
	switch {
	case err == nil:
		return img, true
	case errors.Is(err, tryon.ErrImageTooLarge):
		writeMessage(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("%s exceeds %d bytes", field, h.MaxUpload))
	case errors.Is(err, tryon.ErrUnsupportedImage):
		writeMessage(w, http.StatusUnsupportedMediaType, field+" must be a JPEG, PNG, or WebP image")
	default:
		auth.InternalServerError(w, r, err)
	}
	return tryon.Image{}, false
}

// recordGeneration persists the attempt. Failures are logged only: the
// quota decision has already been made.
func (h *Handler) recordGeneration(ctx context.Context, r *http.Request, id quota.Identity, res *tryon.Result, genErr error) uuid.UUID {
	genID, err := uuid.NewV7()
	if err != nil {
		logError(r, "failed to generate generation id", "error", err)
		return uuid.Nil
	}
	g := &store.Generation{ID: genID, Status: generationSucceeded}
	if id.UserID != uuid.Nil {
		g.UserID = &id.UserID
	} else {
		g.DeviceFingerprint = &id.DeviceFingerprint
	}
	if res != nil {
		g.ProviderJobID = &res.JobID
		g.ResultURL = &res.ImageURL
	}
	if genErr != nil {
		g.Status = generationFailed
		msg := genErr.Error()
		g.Error = &msg
	}
	if err := h.PS.CreateGeneration(ctx, g); err != nil {
		logError(r, "failed to record generation", "generation_id", genID, "error", err)
	}
	return genID
}
