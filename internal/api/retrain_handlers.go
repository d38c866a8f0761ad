package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/dishmatch/internal/retrain"
)

// maxBodyBytes caps operator request bodies.
const maxBodyBytes = 1 << 10

// Retrainer is the part of discovery.Service the operator endpoints use.
type Retrainer interface {
	RetrainNow(ctx context.Context) error
	IsAutoRetrainEnabled() bool
	SetAutoRetrain(enabled bool)
	RetrainStatus() retrain.Status
}

// RetrainHandlers serves the similarity model operator endpoints.
type RetrainHandlers struct {
	service Retrainer
	logger  *slog.Logger
}

// NewRetrainHandlers creates the operator handlers.
func NewRetrainHandlers(service Retrainer, logger *slog.Logger) *RetrainHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetrainHandlers{service: service, logger: logger}
}

// AutoRetrainRequest is the body of PUT /admin/retrain/auto.
type AutoRetrainRequest struct {
	Enabled *bool `json:"enabled"`
}

// AutoRetrainResponse reports the periodic retraining switch.
type AutoRetrainResponse struct {
	Enabled bool `json:"enabled"`
}

// Retrain handles /admin/retrain. GET returns the model status; POST trains
// and publishes a new model before responding.
func (h *RetrainHandlers) Retrain(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, r, http.StatusOK, h.service.RetrainStatus())
	case http.MethodPost:
		if err := h.service.RetrainNow(r.Context()); err != nil {
			if errors.Is(err, context.Canceled) {
				h.logger.DebugContext(r.Context(), "retrain cancelled by client")
				return
			}
			h.logger.WarnContext(r.Context(), "manual retrain failed", "error", err)
			writeCodedError(w, r, ErrCodeUnavailable, "Retraining failed, the previous model remains active")
			return
		}
		h.logger.InfoContext(r.Context(), "manual retrain completed")
		writeJSON(w, r, http.StatusOK, h.service.RetrainStatus())
	default:
		writeCodedError(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
	}
}

// AutoRetrain handles /admin/retrain/auto. GET reports the switch; PUT sets it.
func (h *RetrainHandlers) AutoRetrain(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, r, http.StatusOK, AutoRetrainResponse{Enabled: h.service.IsAutoRetrainEnabled()})
	case http.MethodPut:
		var req AutoRetrainRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeCodedError(w, r, ErrCodeBadRequest, "Request body must be JSON like {\"enabled\": true}")
			return
		}
		if req.Enabled == nil {
			writeCodedError(w, r, ErrCodeValidation, "enabled is required")
			return
		}
		h.service.SetAutoRetrain(*req.Enabled)
		h.logger.InfoContext(r.Context(), "auto retrain switched", "enabled", *req.Enabled)
		writeJSON(w, r, http.StatusOK, AutoRetrainResponse{Enabled: h.service.IsAutoRetrainEnabled()})
	default:
		writeCodedError(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
	}
}
