package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"idlink/internal/contact/models"
	dErrors "idlink/pkg/domain-errors"
	"idlink/pkg/platform/httputil"
	"idlink/pkg/requestcontext"
)

// Service defines the reconciliation operation the handler exposes.
type Service interface {
	Identify(ctx context.Context, req *models.IdentifyRequest) (*models.ClusterView, error)
}

// Handler wires the identify endpoint to the reconciler. It stays thin:
// decode, delegate, map errors.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New creates a new contact Handler.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register registers the contact routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/identify", h.handleIdentify)
	r.Get("/healthz", h.handleHealthz)
}

func (h *Handler) handleIdentify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	var req models.IdentifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid identify request body",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	view, err := h.service.Identify(ctx, &req)
	if err != nil {
		if dErrors.Is(err, dErrors.CodeValidation) {
			h.logger.WarnContext(ctx, "identify request rejected",
				"request_id", requestID,
				"error", err.Error(),
			)
			httputil.WriteError(w, err)
			return
		}
		// Cause is already logged by the service; callers get a generic error.
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to reconcile identity"))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, models.IdentifyResponse{Contact: view})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
