package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jangji/backend/internal/middleware"
	"github.com/jangji/backend/internal/models"
	"github.com/jangji/backend/internal/services"
	"go.uber.org/zap"
)

// SyncService is the interface that wraps methods for reading progress synchronization.
type SyncService interface {
	// Method Sync reconciles the client record of the owner with the stored one and returns the authoritative record.
	//
	// "client" may be nil for a device that has never recorded progress.
	// The returned record is nil when neither side has progress.
	// Errors wrap services.ErrUnauthorized, services.ErrInvalidProgress or services.ErrInternal.
	Sync(ctx context.Context, ownerID string, client *models.ProgressRecord) (*models.ProgressRecord, error)
	// Method GetProgress retrieves the stored record of the owner.
	//
	// Please reference Sync method for more information about error values.
	GetProgress(ctx context.Context, ownerID string) (*models.ProgressRecord, error)
}

// ProgressHandler handles HTTP requests for reading progress
type ProgressHandler struct {
	BaseHandler
	service SyncService
}

// NewProgressHandler creates a new progress handler
func NewProgressHandler(svc SyncService, logger *zap.Logger) *ProgressHandler {
	return &ProgressHandler{
		service:     svc,
		BaseHandler: BaseHandler{logger: logger},
	}
}

// RegisterRoutes registers all progress handler routes behind the auth middleware
func (h *ProgressHandler) RegisterRoutes(r chi.Router, authMiddleware func(http.Handler) http.Handler) {
	r.Route("/api/v1/progress", func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/", h.GetProgress)
		r.Post("/sync", h.Sync)
	})
}

// Sync handles POST /api/v1/progress/sync
// @Summary Synchronize reading progress
// @Description Reconciles the device record with the stored one by last-write-wins on lastReadAt and returns the authoritative record
// @Tags progress
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.SyncRequest true "Client progress, null for a new device"
// @Success 200 {object} models.ProgressResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Router /api/v1/progress/sync [post]
func (h *ProgressHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.GetOwnerID(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, models.ErrorUnauthorized)
		return
	}

	var req models.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debug("Malformed sync request", zap.String("owner_id", ownerID), zap.Error(err))
		h.respondError(w, http.StatusBadRequest, models.ErrorBadRequest)
		return
	}

	record, err := h.service.Sync(r.Context(), ownerID, req.ClientProgress)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, models.ProgressResponse{Success: true, Data: record})
}

// GetProgress handles GET /api/v1/progress
// @Summary Get reading progress
// @Description Returns the stored reading progress of the authenticated owner, data is null when there is none
// @Tags progress
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.ProgressResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Router /api/v1/progress [get]
func (h *ProgressHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.GetOwnerID(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, models.ErrorUnauthorized)
		return
	}

	record, err := h.service.GetProgress(r.Context(), ownerID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, models.ProgressResponse{Success: true, Data: record})
}

// handleServiceError maps service errors to the error envelope. Causes are never exposed.
func (h *ProgressHandler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrUnauthorized):
		h.respondError(w, http.StatusUnauthorized, models.ErrorUnauthorized)
	case errors.Is(err, services.ErrInvalidProgress):
		h.respondError(w, http.StatusBadRequest, models.ErrorBadRequest)
	default:
		h.logger.Error("Progress request failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, models.ErrorInternal)
	}
}
