package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"card-authorizer/internal/domain"
	"card-authorizer/internal/errors"
)

type HealthHandler struct {
	store  domain.Store
	logger *slog.Logger
}

func NewHealthHandler(store domain.Store, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		store:  store,
		logger: logger,
	}
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "error", err)
		writeError(w, errors.NewAppError(errors.StorageUnavailable, "storage unavailable"))
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
