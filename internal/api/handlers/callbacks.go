package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/pipeline"
	"github.com/narvanalabs/sandbox-plane/internal/runner"
)

// BuildCompleter applies signed build callbacks.
type BuildCompleter interface {
	VerifyCallback(requestURI string) bool
	CompleteBuild(ctx context.Context, buildID string, result *runner.CallbackResult) (*pipeline.CompleteResult, error)
}

// CallbackHandler receives build results from sandboxes.
type CallbackHandler struct {
	builds BuildCompleter
	logger *slog.Logger
}

// NewCallbackHandler creates a callback handler.
func NewCallbackHandler(builds BuildCompleter, logger *slog.Logger) *CallbackHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackHandler{builds: builds, logger: logger}
}

type callbackResponse struct {
	Updated bool               `json:"updated"`
	Status  models.BuildStatus `json:"status"`
}

// Build handles POST /callbacks/builds/{buildID}.
func (h *CallbackHandler) Build(w http.ResponseWriter, r *http.Request) {
	if !h.builds.VerifyCallback(r.URL.RequestURI()) {
		WriteUnauthorized(w, r, "invalid or expired signature")
		return
	}

	buildID := chi.URLParam(r, "buildID")
	var result runner.CallbackResult
	if err := decodeJSON(w, r, &result); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	res, err := h.builds.CompleteBuild(r.Context(), buildID, &result)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			WriteBadRequest(w, r, "status must be completed or failed")
			return
		}
		writeServiceError(w, r, h.logger, err)
		return
	}

	WriteJSON(w, http.StatusOK, callbackResponse{Updated: res.Updated, Status: res.Build.Status})
}
