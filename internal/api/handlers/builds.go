package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/store"
)

const (
	defaultBuildLimit = 20
	maxBuildLimit     = 100
	defaultLogLimit   = 1000
)

// BuildHandler handles build read endpoints.
type BuildHandler struct {
	store  store.Store
	logger *slog.Logger
}

// NewBuildHandler creates a new build handler.
func NewBuildHandler(st store.Store, logger *slog.Logger) *BuildHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BuildHandler{store: st, logger: logger}
}

// List handles GET /v1/estates/{estateID}/builds.
func (h *BuildHandler) List(w http.ResponseWriter, r *http.Request) {
	estate, ok := authorizeEstate(w, r, h.store, h.logger, "")
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", defaultBuildLimit)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if limit == 0 || limit > maxBuildLimit {
		limit = maxBuildLimit
	}

	builds, err := h.store.Builds().ListByEstate(r.Context(), estate.ID, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if builds == nil {
		builds = []*models.Build{}
	}
	WriteJSON(w, http.StatusOK, builds)
}

// Get handles GET /v1/builds/{buildID}.
func (h *BuildHandler) Get(w http.ResponseWriter, r *http.Request) {
	build, ok := h.loadBuild(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, build)
}

// Logs handles GET /v1/builds/{buildID}/logs?after=<seq>.
func (h *BuildHandler) Logs(w http.ResponseWriter, r *http.Request) {
	build, ok := h.loadBuild(w, r)
	if !ok {
		return
	}
	after, err := queryInt(r, "after", 0)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	entries, err := h.store.Logs().List(r.Context(), models.TargetBuild, build.ID, int64(after), defaultLogLimit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []*models.LogEntry{}
	}
	WriteJSON(w, http.StatusOK, entries)
}

func (h *BuildHandler) loadBuild(w http.ResponseWriter, r *http.Request) (*models.Build, bool) {
	build, err := h.store.Builds().Get(r.Context(), chi.URLParam(r, "buildID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, r, "Build not found")
			return nil, false
		}
		writeServiceError(w, r, h.logger, err)
		return nil, false
	}
	if _, ok := authorizeEstate(w, r, h.store, h.logger, build.EstateID); !ok {
		return nil, false
	}
	return build, true
}
