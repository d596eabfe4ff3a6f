package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/narvanalabs/sandbox-plane/internal/api/errors"
	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/pipeline"
	"github.com/narvanalabs/sandbox-plane/internal/store"
	"github.com/narvanalabs/sandbox-plane/internal/validation"
)

// ProcessRunner launches ad-hoc commands.
type ProcessRunner interface {
	RunProcess(ctx context.Context, estateID string, req *pipeline.ProcessRequest) (*models.Process, error)
}

// ProcessHandler handles process endpoints.
type ProcessHandler struct {
	store  store.Store
	runner ProcessRunner
	logger *slog.Logger
}

// NewProcessHandler creates a new process handler.
func NewProcessHandler(st store.Store, runner ProcessRunner, logger *slog.Logger) *ProcessHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessHandler{store: st, runner: runner, logger: logger}
}

// RunProcessRequest is the body of POST /v1/estates/{estateID}/processes.
type RunProcessRequest struct {
	Command    []string          `json:"command"`
	Env        map[string]string `json:"env,omitempty"`
	Ref        string            `json:"ref,omitempty"`
	Commit     string            `json:"commit,omitempty"`
	NoCheckout bool              `json:"no_checkout,omitempty"`
}

// Run handles POST /v1/estates/{estateID}/processes.
func (h *ProcessHandler) Run(w http.ResponseWriter, r *http.Request) {
	estate, ok := authorizeEstate(w, r, h.store, h.logger, "")
	if !ok {
		return
	}

	var req RunProcessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	proc, err := h.runner.RunProcess(r.Context(), estate.ID, &pipeline.ProcessRequest{
		Command:    req.Command,
		Env:        req.Env,
		Ref:        req.Ref,
		Commit:     req.Commit,
		NoCheckout: req.NoCheckout,
	})
	var verr *validation.Error
	switch {
	case errors.Is(err, pipeline.ErrInvalidCommand):
		WriteBadRequest(w, r, "command is required")
		return
	case errors.Is(err, pipeline.ErrInvalidCommit):
		WriteBadRequest(w, r, err.Error())
		return
	case errors.As(err, &verr):
		WriteBadRequest(w, r, verr.Error())
		return
	case errors.Is(err, pipeline.ErrLaunchFailed):
		h.logger.Warn("process launch failed", "estate_id", estate.ID, "process_id", proc.ID, "error", err)
		apierrors.WriteError(w, r, apierrors.New(apierrors.CodeLaunchFailed, "sandbox launch failed").
			WithDetails(map[string]any{"process_id": proc.ID}))
		return
	case err != nil:
		writeServiceError(w, r, h.logger, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, proc)
}

// Get handles GET /v1/processes/{processID}.
func (h *ProcessHandler) Get(w http.ResponseWriter, r *http.Request) {
	proc, err := h.store.Processes().Get(r.Context(), chi.URLParam(r, "processID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, r, "Process not found")
			return
		}
		writeServiceError(w, r, h.logger, err)
		return
	}
	if _, ok := authorizeEstate(w, r, h.store, h.logger, proc.EstateID); !ok {
		return
	}
	WriteJSON(w, http.StatusOK, proc)
}
