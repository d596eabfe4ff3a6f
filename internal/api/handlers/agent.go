package handlers

import (
	"log/slog"
	"net/http"

	"github.com/narvanalabs/sandbox-plane/internal/api/middleware"
	"github.com/narvanalabs/sandbox-plane/internal/store"
)

// BootstrapResponse is the desired environment served to an estate agent.
// Values are age-armored; only the agent holds the key to open them.
type BootstrapResponse struct {
	EstateID string            `json:"estate_id"`
	Env      map[string]string `json:"env"`
}

// AgentHandler serves estate agents.
type AgentHandler struct {
	store  store.Store
	logger *slog.Logger
}

// NewAgentHandler creates a new agent handler.
func NewAgentHandler(st store.Store, logger *slog.Logger) *AgentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentHandler{store: st, logger: logger}
}

// Bootstrap handles GET /v1/agent/bootstrap for the estate in the token.
func (h *AgentHandler) Bootstrap(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())
	if claims == nil || claims.EstateID == "" {
		WriteForbidden(w, r, "Agent token required")
		return
	}
	estate, ok := authorizeEstate(w, r, h.store, h.logger, claims.EstateID)
	if !ok {
		return
	}

	vars, err := h.store.Estates().ListEnv(r.Context(), estate.ID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	env := make(map[string]string, len(vars))
	for _, v := range vars {
		env[v.Key] = v.Value
	}
	WriteJSON(w, http.StatusOK, BootstrapResponse{EstateID: estate.ID, Env: env})
}
