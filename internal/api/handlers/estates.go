package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/sandbox-plane/internal/api/middleware"
	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/store"
	"github.com/narvanalabs/sandbox-plane/internal/validation"
)

// Sealer encrypts values for storage.
type Sealer interface {
	Seal(plaintext string) (string, error)
}

// AgentTokenIssuer mints estate-bound agent tokens.
type AgentTokenIssuer interface {
	GenerateAgentToken(estateID string) (string, error)
}

// EstateHandler handles estate and desired environment endpoints.
type EstateHandler struct {
	store  store.Store
	sealer Sealer
	tokens AgentTokenIssuer
	logger *slog.Logger
}

// NewEstateHandler creates a new estate handler.
func NewEstateHandler(st store.Store, sealer Sealer, tokens AgentTokenIssuer, logger *slog.Logger) *EstateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EstateHandler{store: st, sealer: sealer, tokens: tokens, logger: logger}
}

// CreateEstateRequest is the body of POST /v1/estates.
type CreateEstateRequest struct {
	Name           string `json:"name"`
	RepoFullName   string `json:"repo_full_name"`
	RepoURL        string `json:"repo_url"`
	Branch         string `json:"branch"`
	InstallCommand string `json:"install_command,omitempty"`
	BuildCommand   string `json:"build_command,omitempty"`
	// Token is the repository access token. It is stored encrypted.
	Token string `json:"token,omitempty"`
}

// Create handles POST /v1/estates. The estate belongs to the caller's organisation.
func (h *EstateHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())
	if claims == nil || claims.OrgID == "" {
		WriteForbidden(w, r, "Organization token required")
		return
	}

	var req CreateEstateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	estate := &models.Estate{
		OrgID:          claims.OrgID,
		Name:           req.Name,
		RepoFullName:   req.RepoFullName,
		RepoURL:        req.RepoURL,
		Branch:         req.Branch,
		InstallCommand: req.InstallCommand,
		BuildCommand:   req.BuildCommand,
	}
	if err := estate.Validate(); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if req.Token != "" {
		sealed, err := h.sealer.Seal(req.Token)
		if err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}
		estate.EncryptedToken = sealed
	}

	if err := h.store.Estates().Create(r.Context(), estate); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			WriteBadRequest(w, r, "repository is already bound to an estate")
			return
		}
		writeServiceError(w, r, h.logger, err)
		return
	}

	h.logger.Info("estate created", "estate_id", estate.ID, "repo", estate.RepoFullName)
	WriteJSON(w, http.StatusCreated, estate)
}

// Get handles GET /v1/estates/{estateID}.
func (h *EstateHandler) Get(w http.ResponseWriter, r *http.Request) {
	estate, ok := authorizeEstate(w, r, h.store, h.logger, "")
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, estate)
}

// envKey is what listing returns: values stay encrypted at rest and are
// never echoed to users.
type envKey struct {
	Key       string    `json:"key"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListEnv handles GET /v1/estates/{estateID}/env.
func (h *EstateHandler) ListEnv(w http.ResponseWriter, r *http.Request) {
	estate, ok := authorizeEstate(w, r, h.store, h.logger, "")
	if !ok {
		return
	}
	vars, err := h.store.Estates().ListEnv(r.Context(), estate.ID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	keys := make([]envKey, 0, len(vars))
	for _, v := range vars {
		keys = append(keys, envKey{Key: v.Key, UpdatedAt: v.UpdatedAt})
	}
	WriteJSON(w, http.StatusOK, keys)
}

// SetEnvRequest is the body of PUT /v1/estates/{estateID}/env/{key}.
type SetEnvRequest struct {
	Value string `json:"value"`
}

// SetEnv handles PUT /v1/estates/{estateID}/env/{key}.
func (h *EstateHandler) SetEnv(w http.ResponseWriter, r *http.Request) {
	estate, ok := authorizeEstate(w, r, h.store, h.logger, "")
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	if err := validation.ValidateEnvKey(key); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	var req SetEnvRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if err := validation.ValidateEnvValue(req.Value); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	sealed, err := h.sealer.Seal(req.Value)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	if err := h.store.Estates().SetEnv(r.Context(), &models.EnvVar{EstateID: estate.ID, Key: key, Value: sealed}); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteEnv handles DELETE /v1/estates/{estateID}/env/{key}.
func (h *EstateHandler) DeleteEnv(w http.ResponseWriter, r *http.Request) {
	estate, ok := authorizeEstate(w, r, h.store, h.logger, "")
	if !ok {
		return
	}
	if err := h.store.Estates().DeleteEnv(r.Context(), estate.ID, chi.URLParam(r, "key")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, r, "Environment variable not found")
			return
		}
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AgentToken handles POST /v1/estates/{estateID}/agent-token.
func (h *EstateHandler) AgentToken(w http.ResponseWriter, r *http.Request) {
	estate, ok := authorizeEstate(w, r, h.store, h.logger, "")
	if !ok {
		return
	}
	token, err := h.tokens.GenerateAgentToken(estate.ID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{"estate_id": estate.ID, "token": token})
}
