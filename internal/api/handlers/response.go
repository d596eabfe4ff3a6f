// Package handlers implements the HTTP endpoints of the control plane.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/narvanalabs/sandbox-plane/internal/api/errors"
	"github.com/narvanalabs/sandbox-plane/internal/api/middleware"
	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/store"
)

// maxJSONBody bounds ordinary JSON request bodies.
const maxJSONBody = 1 << 20

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

// WriteBadRequest writes a 400 validation error.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	apierrors.WriteError(w, r, apierrors.NewValidationError(message))
}

// WriteNotFound writes a 404 error.
func WriteNotFound(w http.ResponseWriter, r *http.Request, message string) {
	apierrors.WriteError(w, r, apierrors.NewNotFoundError(message))
}

// WriteUnauthorized writes a 401 error.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	apierrors.WriteError(w, r, apierrors.NewUnauthorizedError(message))
}

// WriteForbidden writes a 403 error.
func WriteForbidden(w http.ResponseWriter, r *http.Request, message string) {
	apierrors.WriteError(w, r, apierrors.NewForbiddenError(message))
}

// writeServiceError maps err to an API error and logs unexpected ones.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	apiErr := apierrors.FromError(err)
	if apiErr.Code == apierrors.CodeInternalError {
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	apierrors.WriteError(w, r, apiErr)
}

// decodeJSON decodes a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body too large")
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is empty")
		}
		return fmt.Errorf("invalid JSON: %v", err)
	}
	return nil
}

// queryInt parses an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// authorizeEstate loads the estate named by the estateID URL parameter and
// checks the caller may act on it. It writes the error response itself.
// Estates of other organisations are reported as not found.
func authorizeEstate(w http.ResponseWriter, r *http.Request, st store.Store, logger *slog.Logger, estateID string) (*models.Estate, bool) {
	if estateID == "" {
		estateID = chi.URLParam(r, "estateID")
	}
	claims := middleware.GetClaims(r.Context())
	if claims == nil {
		WriteUnauthorized(w, r, "Authentication required")
		return nil, false
	}

	estate, err := st.Estates().Get(r.Context(), estateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, r, "Estate not found")
			return nil, false
		}
		writeServiceError(w, r, logger, err)
		return nil, false
	}
	if !claims.CanAccessEstate(estate.ID, estate.OrgID) {
		WriteNotFound(w, r, "Estate not found")
		return nil, false
	}
	return estate, true
}
