package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/narvanalabs/sandbox-plane/internal/api/middleware"
)

// EventServer pumps invalidation messages to a websocket client.
type EventServer interface {
	Serve(ctx context.Context, orgID string, conn *websocket.Conn)
}

// EventsHandler upgrades organisation event subscriptions to websockets.
type EventsHandler struct {
	hub      EventServer
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewEventsHandler creates a new events handler. allowedOrigins restricts
// browser origins; empty accepts same-origin requests only.
func NewEventsHandler(hub EventServer, allowedOrigins []string, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &EventsHandler{hub: hub, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(allowedOrigins) > 0 {
		allowed := make(map[string]bool, len(allowedOrigins))
		for _, o := range allowedOrigins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
	return h
}

// Subscribe handles GET /v1/orgs/{orgID}/events.
func (h *EventsHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	claims := middleware.GetClaims(r.Context())
	if claims == nil {
		WriteUnauthorized(w, r, "Authentication required")
		return
	}
	if !claims.CanAccessOrg(orgID) {
		WriteForbidden(w, r, "Access to organization denied")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		h.logger.Debug("websocket upgrade failed", "org_id", orgID, "error", err)
		return
	}

	h.logger.Debug("event subscriber connected", "org_id", orgID, "subject", claims.Subject)
	h.hub.Serve(r.Context(), orgID, conn)
}
