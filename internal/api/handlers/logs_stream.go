package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/sandbox-plane/internal/logs"
	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/store"
)

// LogStreamHandler handles real-time log streaming via Server-Sent Events.
type LogStreamHandler struct {
	store  store.Store
	broker *logs.Broker
	logger *slog.Logger

	// pingInterval also paces the terminal status check.
	pingInterval time.Duration
}

// NewLogStreamHandler creates a new log stream handler.
func NewLogStreamHandler(st store.Store, broker *logs.Broker, logger *slog.Logger) *LogStreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogStreamHandler{
		store:        st,
		broker:       broker,
		logger:       logger,
		pingInterval: 5 * time.Second,
	}
}

// StreamBuild handles GET /v1/builds/{buildID}/logs/stream.
func (h *LogStreamHandler) StreamBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	build, err := h.store.Builds().Get(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, r, err, "Build not found")
		return
	}
	if _, ok := authorizeEstate(w, r, h.store, h.logger, build.EstateID); !ok {
		return
	}
	h.stream(w, r, logs.Target{Kind: models.TargetBuild, ID: id})
}

// StreamProcess handles GET /v1/processes/{processID}/logs/stream.
func (h *LogStreamHandler) StreamProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "processID")
	proc, err := h.store.Processes().Get(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, r, err, "Process not found")
		return
	}
	if _, ok := authorizeEstate(w, r, h.store, h.logger, proc.EstateID); !ok {
		return
	}
	h.stream(w, r, logs.Target{Kind: models.TargetProcess, ID: id})
}

func (h *LogStreamHandler) writeLookupError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, r, notFound)
		return
	}
	writeServiceError(w, r, h.logger, err)
}

// stream replays stored lines after ?after=, then the broker tail, then live
// lines. Lines are delivered once each in seq order of arrival. The stream
// ends when the target reaches a terminal status or the client goes away.
func (h *LogStreamHandler) stream(w http.ResponseWriter, r *http.Request, target logs.Target) {
	after, err := queryInt(r, "after", 0)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	// Subscribe before reading storage so no line falls between the two.
	sub, backlog := h.broker.Subscribe(target)
	defer h.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	h.sendEvent(w, "connected", map[string]string{"kind": string(target.Kind), "id": target.ID})

	lastSeq := int64(after)
	send := func(e *models.LogEntry) {
		if e.Seq <= lastSeq {
			return
		}
		h.sendEvent(w, "log", e)
		lastSeq = e.Seq
	}

	stored, err := h.store.Logs().List(ctx, target.Kind, target.ID, lastSeq, defaultLogLimit)
	if err != nil {
		h.logger.Error("failed to list logs", "kind", target.Kind, "id", target.ID, "error", err)
	}
	for _, e := range stored {
		send(e)
	}
	for _, e := range backlog {
		send(e)
	}

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("log stream closed by client", "kind", target.Kind, "id", target.ID)
			return
		case e, ok := <-sub.Ch:
			if !ok {
				h.logger.Debug("log stream closed by server", "kind", target.Kind, "id", target.ID)
				return
			}
			send(e)
		case <-ticker.C:
			status, err := h.status(r, target)
			if err != nil {
				h.logger.Error("failed to load status", "kind", target.Kind, "id", target.ID, "error", err)
				continue
			}
			if status.IsTerminal() {
				h.drain(sub, send)
				h.sendEvent(w, "status", map[string]string{"id": target.ID, "status": string(status)})
				return
			}
			h.sendEvent(w, "ping", map[string]int64{"time": time.Now().Unix()})
		}
	}
}

// drain sends lines already queued for sub without blocking.
func (h *LogStreamHandler) drain(sub *logs.Subscriber, send func(*models.LogEntry)) {
	for {
		select {
		case e, ok := <-sub.Ch:
			if !ok {
				return
			}
			send(e)
		default:
			return
		}
	}
}

func (h *LogStreamHandler) status(r *http.Request, target logs.Target) (models.BuildStatus, error) {
	if target.Kind == models.TargetProcess {
		p, err := h.store.Processes().Get(r.Context(), target.ID)
		if err != nil {
			return "", err
		}
		return p.Status, nil
	}
	b, err := h.store.Builds().Get(r.Context(), target.ID)
	if err != nil {
		return "", err
	}
	return b.Status, nil
}

// sendEvent sends a Server-Sent Event.
func (h *LogStreamHandler) sendEvent(w http.ResponseWriter, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal event data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
