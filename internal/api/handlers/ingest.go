package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"

	apierrors "github.com/narvanalabs/sandbox-plane/internal/api/errors"
	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/pipeline"
)

// maxIngestBody bounds a decompressed ingest payload.
const maxIngestBody = 8 << 20

// LogIngester stores signed log batches.
type LogIngester interface {
	VerifyIngest(requestURI string) bool
	IngestLogs(ctx context.Context, kind models.TargetKind, targetID string, items []models.LogItem) (int, error)
}

// IngestHandler receives log batches from sandbox streamers.
type IngestHandler struct {
	ingester LogIngester
	logger   *slog.Logger
}

// NewIngestHandler creates an ingest handler.
func NewIngestHandler(ingester LogIngester, logger *slog.Logger) *IngestHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestHandler{ingester: ingester, logger: logger}
}

// ingestPayload is the streamer body: metadata fields plus logs. A batch
// without logs is a heartbeat.
type ingestPayload struct {
	Logs []models.LogItem `json:"logs"`
}

// Ingest handles POST /ingest/{kind}/{id}.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	if !h.ingester.VerifyIngest(r.URL.RequestURI()) {
		WriteUnauthorized(w, r, "invalid or expired signature")
		return
	}

	kind := models.TargetKind(chi.URLParam(r, "kind"))
	id := chi.URLParam(r, "id")

	body := io.Reader(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(body)
		if err != nil {
			WriteBadRequest(w, r, "invalid gzip body")
			return
		}
		defer gz.Close()
		body = io.LimitReader(gz, maxIngestBody+1)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierrors.WriteError(w, r, apierrors.New(apierrors.CodeTooLarge, "payload too large"))
			return
		}
		WriteBadRequest(w, r, "could not read body")
		return
	}
	if len(data) > maxIngestBody {
		apierrors.WriteError(w, r, apierrors.New(apierrors.CodeTooLarge, "payload too large"))
		return
	}

	var payload ingestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		WriteBadRequest(w, r, "invalid JSON")
		return
	}

	stored, err := h.ingester.IngestLogs(r.Context(), kind, id, payload.Logs)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidLogs) {
			WriteBadRequest(w, r, err.Error())
			return
		}
		writeServiceError(w, r, h.logger, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]int{"stored": stored})
}
