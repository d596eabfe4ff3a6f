package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/narvanalabs/sandbox-plane/internal/metrics"
	"github.com/narvanalabs/sandbox-plane/internal/pipeline"
)

// maxWebhookBody bounds webhook payloads. Push events with long histories
// can reach tens of megabytes.
const maxWebhookBody = 32 << 20

const branchRefPrefix = "refs/heads/"

// BuildTrigger starts builds for pushes.
type BuildTrigger interface {
	TriggerBuild(ctx context.Context, ev *pipeline.PushEvent) (*pipeline.TriggerResult, error)
}

// WebhookHandler verifies and dispatches GitHub webhooks.
type WebhookHandler struct {
	secret  []byte
	trigger BuildTrigger
	logger  *slog.Logger
}

// NewWebhookHandler creates a webhook handler verifying with secret.
func NewWebhookHandler(secret []byte, trigger BuildTrigger, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{secret: secret, trigger: trigger, logger: logger}
}

type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	HeadCommit *struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"head_commit"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type webhookResponse struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	BuildID   string `json:"build_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// GitHub handles POST /webhooks/github.
func (h *WebhookHandler) GitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		WriteBadRequest(w, r, "could not read body")
		return
	}

	if !VerifySignature(h.secret, body, r.Header.Get("X-Hub-Signature-256")) {
		h.logger.Warn("webhook signature verification failed", "remote_addr", r.RemoteAddr)
		metrics.IncWebhook("unauthorized")
		WriteUnauthorized(w, r, "invalid signature")
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	logger := h.logger.With("event", event, "delivery_id", deliveryID)

	if event != "push" {
		logger.Debug("ignoring webhook event")
		h.ignore(w, "unsupported event")
		return
	}

	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.Warn("invalid push payload", "error", err)
		WriteBadRequest(w, r, "invalid push payload")
		return
	}
	if payload.Deleted {
		h.ignore(w, "branch deleted")
		return
	}
	if !strings.HasPrefix(payload.Ref, branchRefPrefix) {
		h.ignore(w, "not a branch push")
		return
	}

	ev := &pipeline.PushEvent{
		DeliveryID:   deliveryID,
		RepoFullName: payload.Repository.FullName,
		Branch:       strings.TrimPrefix(payload.Ref, branchRefPrefix),
		CommitHash:   payload.After,
	}
	if payload.HeadCommit != nil {
		ev.CommitMessage = payload.HeadCommit.Message
		if ev.CommitHash == "" {
			ev.CommitHash = payload.HeadCommit.ID
		}
	}

	res, err := h.trigger.TriggerBuild(r.Context(), ev)
	switch {
	case errors.Is(err, pipeline.ErrUnknownRepository):
		h.ignore(w, "unknown repository")
		return
	case errors.Is(err, pipeline.ErrBranchMismatch):
		h.ignore(w, "branch not tracked")
		return
	case errors.Is(err, pipeline.ErrLaunchFailed):
		// The build is recorded as failed; the delivery itself succeeded.
		metrics.IncWebhook("launch_failed")
		WriteJSON(w, http.StatusAccepted, webhookResponse{Status: string(res.Build.Status), BuildID: res.Build.ID})
		return
	case err != nil:
		logger.Error("failed to trigger build", "error", err)
		metrics.IncWebhook("error")
		writeServiceError(w, r, logger, err)
		return
	}

	if res.Duplicate {
		metrics.IncWebhook("duplicate")
		WriteJSON(w, http.StatusOK, webhookResponse{Status: string(res.Build.Status), BuildID: res.Build.ID, Duplicate: true})
		return
	}

	metrics.IncWebhook("triggered")
	WriteJSON(w, http.StatusAccepted, webhookResponse{Status: string(res.Build.Status), BuildID: res.Build.ID})
}

func (h *WebhookHandler) ignore(w http.ResponseWriter, reason string) {
	metrics.IncWebhook("ignored")
	WriteJSON(w, http.StatusOK, webhookResponse{Status: "ignored", Reason: reason})
}

// VerifySignature checks a GitHub "sha256=<hex>" signature header.
func VerifySignature(secret, body []byte, header string) bool {
	if len(secret) == 0 {
		return false
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	provided, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// SignPayload returns the signature header GitHub would send for body.
func SignPayload(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
