package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/sandbox-plane/internal/api/middleware"
	"github.com/narvanalabs/sandbox-plane/internal/auth"
	"github.com/narvanalabs/sandbox-plane/internal/logs"
	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/store/memstore"
)

func TestVerifySignature(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"ref":"refs/heads/main"}`)
	valid := SignPayload(secret, body)

	tests := []struct {
		name   string
		secret []byte
		header string
		want   bool
	}{
		{"valid", secret, valid, true},
		{"missing", secret, "", false},
		{"no prefix", secret, strings.TrimPrefix(valid, "sha256="), false},
		{"sha1", secret, "sha1=" + strings.TrimPrefix(valid, "sha256="), false},
		{"not hex", secret, "sha256=zz", false},
		{"wrong secret", []byte("other"), valid, false},
		{"empty secret", nil, valid, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.secret, body, tt.header); got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func seedBuild(t *testing.T, status models.BuildStatus) (*memstore.Store, *models.Build) {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	if err := st.Estates().Create(ctx, &models.Estate{
		ID: "estate-1", OrgID: "org-1", RepoFullName: "acme/web",
		RepoURL: "https://github.com/acme/web.git", Branch: "main",
	}); err != nil {
		t.Fatal(err)
	}
	build := &models.Build{ID: "build-1", EstateID: "estate-1", Status: models.BuildStatusInProgress, Branch: "main", StartedAt: time.Now()}
	if err := st.Builds().Create(ctx, build); err != nil {
		t.Fatal(err)
	}
	if status.IsTerminal() {
		if err := st.Builds().Complete(ctx, build.ID, &models.BuildCompletion{Status: status, CompletedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	return st, build
}

func streamRequest(t *testing.T, h *LogStreamHandler, orgID, target string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/v1/builds/{buildID}/logs/stream", h.StreamBuild)

	req := httptest.NewRequest(http.MethodGet, target, nil)
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	req = req.WithContext(middleware.WithClaims(ctx, &auth.Claims{Subject: "u", Scope: auth.ScopeUser, OrgID: orgID}))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestLogStreamReplaysAndEndsOnTerminalStatus(t *testing.T) {
	st, build := seedBuild(t, models.BuildStatusCompleted)
	if _, err := st.Logs().Append(context.Background(), models.TargetBuild, build.ID, []models.LogItem{
		{Seq: 1, Stream: models.StreamStdout, Message: "first"},
		{Seq: 2, Stream: models.StreamStdout, Message: "second"},
	}); err != nil {
		t.Fatal(err)
	}

	broker := logs.NewBroker(10, nil)
	// The tail repeats seq 2, which must not be sent twice.
	broker.Publish([]*models.LogEntry{
		{TargetKind: models.TargetBuild, TargetID: build.ID, Seq: 2, Message: "second"},
		{TargetKind: models.TargetBuild, TargetID: build.ID, Seq: 3, Message: "third"},
	})

	h := NewLogStreamHandler(st, broker, nil)
	h.pingInterval = 10 * time.Millisecond

	rec := streamRequest(t, h, "org-1", "/v1/builds/build-1/logs/stream?after=1")
	body := rec.Body.String()

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if strings.Contains(body, `"first"`) {
		t.Error("stream replayed a line at or before ?after=")
	}
	if n := strings.Count(body, `"second"`); n != 1 {
		t.Errorf("second sent %d times, want 1", n)
	}
	if !strings.Contains(body, `"third"`) {
		t.Error("stream missing tail line")
	}
	if !strings.Contains(body, "event: status") || !strings.Contains(body, `"completed"`) {
		t.Errorf("stream did not end with status event:\n%s", body)
	}
	if broker.SubscriberCount() != 0 {
		t.Error("subscriber not removed after stream ended")
	}
}

func TestLogStreamHidesOtherOrganisations(t *testing.T) {
	st, _ := seedBuild(t, models.BuildStatusCompleted)
	h := NewLogStreamHandler(st, logs.NewBroker(10, nil), nil)

	rec := streamRequest(t, h, "org-2", "/v1/builds/build-1/logs/stream")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
