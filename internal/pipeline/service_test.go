package pipeline

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/narvanalabs/sandbox-plane/internal/logs"
	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/notify"
	"github.com/narvanalabs/sandbox-plane/internal/runner"
	"github.com/narvanalabs/sandbox-plane/internal/sandbox"
	"github.com/narvanalabs/sandbox-plane/internal/store"
	"github.com/narvanalabs/sandbox-plane/internal/store/memstore"
	"github.com/narvanalabs/sandbox-plane/internal/validation"
)

type fakeLauncher struct {
	mu       sync.Mutex
	requests []*sandbox.Request
	err      error
}

func (f *fakeLauncher) Launch(_ context.Context, req *sandbox.Request) (*sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &sandbox.Handle{ID: "c-" + req.TargetID}, nil
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []notify.Message
	orgs []string
}

func (f *fakeBroadcaster) Broadcast(orgID string, msg notify.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orgs = append(f.orgs, orgID)
	f.sent = append(f.sent, msg)
}

// prefixDecrypter treats "enc:<x>" as the ciphertext of x.
type prefixDecrypter struct{}

func (prefixDecrypter) Open(c string) (string, error) {
	if !strings.HasPrefix(c, "enc:") {
		return "", errors.New("not encrypted")
	}
	return strings.TrimPrefix(c, "enc:"), nil
}

type fixture struct {
	svc      *Service
	store    *memstore.Store
	launcher *fakeLauncher
	notifier *fakeBroadcaster
	broker   *logs.Broker
	estate   *models.Estate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	estate := &models.Estate{
		ID:             "estate-1",
		OrgID:          "org-1",
		Name:           "web",
		RepoFullName:   "acme/web",
		RepoURL:        "https://github.com/acme/web.git",
		Branch:         "main",
		BuildCommand:   "make build",
		EncryptedToken: "enc:ghs_token",
	}
	if err := st.Estates().Create(context.Background(), estate); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		store:    st,
		launcher: &fakeLauncher{},
		notifier: &fakeBroadcaster{},
		broker:   logs.NewBroker(100, nil),
		estate:   estate,
	}
	svc, err := NewService(Config{
		PublicBaseURL: "https://plane.test",
		SigningSecret: []byte("0123456789abcdef0123456789abcdef"),
	}, Deps{
		Store:     st,
		Launcher:  f.launcher,
		Notifier:  f.notifier,
		Secrets:   prefixDecrypter{},
		Publisher: f.broker,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	f.svc = svc
	return f
}

func push(delivery, branch string) *PushEvent {
	return &PushEvent{
		DeliveryID:    delivery,
		RepoFullName:  "acme/web",
		Branch:        branch,
		CommitHash:    "0123456789abcdef0123456789abcdef01234567",
		CommitMessage: "fix things",
	}
}

func requestURI(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u.RequestURI()
}

func TestNewServiceRequiresHTTPS(t *testing.T) {
	_, err := NewService(Config{PublicBaseURL: "http://plane.test", SigningSecret: []byte("k")}, Deps{})
	if err == nil {
		t.Fatal("expected error for http base url")
	}
}

func TestTriggerBuildLaunchesSandbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.TriggerBuild(ctx, push("d-1", "main"))
	if err != nil {
		t.Fatalf("TriggerBuild() error = %v", err)
	}
	if res.Duplicate {
		t.Error("first delivery flagged duplicate")
	}

	stored, err := f.store.Builds().Get(ctx, res.Build.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.BuildStatusInProgress || stored.CommitMessage != "fix things" || stored.WebhookEventID != "d-1" {
		t.Errorf("stored build = %+v", stored)
	}

	if len(f.launcher.requests) != 1 {
		t.Fatalf("launches = %d", len(f.launcher.requests))
	}
	req := f.launcher.requests[0]
	if req.Kind != sandbox.KindBuild || req.TargetID != res.Build.ID || req.EstateID != "estate-1" {
		t.Errorf("request = %+v", req)
	}
	task, ok := req.Task.(*runner.BuildTask)
	if !ok {
		t.Fatalf("task type %T", req.Task)
	}
	if task.Token != "ghs_token" || !task.IsCommitHash || task.CheckoutTarget != stored.CommitHash {
		t.Errorf("task = %+v", task)
	}
	if task.BuildCommand != "make build" || task.WorkDir != DefaultWorkDir {
		t.Errorf("task = %+v", task)
	}
	if !strings.HasPrefix(task.CallbackURL, "https://plane.test/callbacks/builds/"+res.Build.ID+"?") {
		t.Errorf("callback url = %s", task.CallbackURL)
	}
	if !f.svc.VerifyCallback(requestURI(t, task.CallbackURL)) {
		t.Error("callback url does not verify")
	}
	if !f.svc.VerifyIngest(requestURI(t, task.IngestURL)) {
		t.Error("ingest url does not verify")
	}
	if f.svc.VerifyCallback(requestURI(t, task.IngestURL)) {
		t.Error("ingest url must not verify as callback")
	}

	if len(f.notifier.sent) != 1 || f.notifier.orgs[0] != "org-1" || f.notifier.sent[0].Type != notify.TypeBuildsInvalidate {
		t.Errorf("broadcasts = %v %v", f.notifier.orgs, f.notifier.sent)
	}
}

func TestTriggerBuildBranchMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.TriggerBuild(ctx, push("d-1", "feature"))
	if !errors.Is(err, ErrBranchMismatch) {
		t.Fatalf("err = %v, want ErrBranchMismatch", err)
	}
	builds, _ := f.store.Builds().ListByEstate(ctx, "estate-1", 10)
	if len(builds) != 0 {
		t.Errorf("builds = %d, want 0", len(builds))
	}
	if len(f.launcher.requests) != 0 || len(f.notifier.sent) != 0 {
		t.Error("branch mismatch must not launch or broadcast")
	}
}

func TestTriggerBuildUnknownRepository(t *testing.T) {
	f := newFixture(t)
	ev := push("d-1", "main")
	ev.RepoFullName = "acme/other"
	if _, err := f.svc.TriggerBuild(context.Background(), ev); !errors.Is(err, ErrUnknownRepository) {
		t.Fatalf("err = %v", err)
	}
}

func TestTriggerBuildDuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.TriggerBuild(ctx, push("d-1", "main"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.TriggerBuild(ctx, push("d-1", "main"))
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate || second.Build.ID != first.Build.ID {
		t.Errorf("second = %+v", second)
	}
	if len(f.launcher.requests) != 1 {
		t.Errorf("launches = %d, want 1", len(f.launcher.requests))
	}
}

func TestTriggerBuildLaunchFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.launcher.err = errors.New("docker unavailable")
	ctx := context.Background()

	res, err := f.svc.TriggerBuild(ctx, push("d-1", "main"))
	if !errors.Is(err, ErrLaunchFailed) {
		t.Fatalf("err = %v, want ErrLaunchFailed", err)
	}
	stored, _ := f.store.Builds().Get(ctx, res.Build.ID)
	if stored.Status != models.BuildStatusFailed || !strings.Contains(stored.Output, "docker unavailable") {
		t.Errorf("stored = %+v", stored)
	}
	if res.Build.Status != models.BuildStatusFailed {
		t.Errorf("result status = %s", res.Build.Status)
	}
	if len(f.notifier.sent) != 2 {
		t.Errorf("broadcasts = %d, want 2", len(f.notifier.sent))
	}
}

func TestCompleteBuildIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.svc.TriggerBuild(ctx, push("d-1", "main"))

	first, err := f.svc.CompleteBuild(ctx, res.Build.ID, &runner.CallbackResult{Status: "completed", ExitCode: 0, Output: "ok"})
	if err != nil {
		t.Fatal(err)
	}
	if !first.Updated || first.Build.Status != models.BuildStatusCompleted {
		t.Errorf("first = %+v", first)
	}

	second, err := f.svc.CompleteBuild(ctx, res.Build.ID, &runner.CallbackResult{Status: "failed", ExitCode: 2, Output: "late"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Updated || second.Build.Status != models.BuildStatusCompleted || second.Build.Output != "ok" {
		t.Errorf("second = %+v", second.Build)
	}
}

func TestCompleteBuildRejectsNonTerminalStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.svc.TriggerBuild(ctx, push("d-1", "main"))

	_, err := f.svc.CompleteBuild(ctx, res.Build.ID, &runner.CallbackResult{Status: "in_progress"})
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("err = %v", err)
	}
	if _, err := f.svc.CompleteBuild(ctx, "missing", &runner.CallbackResult{Status: "failed"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
}

func TestRunProcessMergesEnv(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Estates().SetEnv(ctx, &models.EnvVar{EstateID: "estate-1", Key: "DB_URL", Value: "enc:postgres://db"})
	f.store.Estates().SetEnv(ctx, &models.EnvVar{EstateID: "estate-1", Key: "MODE", Value: "enc:prod"})

	proc, err := f.svc.RunProcess(ctx, "estate-1", &ProcessRequest{
		Command: []string{"npm", "run", "migrate"},
		Env:     map[string]string{"MODE": "debug"},
		Commit:  "abcdef1",
	})
	if err != nil {
		t.Fatalf("RunProcess() error = %v", err)
	}

	task := f.launcher.requests[0].Task.(*runner.ExecTask)
	if task.Env["DB_URL"] != "postgres://db" || task.Env["MODE"] != "debug" {
		t.Errorf("env = %v", task.Env)
	}
	if task.CheckoutTarget != "abcdef1" || !task.IsCommitHash || task.RepoURL == "" {
		t.Errorf("task = %+v", task.Common)
	}
	if task.ProcessID != proc.ID || f.launcher.requests[0].Kind != sandbox.KindExec {
		t.Errorf("request = %+v", f.launcher.requests[0])
	}
}

func TestRunProcessWithoutCheckout(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RunProcess(context.Background(), "estate-1", &ProcessRequest{Command: []string{"env"}, NoCheckout: true})
	if err != nil {
		t.Fatal(err)
	}
	task := f.launcher.requests[0].Task.(*runner.ExecTask)
	if task.RepoURL != "" || task.Token != "" {
		t.Errorf("task = %+v", task.Common)
	}
}

func TestRunProcessValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.RunProcess(ctx, "estate-1", &ProcessRequest{}); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("err = %v", err)
	}
	if _, err := f.svc.RunProcess(ctx, "nope", &ProcessRequest{Command: []string{"ls"}}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
	var verr *validation.Error
	_, err := f.svc.RunProcess(ctx, "estate-1", &ProcessRequest{Command: []string{"ls"}, Env: map[string]string{"BAD-KEY": "x"}})
	if !errors.As(err, &verr) {
		t.Errorf("err = %v, want validation error", err)
	}
	if len(f.launcher.requests) != 0 {
		t.Errorf("launched %d sandboxes for invalid requests", len(f.launcher.requests))
	}
}

func TestIngestFinalizesProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proc, err := f.svc.RunProcess(ctx, "estate-1", &ProcessRequest{Command: []string{"false"}})
	if err != nil {
		t.Fatal(err)
	}

	sub, _ := f.broker.Subscribe(logs.Target{Kind: models.TargetProcess, ID: proc.ID})
	defer f.broker.Unsubscribe(sub)

	exit := 7
	batch := []models.LogItem{
		{Seq: 1, TS: 1000, Stream: models.StreamStdout, Message: "starting", Event: string(runner.ProcessStarted)},
		{Seq: 2, TS: 2000, Stream: models.StreamStderr, Message: "boom"},
		{Seq: 3, TS: 3000, Stream: models.StreamStdout, Message: "exit 7", Event: string(runner.ProcessFailed), Complete: true, ExitCode: &exit},
	}
	n, err := f.svc.IngestLogs(ctx, models.TargetProcess, proc.ID, batch)
	if err != nil || n != 3 {
		t.Fatalf("IngestLogs() = %d, %v", n, err)
	}

	stored, _ := f.store.Processes().Get(ctx, proc.ID)
	if stored.Status != models.BuildStatusFailed || stored.ExitCode == nil || *stored.ExitCode != 7 {
		t.Errorf("process = %+v", stored)
	}
	if len(sub.Ch) != 3 {
		t.Errorf("published = %d, want 3", len(sub.Ch))
	}

	n, err = f.svc.IngestLogs(ctx, models.TargetProcess, proc.ID, batch)
	if err != nil || n != 0 {
		t.Errorf("retry IngestLogs() = %d, %v", n, err)
	}
}

func TestIngestRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.svc.TriggerBuild(ctx, push("d-1", "main"))

	if _, err := f.svc.IngestLogs(ctx, models.TargetBuild, "missing", nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing target err = %v", err)
	}
	if _, err := f.svc.IngestLogs(ctx, "deploy", res.Build.ID, nil); !errors.Is(err, ErrInvalidLogs) {
		t.Errorf("bad kind err = %v", err)
	}
	bad := []models.LogItem{{Seq: 1, Stream: "stdin"}}
	if _, err := f.svc.IngestLogs(ctx, models.TargetBuild, res.Build.ID, bad); !errors.Is(err, ErrInvalidLogs) {
		t.Errorf("bad stream err = %v", err)
	}
}

func TestIngestBuildDoesNotChangeStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.svc.TriggerBuild(ctx, push("d-1", "main"))

	items := []models.LogItem{{Seq: 1, Stream: models.StreamStdout, Event: string(runner.BuildFailed), Complete: true}}
	if _, err := f.svc.IngestLogs(ctx, models.TargetBuild, res.Build.ID, items); err != nil {
		t.Fatal(err)
	}
	stored, _ := f.store.Builds().Get(ctx, res.Build.ID)
	if stored.Status != models.BuildStatusInProgress {
		t.Errorf("status = %s, builds complete only via callback", stored.Status)
	}
}

func TestIsCommitHash(t *testing.T) {
	tests := []struct {
		ref  string
		want bool
	}{
		{"main", false},
		{"abcdef1", false},
		{"cafebabe", false},
		{"ABCDEF1", false},
		{"abc", false},
		{"0123456789abcdef0123456789abcdef01234567", true},
		{"0123456789ABCDEF0123456789ABCDEF01234567", false},
	}
	for _, tt := range tests {
		if got := isCommitHash(tt.ref); got != tt.want {
			t.Errorf("isCommitHash(%q) = %v, want %v", tt.ref, got, tt.want)
		}
	}
}

func TestRunProcessRefKinds(t *testing.T) {
	tests := []struct {
		name       string
		req        ProcessRequest
		wantTarget string
		wantHash   bool
	}{
		{"hex-looking branch", ProcessRequest{Ref: "cafebabe"}, "cafebabe", false},
		{"full sha ref", ProcessRequest{Ref: "0123456789abcdef0123456789abcdef01234567"}, "0123456789abcdef0123456789abcdef01234567", true},
		{"abbreviated commit", ProcessRequest{Ref: "main", Commit: "abcdef1"}, "abcdef1", true},
		{"estate branch", ProcessRequest{}, "main", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := tt.req
			req.Command = []string{"make", "test"}
			if _, err := f.svc.RunProcess(context.Background(), "estate-1", &req); err != nil {
				t.Fatalf("RunProcess() error = %v", err)
			}
			task := f.launcher.requests[0].Task.(*runner.ExecTask)
			if task.CheckoutTarget != tt.wantTarget || task.IsCommitHash != tt.wantHash {
				t.Errorf("checkout = %q (hash %v), want %q (hash %v)",
					task.CheckoutTarget, task.IsCommitHash, tt.wantTarget, tt.wantHash)
			}
		})
	}
}

func TestRunProcessRejectsBadCommit(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RunProcess(context.Background(), "estate-1", &ProcessRequest{
		Command: []string{"make"},
		Commit:  "not-a-sha",
	})
	if !errors.Is(err, ErrInvalidCommit) {
		t.Fatalf("RunProcess() error = %v, want ErrInvalidCommit", err)
	}
	if len(f.launcher.requests) != 0 {
		t.Errorf("launched %d sandboxes for an invalid commit", len(f.launcher.requests))
	}
}
