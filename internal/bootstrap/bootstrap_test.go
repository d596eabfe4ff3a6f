package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type fakeControlPlane struct {
	mu    sync.Mutex
	env   map[string]string
	err   error
	calls int
}

func (f *fakeControlPlane) FetchEnv(context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]string, len(f.env))
	for k, v := range f.env {
		out[k] = v
	}
	return out, nil
}

func (f *fakeControlPlane) set(env map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.env = env
}

func (f *fakeControlPlane) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type plainDecrypter struct{}

func (plainDecrypter) OpenAll(env map[string]string) (map[string]string, error) { return env, nil }

type countingRestarter struct {
	n   atomic.Int32
	err error
}

func (r *countingRestarter) Restart(context.Context) error {
	r.n.Add(1)
	return r.err
}

func newTestScheduler(t *testing.T, cp ControlPlane, restarter Restarter) (*Scheduler, string) {
	t.Helper()
	dir := t.TempDir()
	envFile := filepath.Join(dir, "agent.env")
	guard := NewRestartGuard(filepath.Join(dir, "restart.marker"), time.Minute)
	s := NewScheduler(Config{EnvFile: envFile}, cp, plainDecrypter{}, restarter, guard, nil)
	return s, envFile
}

func TestNextDelayStaysWithinJitter(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("delay is interval plus or minus jitter", prop.ForAll(
		func(r float64) bool {
			d := nextDelay(DefaultInterval, DefaultJitter, r)
			return d >= DefaultInterval-DefaultJitter && d <= DefaultInterval+DefaultJitter
		},
		gen.Float64Range(0, 0.999999),
	))

	properties.TestingRun(t)
}

func TestNextDelaySpansBothSides(t *testing.T) {
	if d := nextDelay(30*time.Minute, 5*time.Minute, 0); d != 25*time.Minute {
		t.Errorf("r=0: %v, want 25m", d)
	}
	if d := nextDelay(30*time.Minute, 5*time.Minute, 0.5); d != 30*time.Minute {
		t.Errorf("r=0.5: %v, want 30m", d)
	}
}

func TestApplyEnvFileCountsChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "agent.env")

	res, err := ApplyEnvFile(path, map[string]string{"A": "1", "B": "two words"})
	if err != nil {
		t.Fatalf("ApplyEnvFile() error = %v", err)
	}
	if *res != (ApplyResult{Injected: 2}) {
		t.Errorf("first apply = %+v", *res)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("mode = %o, want 600", perm)
	}

	res, err = ApplyEnvFile(path, map[string]string{"B": "two words"})
	if err != nil {
		t.Fatal(err)
	}
	if res.HasChanges() != true || res.Removed != 1 {
		t.Errorf("removal apply = %+v", *res)
	}

	res, err = ApplyEnvFile(path, map[string]string{"B": "changed", "C": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if *res != (ApplyResult{Injected: 1, Changed: 1}) {
		t.Errorf("change apply = %+v", *res)
	}

	res, err = ApplyEnvFile(path, map[string]string{"B": "changed", "C": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if res.HasChanges() {
		t.Errorf("identical apply reported changes: %+v", *res)
	}

	current, _, err := readEnvFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(current) != 2 || current["B"] != "changed" || current["C"] != "x" {
		t.Errorf("file content = %v", current)
	}
}

func TestApplyEnvFileIsStableForAwkwardValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.env")
	desired := map[string]string{
		"APP_CONFIG": `--opts="fast"`,
		"QUOTED":     `has "quotes"`,
		"TRAILING":   `ends with \`,
		"BACKSLASH":  `C:\dir\file`,
		"DOLLAR":     "price $5 and ${HOME}",
		"MULTILINE":  "line one\nline two\n",
		"SINGLE":     "it's",
		"PLAIN":      "value",
	}

	first, err := ApplyEnvFile(path, desired)
	if err != nil {
		t.Fatalf("ApplyEnvFile() error = %v", err)
	}
	if first.Injected+first.Skipped != len(desired) {
		t.Errorf("first apply = %+v, want every key injected or skipped", *first)
	}
	if first.Skipped != len(Unencodable(desired)) {
		t.Errorf("Skipped = %d, Unencodable = %v", first.Skipped, Unencodable(desired))
	}

	current, raw, err := readEnvFile(path)
	if err != nil {
		t.Fatal(err)
	}
	skipped := map[string]bool{}
	for _, k := range Unencodable(desired) {
		skipped[k] = true
	}
	if skipped["PLAIN"] {
		t.Error("plain value reported as unencodable")
	}
	for k, v := range desired {
		got, ok := current[k]
		switch {
		case skipped[k] && ok:
			t.Errorf("%s: skipped key written to file as %q", k, got)
		case !skipped[k] && got != v:
			t.Errorf("%s: file holds %q, want %q", k, got, v)
		}
	}

	for i := 0; i < 3; i++ {
		res, err := ApplyEnvFile(path, desired)
		if err != nil {
			t.Fatal(err)
		}
		if res.HasChanges() {
			t.Fatalf("apply %d of an unchanged env reported changes: %+v", i+2, *res)
		}
		_, again, err := readEnvFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if string(again) != string(raw) {
			t.Fatalf("apply %d rewrote the file", i+2)
		}
	}
}

func TestRunOnceUnchangedAwkwardEnvDoesNotRestart(t *testing.T) {
	cp := &fakeControlPlane{env: map[string]string{"APP_CONFIG": `--opts="fast"`, "DOLLAR": "$PATH"}}
	restarter := &countingRestarter{}
	s, _ := newTestScheduler(t, cp, restarter)
	ctx := context.Background()

	if _, err := s.RunOnce(ctx, ModeAutomatic); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	// Let the guard expire so only the change check can prevent a restart.
	s.guard.now = func() time.Time { return time.Now().Add(time.Hour) }
	for i := 0; i < 3; i++ {
		res, err := s.RunOnce(ctx, ModeAutomatic)
		if err != nil {
			t.Fatal(err)
		}
		if res.HasChanges() || res.Restarted {
			t.Fatalf("cycle %d = %+v, want no change", i+2, *res)
		}
	}
	if n := restarter.n.Load(); n > 1 {
		t.Errorf("restarts = %d, want at most 1", n)
	}
}

func TestRestartGuard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart.marker")
	g := NewRestartGuard(path, time.Minute)

	if recent, err := g.Recent(); err != nil || recent {
		t.Fatalf("Recent() without marker = %v, %v", recent, err)
	}
	if err := g.Mark(); err != nil {
		t.Fatalf("Mark() error = %v", err)
	}
	if recent, _ := g.Recent(); !recent {
		t.Error("Recent() right after Mark() = false")
	}

	old := time.Now().Add(-2 * time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	if recent, _ := g.Recent(); recent {
		t.Error("Recent() with expired marker = true")
	}
}

func TestRunOnceAutomaticRestartIsGuarded(t *testing.T) {
	cp := &fakeControlPlane{env: map[string]string{"A": "1"}}
	restarter := &countingRestarter{}
	s, _ := newTestScheduler(t, cp, restarter)
	ctx := context.Background()

	res, err := s.RunOnce(ctx, ModeAutomatic)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if !res.Restarted || restarter.n.Load() != 1 {
		t.Fatalf("first run restarted = %v, restarts = %d", res.Restarted, restarter.n.Load())
	}

	// A second change inside the guard TTL must not restart again.
	cp.set(map[string]string{"A": "2"})
	res, err = s.RunOnce(ctx, ModeAutomatic)
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed != 1 || res.Restarted {
		t.Errorf("guarded run = %+v", *res)
	}
	if restarter.n.Load() != 1 {
		t.Errorf("restarts = %d, want 1", restarter.n.Load())
	}

	// No change, no restart even once the guard expires.
	s.guard.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := s.RunOnce(ctx, ModeAutomatic); err != nil {
		t.Fatal(err)
	}
	if restarter.n.Load() != 1 {
		t.Errorf("restart without change: restarts = %d", restarter.n.Load())
	}
}

func TestRunOnceManualNeverRestarts(t *testing.T) {
	cp := &fakeControlPlane{env: map[string]string{"A": "1"}}
	restarter := &countingRestarter{}
	s, envFile := newTestScheduler(t, cp, restarter)

	res, err := s.RunOnce(context.Background(), ModeManual)
	if err != nil {
		t.Fatal(err)
	}
	if res.Injected != 1 || restarter.n.Load() != 0 {
		t.Errorf("manual run = %+v, restarts = %d", *res, restarter.n.Load())
	}
	if _, err := os.Stat(envFile); err != nil {
		t.Errorf("env file not written: %v", err)
	}
}

func TestBootstrapPropagatesFailure(t *testing.T) {
	cp := &fakeControlPlane{err: errors.New("connection refused")}
	s, _ := newTestScheduler(t, cp, nil)

	if _, err := s.Bootstrap(context.Background()); err == nil {
		t.Fatal("Bootstrap() error = nil, want failure")
	}
}

func TestUnconfiguredSchedulerIsInert(t *testing.T) {
	s := NewScheduler(Config{EnvFile: filepath.Join(t.TempDir(), "env")}, nil, plainDecrypter{}, nil, nil, nil)

	s.Start(context.Background())
	if s.Running() {
		t.Error("Running() = true without control plane")
	}
	if _, err := s.Bootstrap(context.Background()); err != nil {
		t.Errorf("Bootstrap() error = %v", err)
	}
	if _, err := s.RunOnce(context.Background(), ModeManual); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("RunOnce() error = %v, want ErrNotConfigured", err)
	}
}

func TestSchedulerLoopSwallowsFailures(t *testing.T) {
	cp := &fakeControlPlane{err: errors.New("unavailable")}
	dir := t.TempDir()
	s := NewScheduler(Config{EnvFile: filepath.Join(dir, "env"), Interval: 5 * time.Millisecond, Jitter: time.Millisecond},
		cp, plainDecrypter{}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Start(ctx)
	if !s.Running() {
		t.Fatal("Running() = false after Start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for cp.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if cp.callCount() < 3 {
		t.Fatalf("loop made %d calls, want at least 3", cp.callCount())
	}

	s.Stop()
	if s.Running() {
		t.Error("Running() = true after Stop")
	}
	calls := cp.callCount()
	time.Sleep(30 * time.Millisecond)
	if cp.callCount() != calls {
		t.Error("loop kept running after Stop")
	}
	s.Stop()
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != BootstrapPath || r.Header.Get("Authorization") != "Bearer agent-token" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if hits.Add(1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"estate_id":"estate-1","env":{"A":"sealed"}}`))
	}))
	defer srv.Close()

	cfg := DefaultClientConfig(srv.URL+"/", "agent-token")
	cfg.InitialBackoff = time.Millisecond
	env, err := NewHTTPClient(cfg, nil).FetchEnv(context.Background())
	if err != nil {
		t.Fatalf("FetchEnv() error = %v", err)
	}
	if env["A"] != "sealed" || hits.Load() != 2 {
		t.Errorf("env = %v, hits = %d", env, hits.Load())
	}
}

func TestHTTPClientDoesNotRetryAuthFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := DefaultClientConfig(srv.URL, "expired")
	cfg.InitialBackoff = time.Millisecond
	_, err := NewHTTPClient(cfg, nil).FetchEnv(context.Background())

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("FetchEnv() error = %v, want 401 StatusError", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestCommandRestarter(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ok := &CommandRestarter{Argv: []string{"sh", "-c", "exit 0"}}
	if err := ok.Restart(context.Background()); err != nil {
		t.Errorf("Restart() error = %v", err)
	}
	bad := &CommandRestarter{Argv: []string{"sh", "-c", "echo boom >&2; exit 3"}}
	err := bad.Restart(context.Background())
	if err == nil {
		t.Fatal("Restart() error = nil, want failure")
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 3 {
		t.Errorf("error = %v, want exit status 3", err)
	}
}

func TestNewRestarter(t *testing.T) {
	if r, err := NewRestarter("none", "", nil); err != nil || r != nil {
		t.Errorf("none = %v, %v", r, err)
	}
	if r, _ := NewRestarter("systemd", "app.target", nil); r.(*SystemdRestarter).Unit != "app.target" {
		t.Error("systemd restarter unit not set")
	}
	if _, err := NewRestarter("reboot", "", nil); err == nil {
		t.Error("unknown mode accepted")
	}
}
