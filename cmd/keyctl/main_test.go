package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/narvanalabs/sandbox-plane/internal/auth"
	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/secrets"
	"github.com/narvanalabs/sandbox-plane/internal/store/memstore"
	"github.com/narvanalabs/sandbox-plane/pkg/config"
)

const testSecret = "keyctl-test-secret-at-least-32-characters"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSecrets(t *testing.T) *secrets.Service {
	t.Helper()
	public, private, err := secrets.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	svc, err := secrets.NewService(&secrets.Config{AgePublicKey: public, AgePrivateKey: private}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func seal(t *testing.T, svc *secrets.Service, v string) string {
	t.Helper()
	out, err := svc.Seal(v)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// envLine returns the value of NAME=value in out.
func envLine(t *testing.T, out, name string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, name+"="); ok {
			return v
		}
	}
	t.Fatalf("%s missing from output %q", name, out)
	return ""
}

func seedEstate(t *testing.T, st *memstore.Store, svc *secrets.Service) *models.Estate {
	t.Helper()
	ctx := context.Background()
	e := &models.Estate{
		OrgID:          "org-1",
		RepoFullName:   "acme/app",
		RepoURL:        "https://github.com/acme/app.git",
		Branch:         "main",
		EncryptedToken: seal(t, svc, "ghp_token"),
	}
	if err := st.Estates().Create(ctx, e); err != nil {
		t.Fatal(err)
	}
	if err := st.Estates().SetEnv(ctx, &models.EnvVar{EstateID: e.ID, Key: "DATABASE_URL", Value: seal(t, svc, "postgres://db")}); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestRotateReencryptsEverything(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	old := newSecrets(t)
	e := seedEstate(t, st, old)

	var out bytes.Buffer
	if err := rotate(ctx, st, old, false, &out); err != nil {
		t.Fatalf("rotate() error = %v", err)
	}

	rotated, err := secrets.NewService(&secrets.Config{
		AgePublicKey:  envLine(t, out.String(), "SOPS_AGE_PUBLIC_KEY"),
		AgePrivateKey: envLine(t, out.String(), "SOPS_AGE_PRIVATE_KEY"),
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	got, _ := st.Estates().Get(ctx, e.ID)
	if token, err := rotated.Open(got.EncryptedToken); err != nil || token != "ghp_token" {
		t.Errorf("token = %q, %v", token, err)
	}
	if _, err := old.Open(got.EncryptedToken); err == nil {
		t.Error("old key still opens the rotated token")
	}
	vars, _ := st.Estates().ListEnv(ctx, e.ID)
	if len(vars) != 1 {
		t.Fatalf("env = %d entries", len(vars))
	}
	if v, err := rotated.Open(vars[0].Value); err != nil || v != "postgres://db" {
		t.Errorf("env value = %q, %v", v, err)
	}
}

func TestRotateWritesNothingOnFailure(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := newSecrets(t)
	e := seedEstate(t, st, svc)
	if err := st.Estates().SetEnv(ctx, &models.EnvVar{EstateID: e.ID, Key: "BROKEN", Value: "not-age"}); err != nil {
		t.Fatal(err)
	}
	before, _ := st.Estates().Get(ctx, e.ID)

	var out bytes.Buffer
	if err := rotate(ctx, st, svc, false, &out); err == nil {
		t.Fatal("rotate() succeeded with an undecryptable value")
	}
	if !strings.Contains(out.String(), e.ID+"/BROKEN") {
		t.Errorf("output %q does not name the broken value", out.String())
	}
	after, _ := st.Estates().Get(ctx, e.ID)
	if after.EncryptedToken != before.EncryptedToken {
		t.Error("token rewritten despite failure")
	}
}

func TestRotateDryRun(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := newSecrets(t)
	e := seedEstate(t, st, svc)
	before, _ := st.Estates().Get(ctx, e.ID)

	var out bytes.Buffer
	if err := rotate(ctx, st, svc, true, &out); err != nil {
		t.Fatal(err)
	}
	after, _ := st.Estates().Get(ctx, e.ID)
	if after.EncryptedToken != before.EncryptedToken {
		t.Error("dry run rewrote the token")
	}
	if strings.Contains(out.String(), "PRIVATE_KEY") {
		t.Error("dry run printed a new key")
	}
}

func TestRotateRequiresPrivateKey(t *testing.T) {
	public, _, _ := secrets.GenerateKeyPair()
	svc, err := secrets.NewService(&secrets.Config{AgePublicKey: public}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := rotate(context.Background(), memstore.New(), svc, false, io.Discard); err != secrets.ErrNoPrivateKey {
		t.Errorf("err = %v, want ErrNoPrivateKey", err)
	}
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cfg := config.LoadWithDefaults()
	root := newRoot(context.Background(), cfg, &out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestGenerateCommand(t *testing.T) {
	out, err := runRoot(t, "generate")
	if err != nil {
		t.Fatal(err)
	}
	private := envLine(t, out, "SOPS_AGE_PRIVATE_KEY")
	svc, err := secrets.NewService(&secrets.Config{AgePrivateKey: private}, quietLogger())
	if err != nil || !svc.CanDecrypt() {
		t.Errorf("generated key unusable: %v", err)
	}
}

func TestTokenCommands(t *testing.T) {
	validator := auth.NewService(&auth.Config{JWTSecret: []byte(testSecret)}, quietLogger())

	out, err := runRoot(t, "agent-token", "--secret", testSecret, "estate-9")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := validator.ValidateToken(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Scope != auth.ScopeAgent || claims.EstateID != "estate-9" {
		t.Errorf("claims = %+v", claims)
	}

	out, err = runRoot(t, "user-token", "--secret", testSecret, "user-1", "org-1")
	if err != nil {
		t.Fatal(err)
	}
	claims, err = validator.ValidateToken(strings.TrimSpace(out))
	if err != nil || !claims.CanAccessOrg("org-1") {
		t.Errorf("claims = %+v, err = %v", claims, err)
	}

	t.Setenv("JWT_SECRET", "")
	if _, err := runRoot(t, "agent-token", "--secret", "short", "estate-9"); err == nil {
		t.Error("short secret accepted")
	}
}
