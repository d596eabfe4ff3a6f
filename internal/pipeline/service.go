// Package pipeline turns repository pushes and API requests into sandboxed
// runs and folds their results back into build and process records.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/narvanalabs/sandbox-plane/internal/logs"
	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/notify"
	"github.com/narvanalabs/sandbox-plane/internal/sandbox"
	"github.com/narvanalabs/sandbox-plane/internal/signedurl"
	"github.com/narvanalabs/sandbox-plane/internal/store"
)

// Defaults for Config.
const (
	DefaultURLTTL  = time.Hour
	DefaultWorkDir = "/workspace/repo"
)

var (
	// ErrUnknownRepository is returned when no estate is bound to a pushed repository.
	ErrUnknownRepository = errors.New("no estate for repository")
	// ErrBranchMismatch is returned when a push targets a branch the estate does not build.
	ErrBranchMismatch = errors.New("push branch does not match estate branch")
	// ErrLaunchFailed wraps synchronous sandbox launch failures. The record
	// returned alongside it has already been marked failed.
	ErrLaunchFailed = errors.New("sandbox launch failed")
	// ErrInvalidCommand is returned for empty process commands.
	ErrInvalidCommand = errors.New("command is required")
	// ErrInvalidCommit is returned when a requested commit is not a
	// lowercase hex SHA of 7 to 40 characters.
	ErrInvalidCommit = errors.New("commit must be a 7 to 40 character hex sha")
	// ErrInvalidLogs is returned for malformed ingest payloads.
	ErrInvalidLogs = errors.New("invalid log items")
)

// Decrypter opens age-armored values.
type Decrypter interface {
	Open(ciphertext string) (string, error)
}

// LogPublisher forwards ingested entries to live subscribers.
type LogPublisher interface {
	Publish(entries []*models.LogEntry)
	Forget(target logs.Target)
}

// Config configures a Service.
type Config struct {
	// PublicBaseURL is the https origin sandboxes call back to.
	PublicBaseURL string
	// SigningSecret is the master key for callback and ingest URLs.
	SigningSecret []byte
	CallbackTTL   time.Duration
	IngestTTL     time.Duration
	// WorkDir is the checkout directory inside the sandbox.
	WorkDir string
}

// Service coordinates builds and processes.
type Service struct {
	store     store.Store
	launcher  sandbox.Launcher
	notifier  notify.Broadcaster
	secrets   Decrypter
	publisher LogPublisher
	logger    *slog.Logger

	baseURL     string
	callbackKey []byte
	ingestKey   []byte
	callbackTTL time.Duration
	ingestTTL   time.Duration
	workDir     string
	signer      signedurl.Signer
	now         func() time.Time
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Store     store.Store
	Launcher  sandbox.Launcher
	Notifier  notify.Broadcaster
	Secrets   Decrypter
	Publisher LogPublisher
	Logger    *slog.Logger
}

// NewService creates a pipeline service.
func NewService(cfg Config, deps Deps) (*Service, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, signedurl.ErrEmptySecret
	}
	if !strings.HasPrefix(cfg.PublicBaseURL, "https://") {
		return nil, fmt.Errorf("public base url %q: %w", cfg.PublicBaseURL, signedurl.ErrInsecureScheme)
	}
	if cfg.CallbackTTL <= 0 {
		cfg.CallbackTTL = DefaultURLTTL
	}
	if cfg.IngestTTL <= 0 {
		cfg.IngestTTL = DefaultURLTTL
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = DefaultWorkDir
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		store:       deps.Store,
		launcher:    deps.Launcher,
		notifier:    deps.Notifier,
		secrets:     deps.Secrets,
		publisher:   deps.Publisher,
		logger:      logger,
		baseURL:     strings.TrimRight(cfg.PublicBaseURL, "/"),
		callbackKey: signedurl.DeriveKey(cfg.SigningSecret, signedurl.PurposeCallback),
		ingestKey:   signedurl.DeriveKey(cfg.SigningSecret, signedurl.PurposeIngest),
		callbackTTL: cfg.CallbackTTL,
		ingestTTL:   cfg.IngestTTL,
		workDir:     cfg.WorkDir,
		now:         time.Now,
	}, nil
}

// VerifyCallback reports whether requestURI is a valid signed callback URL.
func (s *Service) VerifyCallback(requestURI string) bool {
	return s.signer.Verify(requestURI, s.callbackKey)
}

// VerifyIngest reports whether requestURI is a valid signed ingest URL.
func (s *Service) VerifyIngest(requestURI string) bool {
	return s.signer.Verify(requestURI, s.ingestKey)
}

// CallbackPath returns the path a build's callback is posted to.
func CallbackPath(buildID string) string {
	return "/callbacks/builds/" + buildID
}

// IngestPath returns the path a target's logs are posted to.
func IngestPath(kind models.TargetKind, id string) string {
	return "/ingest/" + string(kind) + "/" + id
}

func (s *Service) signedURL(path string, key []byte, ttl time.Duration) (string, error) {
	return s.signer.Sign(s.baseURL+path, key, ttl)
}

func (s *Service) openToken(estate *models.Estate) (string, error) {
	if estate.EncryptedToken == "" || s.secrets == nil {
		return "", nil
	}
	token, err := s.secrets.Open(estate.EncryptedToken)
	if err != nil {
		return "", fmt.Errorf("decrypting repository token: %w", err)
	}
	return token, nil
}

// broadcast notifies the estate's organisation. Failures to resolve the
// estate only cost a UI refresh and are logged.
func (s *Service) broadcast(ctx context.Context, estateID, msgType, id string) {
	if s.notifier == nil {
		return
	}
	estate, err := s.store.Estates().Get(ctx, estateID)
	if err != nil {
		s.logger.Warn("skipping broadcast, estate lookup failed", "estate_id", estateID, "error", err)
		return
	}
	s.notifier.Broadcast(estate.OrgID, notify.Message{Type: msgType, EstateID: estateID, ID: id})
}

// isCommitHash reports whether ref is a full 40 character SHA. Shorter hex
// strings are valid branch names, so an abbreviated commit has to be asked
// for explicitly.
func isCommitHash(ref string) bool {
	return len(ref) == 40 && isHex(ref)
}

// isAbbrevCommit reports whether ref can name a commit: 7 to 40 lowercase hex.
func isAbbrevCommit(ref string) bool {
	return len(ref) >= 7 && len(ref) <= 40 && isHex(ref)
}

func isHex(ref string) bool {
	for _, c := range ref {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}
