// Package memstore is an in-memory store.Store with the same
// compare-and-set and uniqueness semantics as the postgres store. It backs
// tests and single-process development setups.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/store"
)

// Store holds every record in maps guarded by one mutex.
type Store struct {
	mu        sync.Mutex
	estates   map[string]*models.Estate
	env       map[string]map[string]*models.EnvVar
	builds    map[string]*models.Build
	processes map[string]*models.Process
	logs      map[logKey][]*models.LogEntry
}

type logKey struct {
	kind models.TargetKind
	id   string
}

// New creates an empty store.
func New() *Store {
	return &Store{
		estates:   make(map[string]*models.Estate),
		env:       make(map[string]map[string]*models.EnvVar),
		builds:    make(map[string]*models.Build),
		processes: make(map[string]*models.Process),
		logs:      make(map[logKey][]*models.LogEntry),
	}
}

func (s *Store) Estates() store.EstateStore { return (*estateStore)(s) }
func (s *Store) Builds() store.BuildStore { return (*buildStore)(s) }
func (s *Store) Processes() store.ProcessStore { return (*processStore)(s) }
func (s *Store) Logs() store.LogStore { return (*logStore)(s) }
func (s *Store) Close() error { return nil }

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// WithTx runs fn against the same store. Writes are not rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(s)
}

type estateStore Store

func (s *estateStore) Create(ctx context.Context, e *models.Estate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if _, ok := s.estates[e.ID]; ok {
		return store.ErrDuplicateKey
	}
	for _, other := range s.estates {
		if strings.EqualFold(other.RepoFullName, e.RepoFullName) {
			return store.ErrDuplicateKey
		}
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	cp := *e
	s.estates[e.ID] = &cp
	return nil
}

func (s *estateStore) Get(ctx context.Context, id string) (*models.Estate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.estates[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *estateStore) GetByRepo(ctx context.Context, repoFullName string) (*models.Estate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.estates {
		if strings.EqualFold(e.RepoFullName, repoFullName) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *estateStore) List(ctx context.Context) ([]*models.Estate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Estate, 0, len(s.estates))
	for _, e := range s.estates {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *estateStore) SetToken(ctx context.Context, id, encryptedToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.estates[id]
	if !ok {
		return store.ErrNotFound
	}
	e.EncryptedToken = encryptedToken
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *estateStore) SetEnv(ctx context.Context, v *models.EnvVar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.estates[v.EstateID]; !ok {
		return store.ErrNotFound
	}
	if s.env[v.EstateID] == nil {
		s.env[v.EstateID] = make(map[string]*models.EnvVar)
	}
	v.UpdatedAt = time.Now().UTC()
	cp := *v
	s.env[v.EstateID][v.Key] = &cp
	return nil
}

func (s *estateStore) DeleteEnv(ctx context.Context, estateID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.env[estateID][key]; !ok {
		return store.ErrNotFound
	}
	delete(s.env[estateID], key)
	return nil
}

func (s *estateStore) ListEnv(ctx context.Context, estateID string) ([]*models.EnvVar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.EnvVar, 0, len(s.env[estateID]))
	for _, v := range s.env[estateID] {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

type buildStore Store

func (s *buildStore) Create(ctx context.Context, b *models.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.builds[b.ID]; ok {
		return store.ErrDuplicateKey
	}
	if b.WebhookEventID != "" {
		for _, other := range s.builds {
			if other.WebhookEventID == b.WebhookEventID {
				return store.ErrDuplicateKey
			}
		}
	}
	cp := *b
	s.builds[b.ID] = &cp
	return nil
}

func (s *buildStore) Get(ctx context.Context, id string) (*models.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *buildStore) GetByWebhookEvent(ctx context.Context, eventID string) (*models.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.builds {
		if eventID != "" && b.WebhookEventID == eventID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *buildStore) ListByEstate(ctx context.Context, estateID string, limit int) ([]*models.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Build
	for _, b := range s.builds {
		if b.EstateID == estateID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *buildStore) Complete(ctx context.Context, id string, c *models.BuildCompletion) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return store.ErrNotFound
	}
	if b.Status != models.BuildStatusInProgress {
		return store.ErrConcurrentModification
	}
	completedAt := c.CompletedAt
	b.Status = c.Status
	b.Output = c.Output
	b.ExitCode = c.ExitCode
	b.CompletedAt = &completedAt
	return nil
}

type processStore Store

func (s *processStore) Create(ctx context.Context, p *models.Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processes[p.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *p
	s.processes[p.ID] = &cp
	return nil
}

func (s *processStore) Get(ctx context.Context, id string) (*models.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *processStore) Complete(ctx context.Context, id string, status models.BuildStatus, exitCode *int, completedAt time.Time) error {
	if !status.IsTerminal() {
		return models.ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[id]
	if !ok {
		return store.ErrNotFound
	}
	if p.Status != models.BuildStatusInProgress {
		return store.ErrConcurrentModification
	}
	p.Status = status
	p.ExitCode = exitCode
	p.CompletedAt = &completedAt
	return nil
}

type logStore Store

func (s *logStore) Append(ctx context.Context, kind models.TargetKind, targetID string, items []models.LogItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := logKey{kind, targetID}
	seen := make(map[int64]bool, len(s.logs[key]))
	for _, e := range s.logs[key] {
		seen[e.Seq] = true
	}
	n := 0
	for _, it := range items {
		if seen[it.Seq] {
			continue
		}
		seen[it.Seq] = true
		s.logs[key] = append(s.logs[key], &models.LogEntry{
			ID:         uuid.New().String(),
			TargetKind: kind,
			TargetID:   targetID,
			Seq:        it.Seq,
			Stream:     it.Stream,
			Message:    it.Message,
			Event:      it.Event,
			Timestamp:  time.UnixMilli(it.TS).UTC(),
		})
		n++
	}
	sort.Slice(s.logs[key], func(i, j int) bool { return s.logs[key][i].Seq < s.logs[key][j].Seq })
	return n, nil
}

func (s *logStore) List(ctx context.Context, kind models.TargetKind, targetID string, afterSeq int64, limit int) ([]*models.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.LogEntry
	for _, e := range s.logs[logKey{kind, targetID}] {
		if e.Seq <= afterSeq {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
