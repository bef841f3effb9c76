package promptstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const fileDriver = "file"

// FileStore keeps one JSON document per prompt in a directory. Each write
// goes to a temp file that is synced and renamed over the record, so a
// record is either the old or the new version after a crash.
//
// The in-memory index is authoritative while the process runs; the daemon
// pid file keeps a second process from sharing the directory.
type FileStore struct {
	dir    string
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	prompts     map[string]*Prompt
	lastCreated time.Time
}

// NewFileStore opens dir, creating it when missing, and loads every record.
// Leftover temp files from an interrupted write are removed.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	observability.EnsureRegistered()

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create prompt directory: %w", err)
	}

	s := &FileStore{
		dir:     dir,
		logger:  logger.With().Str("component", "promptstore").Str("driver", fileDriver).Logger(),
		now:     func() time.Time { return time.Now().UTC() },
		prompts: make(map[string]*Prompt),
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	s.logger.Info().Str("dir", dir).Int("prompts", len(s.prompts)).Msg("Prompt store opened")
	return s, nil
}

func (s *FileStore) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read prompt directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(name, ".tmp-") {
			_ = os.Remove(filepath.Join(s.dir, name))
			continue
		}
		if !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return fmt.Errorf("failed to read prompt %s: %w", name, err)
		}
		var p Prompt
		if err := json.Unmarshal(data, &p); err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("Skipping unreadable prompt record")
			continue
		}
		s.prompts[p.ID] = &p
		if p.CreatedAt.After(s.lastCreated) {
			s.lastCreated = p.CreatedAt
		}
	}
	return nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// write persists p durably. Callers hold s.mu.
func (s *FileStore) write(p *Prompt) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode prompt: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+p.ID+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write prompt: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync prompt: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close prompt file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(p.ID)); err != nil {
		cleanup()
		return fmt.Errorf("failed to commit prompt: %w", err)
	}
	syncDir(s.dir)
	return nil
}

// syncDir makes a rename durable. Failures are ignored on filesystems that
// do not support syncing directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

func (s *FileStore) observe(ctx context.Context, op string) (context.Context, func(error) error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "conductor.promptstore", "promptstore."+op,
		attribute.String("driver", fileDriver))
	return ctx, func(err error) error {
		observability.RecordStoreOp(fileDriver, op, time.Since(start))
		tracing.RecordError(span, err)
		span.End()
		return err
	}
}

// Create persists a new pending prompt.
func (s *FileStore) Create(ctx context.Context, req CreateRequest) (_ *Prompt, err error) {
	_, done := s.observe(ctx, "create")
	defer func() { err = done(err) }()

	if err := validateCreate(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// creation times are strictly increasing so FIFO order is total
	now := s.now()
	if !now.After(s.lastCreated) {
		now = s.lastCreated.Add(time.Nanosecond)
	}

	p := newPrompt(req, now)
	if err := s.write(p); err != nil {
		return nil, err
	}
	s.prompts[p.ID] = p
	s.lastCreated = now
	return p.Clone(), nil
}

// Get returns the prompt with id.
func (s *FileStore) Get(ctx context.Context, id string) (*Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prompts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, id)
	}
	return p.Clone(), nil
}

// List returns matching prompts newest first.
func (s *FileStore) List(ctx context.Context, filter Filter, page Page) (*ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*Prompt
	for _, p := range s.prompts {
		if filter.matches(p) {
			matched = append(matched, p)
		}
	}
	return paginate(matched, page), nil
}

// Update applies patch to the prompt, honouring IfStatus.
func (s *FileStore) Update(ctx context.Context, id string, patch Patch) (_ *Prompt, err error) {
	_, done := s.observe(ctx, "update")
	defer func() { err = done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.prompts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, id)
	}
	next := current.Clone()
	if err := patch.apply(next, s.now()); err != nil {
		return nil, err
	}
	if err := s.write(next); err != nil {
		return nil, err
	}
	s.prompts[id] = next
	return next.Clone(), nil
}

// Delete removes the prompt. It reports false when id is unknown.
func (s *FileStore) Delete(ctx context.Context, id string) (bool, error) {
	return s.DeleteIf(ctx, id, "")
}

// DeleteIf removes the prompt when its status is status; an empty status
// deletes unconditionally.
func (s *FileStore) DeleteIf(ctx context.Context, id string, status Status) (_ bool, err error) {
	_, done := s.observe(ctx, "delete")
	defer func() { err = done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prompts[id]
	if !ok {
		return false, nil
	}
	if status != "" && p.Status != status {
		return false, &ConflictError{ID: id, Expected: status, Actual: p.Status}
	}
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to delete prompt: %w", err)
	}
	delete(s.prompts, id)
	syncDir(s.dir)
	return true, nil
}

// RecoverInterrupted resets every in-flight prompt to pending.
func (s *FileStore) RecoverInterrupted(ctx context.Context) (_ int, err error) {
	_, done := s.observe(ctx, "recover")
	defer func() { err = done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for id, p := range s.prompts {
		next := p.Clone()
		if !recoverPrompt(next, now) {
			continue
		}
		if err := s.write(next); err != nil {
			return count, err
		}
		s.prompts[id] = next
		count++
	}
	return count, nil
}

// Claim moves the oldest claimable pending prompt of scope to dispatching.
func (s *FileStore) Claim(ctx context.Context, scope string, now time.Time) (_ *Prompt, err error) {
	_, done := s.observe(ctx, "claim")
	defer func() { err = done(err) }()

	scope = ScopeOf(scope)

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidate *Prompt
	for _, p := range s.prompts {
		if p.Scope != scope {
			continue
		}
		if p.Status.InFlight() {
			return nil, nil
		}
		if !p.claimable(now) {
			continue
		}
		if candidate == nil || p.CreatedAt.Before(candidate.CreatedAt) {
			candidate = p
		}
	}
	if candidate == nil {
		return nil, nil
	}

	next := candidate.Clone()
	next.Status = StatusDispatching
	next.Attempts++
	next.UpdatedAt = s.now()
	if err := s.write(next); err != nil {
		return nil, err
	}
	s.prompts[next.ID] = next
	return next.Clone(), nil
}

// Scopes lists scopes with pending prompts, sorted.
func (s *FileStore) Scopes(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, p := range s.prompts {
		if p.Status == StatusPending {
			seen[p.Scope] = struct{}{}
		}
	}
	scopes := make([]string, 0, len(seen))
	for scope := range seen {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes, nil
}

// Close is a no-op; every write is already durable.
func (s *FileStore) Close() error {
	return nil
}

var _ Store = (*FileStore)(nil)
