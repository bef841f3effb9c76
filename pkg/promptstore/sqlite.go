package promptstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const sqliteDriver = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS prompts (
	id               TEXT PRIMARY KEY,
	message          TEXT NOT NULL,
	context          TEXT NOT NULL,
	project_path     TEXT NOT NULL,
	scope            TEXT NOT NULL,
	conversation_id  TEXT NOT NULL DEFAULT '',
	model_profile_id TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	session_id       TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT '',
	attempts         INTEGER NOT NULL DEFAULT 0,
	retry_after      INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prompts_scope_status ON prompts(scope, status, created_at);
CREATE INDEX IF NOT EXISTS idx_prompts_created ON prompts(created_at);
`

const promptColumns = `id, message, context, project_path, scope, conversation_id, model_profile_id,
	status, session_id, error, attempts, retry_after, created_at, updated_at`

// SQLiteStore keeps one row per prompt in a SQLite database in WAL mode.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(ctx context.Context, path string, logger zerolog.Logger) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// one connection serializes writers inside the process
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		schema,
	} {
		if _, err := db.ExecContext(ctx, q); err != nil {
			db.Close()
			return nil, fmt.Errorf("init prompt database: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "promptstore").Str("driver", sqliteDriver).Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	s.logger.Info().Str("path", path).Msg("Prompt store opened")
	return s, nil
}

func (s *SQLiteStore) observe(ctx context.Context, op string) (context.Context, func(error) error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "conductor.promptstore", "promptstore."+op,
		attribute.String("driver", sqliteDriver))
	return ctx, func(err error) error {
		observability.RecordStoreOp(sqliteDriver, op, time.Since(start))
		tracing.RecordError(span, err)
		span.End()
		return err
	}
}

// retryOnBusy retries f while another connection holds the write lock,
// with capped exponential backoff and jitter.
func retryOnBusy(ctx context.Context, f func() error) error {
	const (
		maxRetries = 5
		baseDelay  = 50 * time.Millisecond
		maxDelay   = 500 * time.Millisecond
	)

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = f(); err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPrompt(row rowScanner) (*Prompt, error) {
	var (
		p                            Prompt
		status, contextJSON          string
		retryAfter, created, updated int64
	)
	err := row.Scan(&p.ID, &p.Message, &contextJSON, &p.ProjectPath, &p.Scope,
		&p.ConversationID, &p.ModelProfileID, &status, &p.SessionID, &p.Error,
		&p.Attempts, &retryAfter, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contextJSON), &p.Context); err != nil {
		return nil, fmt.Errorf("decode prompt context: %w", err)
	}
	if p.Context.References == nil {
		p.Context.References = []string{}
	}
	p.Status = Status(status)
	if retryAfter > 0 {
		t := time.Unix(0, retryAfter).UTC()
		p.RetryAfter = &t
	}
	p.CreatedAt = time.Unix(0, created).UTC()
	p.UpdatedAt = time.Unix(0, updated).UTC()
	return &p, nil
}

func retryAfterNanos(p *Prompt) int64 {
	if p.RetryAfter == nil {
		return 0
	}
	return p.RetryAfter.UnixNano()
}

// Create persists a new pending prompt.
func (s *SQLiteStore) Create(ctx context.Context, req CreateRequest) (_ *Prompt, err error) {
	ctx, done := s.observe(ctx, "create")
	defer func() { err = done(err) }()

	if err := validateCreate(req); err != nil {
		return nil, err
	}
	p := newPrompt(req, s.now())
	contextJSON, err := json.Marshal(p.Context)
	if err != nil {
		return nil, fmt.Errorf("encode prompt context: %w", err)
	}

	err = retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO prompts (`+promptColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Message, string(contextJSON), p.ProjectPath, p.Scope,
			p.ConversationID, p.ModelProfileID, string(p.Status), p.SessionID, p.Error,
			p.Attempts, retryAfterNanos(p), p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert prompt: %w", err)
	}
	return p, nil
}

// Get returns the prompt with id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Prompt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+promptColumns+` FROM prompts WHERE id = ?`, id)
	p, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt: %w", err)
	}
	return p, nil
}

// List returns matching prompts newest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter, page Page) (*ListResult, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, ScopeOf(filter.Scope))
	}
	if filter.Search != "" {
		where = append(where, `message LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(filter.Search)+"%")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prompts`+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count prompts: %w", err)
	}

	limit := page.Limit
	if limit <= 0 {
		limit = -1
	}
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+promptColumns+` FROM prompts`+clause+` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	result := &ListResult{Prompts: []*Prompt{}, Total: total}
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		result.Prompts = append(result.Prompts, p)
	}
	return result, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Update applies patch inside an immediate transaction so the status
// guard and the write are one step.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch Patch) (_ *Prompt, err error) {
	ctx, done := s.observe(ctx, "update")
	defer func() { err = done(err) }()

	var updated *Prompt
	err = retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		p, err := scanPrompt(tx.QueryRowContext(ctx, `SELECT `+promptColumns+` FROM prompts WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrPromptNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := patch.apply(p, s.now()); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE prompts SET status = ?, session_id = ?, error = ?,
			attempts = ?, retry_after = ?, updated_at = ? WHERE id = ?`,
			string(p.Status), p.SessionID, p.Error, p.Attempts, retryAfterNanos(p), p.UpdatedAt.UnixNano(), id)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes the prompt. It reports false when id is unknown.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	return s.DeleteIf(ctx, id, "")
}

// DeleteIf removes the prompt when its status is status; an empty status
// deletes unconditionally.
func (s *SQLiteStore) DeleteIf(ctx context.Context, id string, status Status) (_ bool, err error) {
	ctx, done := s.observe(ctx, "delete")
	defer func() { err = done(err) }()

	var affected int64
	err = retryOnBusy(ctx, func() error {
		var res sql.Result
		var err error
		if status == "" {
			res, err = s.db.ExecContext(ctx, `DELETE FROM prompts WHERE id = ?`, id)
		} else {
			res, err = s.db.ExecContext(ctx, `DELETE FROM prompts WHERE id = ? AND status = ?`, id, string(status))
		}
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete prompt: %w", err)
	}
	if affected == 1 {
		return true, nil
	}
	if status == "" {
		return false, nil
	}

	current, err := s.Get(ctx, id)
	if errors.Is(err, ErrPromptNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return false, &ConflictError{ID: id, Expected: status, Actual: current.Status}
}

// RecoverInterrupted resets every in-flight prompt to pending in one statement.
func (s *SQLiteStore) RecoverInterrupted(ctx context.Context) (_ int, err error) {
	ctx, done := s.observe(ctx, "recover")
	defer func() { err = done(err) }()

	var affected int64
	err = retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE prompts
			SET status = ?, session_id = '', error = ?, retry_after = 0, updated_at = ?
			WHERE status IN (?, ?)`,
			string(StatusPending), InterruptedError, s.now().UnixNano(),
			string(StatusDispatching), string(StatusDispatched))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recover prompts: %w", err)
	}
	return int(affected), nil
}

// Claim is a single conditional UPDATE: the candidate must still be pending
// and the scope must have nothing in flight when the row is written.
func (s *SQLiteStore) Claim(ctx context.Context, scope string, now time.Time) (_ *Prompt, err error) {
	ctx, done := s.observe(ctx, "claim")
	defer func() { err = done(err) }()

	scope = ScopeOf(scope)
	var claimed *Prompt
	err = retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `UPDATE prompts
			SET status = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = (
				SELECT id FROM prompts
				WHERE scope = ? AND status = ? AND retry_after <= ?
				ORDER BY created_at, rowid LIMIT 1
			)
			AND status = ?
			AND NOT EXISTS (
				SELECT 1 FROM prompts WHERE scope = ? AND status IN (?, ?)
			)
			RETURNING `+promptColumns,
			string(StatusDispatching), s.now().UnixNano(),
			scope, string(StatusPending), now.UnixNano(),
			string(StatusPending),
			scope, string(StatusDispatching), string(StatusDispatched))
		p, err := scanPrompt(row)
		if errors.Is(err, sql.ErrNoRows) {
			claimed = nil
			return nil
		}
		if err != nil {
			return err
		}
		claimed = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim prompt: %w", err)
	}
	return claimed, nil
}

// Scopes lists scopes with pending prompts, sorted.
func (s *SQLiteStore) Scopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT scope FROM prompts WHERE status = ? ORDER BY scope`, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	scopes := []string{}
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
