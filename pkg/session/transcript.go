package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/conductor/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// TranscriptEntry is one JSONL line: the session header or an event.
type TranscriptEntry struct {
	Session *Session `json:"session,omitempty"`
	Event   *Event   `json:"event,omitempty"`
}

// Transcripts persists session events as JSONL, one file per session.
type Transcripts struct {
	dir        string
	logger     zerolog.Logger
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewTranscripts creates the transcript directory if needed.
func NewTranscripts(dir string, logger zerolog.Logger) (*Transcripts, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &Transcripts{
		dir:        dir,
		logger:     logger.With().Str("component", "transcripts").Logger(),
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// validateID keeps session ids path-safe.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\\x00") {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

func (t *Transcripts) path(id string) string {
	return filepath.Join(t.dir, id+".jsonl")
}

func (t *Transcripts) lock(id string) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()

	if l, ok := t.writeLocks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	t.writeLocks[id] = l
	return l
}

func (t *Transcripts) release(id string) {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	delete(t.writeLocks, id)
}

// Begin writes the session header.
func (t *Transcripts) Begin(ctx context.Context, s *Session) error {
	return t.append(ctx, s.ID, TranscriptEntry{Session: s.Clone()})
}

// Append writes one event and syncs the file.
func (t *Transcripts) Append(ctx context.Context, evt Event) error {
	return t.append(ctx, evt.SessionID, TranscriptEntry{Event: &evt})
}

func (t *Transcripts) append(ctx context.Context, id string, entry TranscriptEntry) error {
	ctx, span := tracing.StartSpan(ctx, "conductor.session", "transcript.append",
		attribute.String("session_id", id))
	defer span.End()

	if err := validateID(id); err != nil {
		return tracing.RecordError(span, err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return tracing.RecordError(span, fmt.Errorf("failed to marshal transcript entry: %w", err))
	}

	l := t.lock(id)
	l.Lock()
	defer l.Unlock()

	file, err := os.OpenFile(t.path(id), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0600)
	if err != nil {
		return tracing.RecordError(span, fmt.Errorf("failed to open transcript: %w", err))
	}
	defer file.Close()

	// terminate a torn line left by a crash so this entry stays readable
	if info, err := file.Stat(); err == nil && info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := file.ReadAt(last, info.Size()-1); err == nil && last[0] != '\n' {
			data = append([]byte{'\n'}, data...)
		}
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		return tracing.RecordError(span, fmt.Errorf("failed to write transcript: %w", err))
	}
	if err := file.Sync(); err != nil {
		return tracing.RecordError(span, fmt.Errorf("failed to sync transcript: %w", err))
	}

	if entry.Event != nil && entry.Event.Type.Terminal() {
		t.release(id)
	}
	return nil
}

// Load reads a transcript, skipping corrupt lines such as a torn final write.
func (t *Transcripts) Load(ctx context.Context, id string) ([]TranscriptEntry, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	logger := tracing.LoggerFromContext(ctx, t.logger)

	file, err := os.Open(t.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	var entries []TranscriptEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry TranscriptEntry
		if err := json.Unmarshal(line, &entry); err != nil || (entry.Session == nil && entry.Event == nil) {
			logger.Warn().Str("session_id", id).Int("line", lineNum).Msg("Skipping invalid transcript line")
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return entries, nil
}

// Events returns only the events of a transcript.
func (t *Transcripts) Events(ctx context.Context, id string) ([]Event, error) {
	entries, err := t.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(entries))
	for _, e := range entries {
		if e.Event != nil {
			events = append(events, *e.Event)
		}
	}
	return events, nil
}

// List returns the ids of every transcript.
func (t *Transcripts) List() ([]string, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	ids := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".jsonl"))
	}
	return ids, nil
}

// ModTime returns when a transcript was last written.
func (t *Transcripts) ModTime(id string) (time.Time, error) {
	info, err := os.Stat(t.path(id))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Delete removes a transcript.
func (t *Transcripts) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	l := t.lock(id)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(t.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}
	t.release(id)
	return nil
}

// Replay rebuilds a session from its transcript entries. The returned flag
// reports whether the transcript ended with a terminal event.
func Replay(entries []TranscriptEntry) (*Session, bool, error) {
	var s *Session
	for _, e := range entries {
		switch {
		case e.Session != nil && s == nil:
			s = e.Session.Clone()
			s.State = StateQueued
			s.StartedAt, s.CompletedAt = nil, nil
			s.CancelRequested = false
			s.lastSeq = 0
		case e.Event != nil && s != nil:
			evt := *e.Event
			if err := s.apply(&evt, evt.Timestamp); err != nil {
				// a line after the terminal event cannot change the outcome
				continue
			}
		}
	}
	if s == nil {
		return nil, false, fmt.Errorf("transcript has no session header")
	}
	return s, s.State.Terminal(), nil
}

// Recovered is the result of rebuilding sessions at startup.
type Recovered struct {
	// Finished sessions that reached a terminal event on their own.
	Finished []*Session
	// Interrupted sessions that were closed out as failed.
	Interrupted []*Session
}

// Recover replays every transcript. Sessions without a terminal event lost
// their process with the server; they get a failed event with the
// interruption marker appended so a second pass finds them finished.
func (t *Transcripts) Recover(ctx context.Context) (*Recovered, error) {
	ids, err := t.List()
	if err != nil {
		return nil, err
	}

	out := &Recovered{}
	for _, id := range ids {
		entries, err := t.Load(ctx, id)
		if err != nil {
			t.logger.Warn().Err(err).Str("session_id", id).Msg("Skipping unreadable transcript")
			continue
		}
		s, terminal, err := Replay(entries)
		if err != nil {
			t.logger.Warn().Err(err).Str("session_id", id).Msg("Skipping transcript")
			continue
		}
		if terminal {
			out.Finished = append(out.Finished, s)
			continue
		}

		evt := Event{Type: EventFailed, Error: InterruptedError, Timestamp: time.Now().UTC()}
		if err := s.apply(&evt, evt.Timestamp); err != nil {
			return nil, err
		}
		if err := t.Append(ctx, evt); err != nil {
			return nil, err
		}
		out.Interrupted = append(out.Interrupted, s)
	}

	byCompletion := func(list []*Session) {
		sort.Slice(list, func(i, j int) bool {
			return completedAt(list[i]).Before(completedAt(list[j]))
		})
	}
	byCompletion(out.Finished)
	byCompletion(out.Interrupted)
	return out, nil
}

func completedAt(s *Session) time.Time {
	if s.CompletedAt != nil {
		return *s.CompletedAt
	}
	return s.CreatedAt
}
