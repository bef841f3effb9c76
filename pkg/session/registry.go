package session

import (
	"container/list"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultStickyWindow = 60 * time.Second
	DefaultHistorySize  = 200
)

// RegistryConfig holds registry limits.
type RegistryConfig struct {
	StickyWindow time.Duration
	HistorySize  int
}

// Groups is the bucketed view served to clients.
type Groups struct {
	Running           []*Session `json:"running"`
	Queued            []*Session `json:"queued"`
	RecentlyCompleted []*Session `json:"recentlyCompleted"`
}

type sticky struct {
	id    string
	until time.Time
}

// Registry is the in-memory index of sessions. Active sessions are keyed
// by id; finished sessions move to a bounded history. It can be rebuilt
// from transcripts at startup and is never the durable source of truth.
type Registry struct {
	mu      sync.RWMutex
	active  map[string]*Session
	history *list.List
	byID    map[string]*list.Element
	sticky  *sticky

	stickyWindow time.Duration
	historySize  int
	now          func() time.Time
	logger       zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, logger zerolog.Logger) *Registry {
	if cfg.StickyWindow <= 0 {
		cfg.StickyWindow = DefaultStickyWindow
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	return &Registry{
		active:       make(map[string]*Session),
		history:      list.New(),
		byID:         make(map[string]*list.Element),
		stickyWindow: cfg.StickyWindow,
		historySize:  cfg.HistorySize,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logger.With().Str("component", "session_registry").Logger(),
	}
}

// Create registers a new queued session.
func (r *Registry) Create(s *Session) (*Session, error) {
	if s == nil || s.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[s.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, s.ID)
	}
	if _, ok := r.byID[s.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, s.ID)
	}
	stored := s.Clone()
	stored.State = StateQueued
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	r.active[stored.ID] = stored
	return stored.Clone(), nil
}

// Apply folds evt into the session and returns the updated copy. evt gets
// its sequence number and timestamp filled in.
func (r *Registry) Apply(id string, evt *Event) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.active[id]
	if !ok {
		if _, done := r.byID[id]; done {
			return nil, fmt.Errorf("%w: %s", ErrSessionTerminal, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	now := r.now()
	if err := s.apply(evt, now); err != nil {
		return nil, err
	}

	if s.State.Terminal() {
		delete(r.active, id)
		r.remember(s)
		r.sticky = &sticky{id: id, until: now.Add(r.stickyWindow)}
		r.logger.Debug().Str("session_id", id).Str("state", string(s.State)).Msg("Session finished")
	}
	return s.Clone(), nil
}

// remember adds a finished session to the history, evicting the oldest.
// Callers hold r.mu.
func (r *Registry) remember(s *Session) {
	if el, ok := r.byID[s.ID]; ok {
		el.Value = s
		r.history.MoveToFront(el)
		return
	}
	r.byID[s.ID] = r.history.PushFront(s)
	for r.history.Len() > r.historySize {
		oldest := r.history.Back()
		r.history.Remove(oldest)
		delete(r.byID, oldest.Value.(*Session).ID)
	}
}

// Restore puts a finished session rebuilt from a transcript into the
// history. It never becomes sticky.
func (r *Registry) Restore(s *Session) {
	if s == nil || !s.State.Terminal() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remember(s.Clone())
}

// RequestCancel records cancel intent on an active session.
func (r *Registry) RequestCancel(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.active[id]
	if !ok {
		if _, done := r.byID[id]; done {
			return nil, fmt.Errorf("%w: %s", ErrSessionTerminal, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.CancelRequested = true
	return s.Clone(), nil
}

// Get returns a session by id, active or from history.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.active[id]; ok {
		return s.Clone(), nil
	}
	if el, ok := r.byID[id]; ok {
		return el.Value.(*Session).Clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// Groups returns running and queued sessions oldest first, plus the sticky
// recently completed session while its window lasts.
func (r *Registry) Groups() Groups {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g := Groups{
		Running:           []*Session{},
		Queued:            []*Session{},
		RecentlyCompleted: []*Session{},
	}
	for _, s := range r.active {
		if s.State == StateRunning {
			g.Running = append(g.Running, s.Clone())
		} else {
			g.Queued = append(g.Queued, s.Clone())
		}
	}
	sortByCreated(g.Running)
	sortByCreated(g.Queued)

	// the window is tracked on our own clock so a missing or odd
	// completion timestamp cannot hide or pin the entry
	if r.sticky != nil && r.now().Before(r.sticky.until) {
		if el, ok := r.byID[r.sticky.id]; ok {
			g.RecentlyCompleted = append(g.RecentlyCompleted, el.Value.(*Session).Clone())
		}
	}
	return g
}

func sortByCreated(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}

// SweepSticky drops the sticky entry once its window has lapsed. It
// reports whether the visible groups changed.
func (r *Registry) SweepSticky() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sticky == nil || r.now().Before(r.sticky.until) {
		return false
	}
	r.sticky = nil
	return true
}

// Recent returns how many finished sessions are inside the recently
// completed window.
func (r *Registry) Recent() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.sticky == nil || !r.now().Before(r.sticky.until) {
		return 0
	}
	if _, ok := r.byID[r.sticky.id]; !ok {
		return 0
	}
	return 1
}

// Counts returns the number of running and queued sessions.
func (r *Registry) Counts() (running, queued int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.active {
		if s.State == StateRunning {
			running++
		} else {
			queued++
		}
	}
	return running, queued
}

// Active returns every queued or running session.
func (r *Registry) Active() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.active))
	for _, s := range r.active {
		out = append(out, s.Clone())
	}
	sortByCreated(out)
	return out
}

// History returns up to limit finished sessions, most recent first.
// A limit of 0 returns all of them.
func (r *Registry) History(limit int) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*Session{}
	for el := r.history.Front(); el != nil; el = el.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, el.Value.(*Session).Clone())
	}
	return out
}
