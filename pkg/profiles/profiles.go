// Package profiles loads model profiles: named sets of agent flags, extra
// environment and a timeout that a prompt selects with modelProfileId.
package profiles

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrUnknownProfile is returned when no profile has the requested id.
var ErrUnknownProfile = errors.New("unknown model profile")

// Profile is one entry of the profiles file.
type Profile struct {
	ID      string            `yaml:"id" json:"id"`
	Model   string            `yaml:"model" json:"model,omitempty"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout,omitempty"`
}

type file struct {
	Profiles []Profile `yaml:"profiles"`
}

// Parse decodes and validates a profiles document.
func Parse(data []byte) (map[string]Profile, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}

	set := make(map[string]Profile, len(f.Profiles))
	for i, p := range f.Profiles {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("profile %d: id is required", i)
		}
		if _, dup := set[p.ID]; dup {
			return nil, fmt.Errorf("profile %d: duplicate id %q", i, p.ID)
		}
		if p.Timeout < 0 {
			return nil, fmt.Errorf("profile %s: timeout must be >= 0", p.ID)
		}
		set[p.ID] = p
	}
	return set, nil
}

// Registry serves the current profile set. Reloads swap the whole set, so
// a reader never sees a half-applied file.
type Registry struct {
	path    string
	current atomic.Pointer[map[string]Profile]
	logger  zerolog.Logger
}

// NewRegistry loads path. A missing file yields an empty set.
func NewRegistry(path string, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		path:   path,
		logger: logger.With().Str("component", "profiles").Logger(),
	}
	empty := map[string]Profile{}
	r.current.Store(&empty)
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the watched file.
func (r *Registry) Path() string {
	return r.path
}

// Reload re-reads the file. On error the previous set stays in place.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		empty := map[string]Profile{}
		r.current.Store(&empty)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read profiles: %w", err)
	}

	set, err := Parse(data)
	if err != nil {
		return err
	}
	r.current.Store(&set)
	r.logger.Info().Str("path", r.path).Int("profiles", len(set)).Msg("Model profiles loaded")
	return nil
}

// Get returns the profile with id.
func (r *Registry) Get(id string) (Profile, error) {
	set := *r.current.Load()
	p, ok := set[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownProfile, id)
	}
	return p, nil
}

// List returns every profile sorted by id.
func (r *Registry) List() []Profile {
	set := *r.current.Load()
	out := make([]Profile, 0, len(set))
	for _, p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
