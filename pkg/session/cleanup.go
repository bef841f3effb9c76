package session

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const DefaultRetention = 7 * 24 * time.Hour

// Cleanup deletes transcripts of finished sessions once they are older
// than the retention period.
type Cleanup struct {
	transcripts *Transcripts
	registry    *Registry
	retention   time.Duration
	now         func() time.Time
	logger      zerolog.Logger
}

// NewCleanup creates a cleanup handler. A zero retention uses the default.
func NewCleanup(transcripts *Transcripts, registry *Registry, retention time.Duration, logger zerolog.Logger) *Cleanup {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Cleanup{
		transcripts: transcripts,
		registry:    registry,
		retention:   retention,
		now:         time.Now,
		logger:      logger.With().Str("component", "session_cleanup").Logger(),
	}
}

// Retention returns the configured retention period.
func (c *Cleanup) Retention() time.Duration {
	return c.retention
}

// CleanupNow deletes expired transcripts and returns how many were removed.
// Transcripts of active sessions are never touched.
func (c *Cleanup) CleanupNow() (int, error) {
	ids, err := c.transcripts.List()
	if err != nil {
		return 0, fmt.Errorf("failed to list transcripts: %w", err)
	}

	active := make(map[string]struct{})
	for _, s := range c.registry.Active() {
		active[s.ID] = struct{}{}
	}

	now := c.now()
	deleted := 0
	for _, id := range ids {
		if _, ok := active[id]; ok {
			continue
		}
		modified, err := c.transcripts.ModTime(id)
		if err != nil {
			c.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to stat transcript")
			continue
		}
		age := now.Sub(modified)
		if age < c.retention {
			continue
		}
		if err := c.transcripts.Delete(id); err != nil {
			c.logger.Error().Err(err).Str("session_id", id).Msg("Failed to delete transcript")
			continue
		}
		deleted++
		c.logger.Debug().Str("session_id", id).Dur("age", age).Msg("Transcript deleted")
	}

	if deleted > 0 {
		c.logger.Info().Int("deleted", deleted).Msg("Cleaned up old transcripts")
	}
	return deleted, nil
}
