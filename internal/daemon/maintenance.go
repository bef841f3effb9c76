package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/conductor/internal/tracing"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	stickySchedule  = "@every 1s"
	cleanupSchedule = "@daily"
	sweepTimeout    = 30 * time.Second
)

// Maintenance runs the daemon's periodic jobs: the dispatch sweep that
// picks up backed-off prompts, expiry of recently completed sessions and
// transcript cleanup.
type Maintenance struct {
	daemon *Daemon
	cron   *cron.Cron
	logger zerolog.Logger
}

type maintenanceJob struct {
	name     string
	schedule string
	run      func()
}

// NewMaintenance schedules the jobs. Nothing runs until Start.
func NewMaintenance(d *Daemon) (*Maintenance, error) {
	logger := d.logger.Component("maintenance")
	cl := cronLogger{logger: logger}
	m := &Maintenance{
		daemon: d,
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	jobs := []maintenanceJob{
		{"dispatch sweep", d.config.Dispatch.SweepSchedule, m.sweep},
		{"sticky sweep", stickySchedule, m.sweepSticky},
	}
	if d.cleanup != nil {
		jobs = append(jobs, maintenanceJob{"transcript cleanup", cleanupSchedule, m.cleanupTranscripts})
	}
	for _, job := range jobs {
		if _, err := m.cron.AddFunc(job.schedule, job.run); err != nil {
			return nil, fmt.Errorf("invalid schedule %q for %s: %w", job.schedule, job.name, err)
		}
	}
	return m, nil
}

// Start starts the scheduler.
func (m *Maintenance) Start() {
	m.cron.Start()
	m.logger.Info().Int("jobs", len(m.cron.Entries())).Msg("Maintenance started")
}

// Stop stops the scheduler and waits for a running job to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
	m.logger.Info().Msg("Maintenance stopped")
}

func (m *Maintenance) sweep() {
	ctx, cancel := context.WithTimeout(tracing.NewRequestContext(m.daemon.ctx), sweepTimeout)
	defer cancel()
	if err := m.daemon.dispatcher.Sweep(ctx); err != nil {
		logger := tracing.LoggerFromContext(ctx, m.logger)
		logger.Warn().Err(err).Msg("Dispatch sweep failed")
	}
}

func (m *Maintenance) sweepSticky() {
	if !m.daemon.sessions.Registry().SweepSticky() {
		return
	}
	m.logger.Debug().Msg("Expired recently completed sessions")
	// clients refetch the groups when the status changes
	m.daemon.dispatcher.RefreshStatus(m.daemon.ctx)
}

func (m *Maintenance) cleanupTranscripts() {
	if _, err := m.daemon.cleanup.CleanupNow(); err != nil {
		m.logger.Error().Err(err).Msg("Transcript cleanup failed")
	}
}

// cronLogger adapts zerolog.Logger to cron.Logger
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log(l.logger.Debug(), msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log(l.logger.Error().Err(err), msg, keysAndValues...)
}

func (l cronLogger) log(ev *zerolog.Event, msg string, fields ...interface{}) {
	for i := 0; i+1 < len(fields); i += 2 {
		if key, ok := fields[i].(string); ok {
			ev.Interface(key, fields[i+1])
		}
	}
	ev.Msg(msg)
}
