package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/conductor/internal/config"
	"github.com/harun/conductor/internal/logger"
	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/dispatcher"
	"github.com/harun/conductor/pkg/gateway"
	"github.com/harun/conductor/pkg/profiles"
	"github.com/harun/conductor/pkg/promptstore"
	"github.com/harun/conductor/pkg/runner"
	"github.com/harun/conductor/pkg/session"
	"github.com/rs/zerolog"
)

// Daemon represents the conductor daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store       promptstore.Store
	transcripts *session.Transcripts
	sessions    *session.Manager
	profiles    *profiles.Registry
	watcher     *profiles.Watcher
	runner      *runner.Runner
	dispatcher  *dispatcher.Dispatcher
	cleanup     *session.Cleanup

	// Services
	gatewayServer *gateway.Server
	maintenance   *Maintenance

	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// newLauncher builds the dispatcher's launcher from the runner. Tests
// replace it to script agent processes.
var newLauncher = func(r *runner.Runner) dispatcher.Launcher {
	return dispatcher.FromRunner(r)
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	cfg.ApplyDataDir(cfg.DataDir)

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}
	if err := tracing.InitOpenTelemetry("conductor-daemon"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// abort releases what a failed New already opened.
func (d *Daemon) abort() {
	d.cancel()
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// initializeCoreModules initializes all core modules
func (d *Daemon) initializeCoreModules() error {
	log := d.logger.GetZerolog()

	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := observability.InitAuditLogger(d.config.Logging.AuditFile); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else if d.config.Logging.AuditFile != "" {
		d.logger.Info().Str("path", d.config.Logging.AuditFile).Msg("Audit logger initialized")
	}

	store, err := openStore(d.ctx, d.config.Store, log)
	if err != nil {
		return err
	}
	d.store = store
	d.logger.Info().
		Str("driver", d.config.Store.Driver).
		Str("path", d.config.Store.Path).
		Msg("Prompt store initialized")

	if d.config.Session.Transcripts {
		transcripts, err := session.NewTranscripts(d.config.SessionsDir(), log)
		if err != nil {
			return fmt.Errorf("failed to create transcript store: %w", err)
		}
		d.transcripts = transcripts
	}

	registry := session.NewRegistry(session.RegistryConfig{
		StickyWindow: d.config.Session.StickyWindow(),
		HistorySize:  d.config.Session.HistorySize,
	}, log)
	d.sessions = session.NewManager(registry, session.NewRelay(d.config.Session.EventBuffer), d.transcripts, log)
	d.logger.Info().Bool("transcripts", d.transcripts != nil).Msg("Session manager initialized")

	if d.transcripts != nil {
		d.cleanup = session.NewCleanup(d.transcripts, registry, d.config.Session.Retention(), log)
	}

	profileRegistry, err := profiles.NewRegistry(d.config.Profiles.Path, log)
	if err != nil {
		return fmt.Errorf("failed to load model profiles: %w", err)
	}
	d.profiles = profileRegistry
	if d.config.Profiles.Watch {
		watcher, err := profiles.NewWatcher(profileRegistry, 0)
		if err != nil {
			return fmt.Errorf("failed to create profiles watcher: %w", err)
		}
		watcher.OnReload = func(err error) {
			if err != nil {
				d.logger.Error().Err(err).Msg("Profiles reload failed, keeping previous set")
			}
		}
		d.watcher = watcher
	}

	agentRunner, err := runner.New(runner.Config{
		Executable: d.config.Agent.Executable,
		Args:       d.config.Agent.Args,
		Format:     d.config.Agent.Format,
		Timeout:    d.config.Agent.Timeout(),
		KillGrace:  d.config.Agent.KillGrace(),
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.runner = agentRunner
	d.logger.Info().
		Str("executable", d.config.Agent.Executable).
		Str("format", d.config.Agent.Format).
		Msg("Agent runner initialized")

	d.dispatcher = dispatcher.New(d.store, d.sessions, newLauncher(agentRunner), d.profiles, dispatcher.Config{
		MaxAttempts: d.config.Dispatch.MaxAttempts,
		RetryBase:   d.config.Dispatch.RetryBase(),
		RetryMax:    d.config.Dispatch.RetryMax(),
	}, log)
	d.logger.Info().Int("max_attempts", d.config.Dispatch.MaxAttempts).Msg("Dispatcher initialized")

	return nil
}

// openStore opens the prompt store backend named by cfg.Driver.
func openStore(ctx context.Context, cfg config.StoreConfig, log zerolog.Logger) (promptstore.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := promptstore.NewSQLiteStore(ctx, cfg.Path, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite prompt store: %w", err)
		}
		return store, nil
	case "", "file":
		store, err := promptstore.NewFileStore(cfg.Path, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open file prompt store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// initializeServices initializes all services
func (d *Daemon) initializeServices() error {
	gatewayServer, err := gateway.NewServer(gateway.Config{
		Host:              d.config.Gateway.Host,
		Port:              d.config.Gateway.Port,
		SharedSecret:      d.config.Gateway.SharedSecret,
		RequestsPerMinute: d.config.Gateway.RequestsPerMinute,
		MaxConcurrent:     d.config.Gateway.MaxConcurrent,
		MetricsEnabled:    d.config.Gateway.MetricsEnabled,
		Dispatcher:        d.dispatcher,
		Store:             d.store,
		Sessions:          d.sessions,
		Profiles:          d.profiles,
		Logger:            d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = gatewayServer
	d.logger.Info().Str("addr", d.config.GatewayAddr()).Msg("Gateway server initialized")

	maintenance, err := NewMaintenance(d)
	if err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}
	d.maintenance = maintenance

	return nil
}

// Start runs recovery, then starts dispatching and serving.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx := tracing.NewRequestContext(d.ctx)
	logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	logger.Info().Msg("Starting conductor daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	d.checkAgentVersion(ctx)

	if err := d.recoverState(ctx); err != nil {
		d.setStopped()
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to recover state: %w", err)
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start profiles watcher")
		}
	}

	if err := d.gatewayServer.Start(); err != nil {
		d.setStopped()
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	d.maintenance.Start()

	// pick up everything recovery returned to the queue
	if err := d.dispatcher.Sweep(ctx); err != nil {
		logger.Warn().Err(err).Msg("Initial dispatch sweep failed")
	}

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// checkAgentVersion logs whether the agent meets the minimum version. A
// failed probe is not fatal; the agent may still run.
func (d *Daemon) checkAgentVersion(ctx context.Context) {
	version, err := runner.CheckVersion(ctx, d.config.Agent.Executable, d.config.Agent.MinVersion)
	if err != nil {
		d.logger.Warn().
			Err(err).
			Str("executable", d.config.Agent.Executable).
			Str("min_version", d.config.Agent.MinVersion).
			Msg("Agent version check failed")
		return
	}
	d.logger.Info().Str("version", version.String()).Msg("Agent version verified")
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop shuts the daemon down. Running sessions are cancelled and their
// prompts return to the queue.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := tracing.LoggerFromContext(tracing.NewRequestContext(d.ctx), d.logger.GetZerolog())
	logger.Info().Msg("Stopping conductor daemon")

	d.maintenance.Stop()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop profiles watcher")
		}
	}

	timeout := d.config.Dispatch.ShutdownTimeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := d.dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Dispatcher did not drain before the shutdown timeout")
	}

	if err := d.gatewayServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	d.cancel()
	d.sessions.Relay().Close()

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close prompt store")
	}

	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status represents daemon status
type Status struct {
	Running     bool
	Uptime      time.Duration
	StartTime   time.Time
	GatewayAddr string
	Queue       session.QueueStatus
}

// Status returns the current daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.GatewayAddr = d.gatewayServer.Addr()
		reg := d.sessions.Registry()
		running, queued := reg.Counts()
		status.Queue = session.QueueStatus{Running: running, Queued: queued, RecentlyCompleted: reg.Recent(), Timestamp: time.Now()}
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

func (d *Daemon) GetStore() promptstore.Store {
	return d.store
}

func (d *Daemon) GetSessionManager() *session.Manager {
	return d.sessions
}

func (d *Daemon) GetDispatcher() *dispatcher.Dispatcher {
	return d.dispatcher
}

func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

func (d *Daemon) GetProfiles() *profiles.Registry {
	return d.profiles
}
