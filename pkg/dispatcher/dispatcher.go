package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/pkg/promptstore"
	"github.com/harun/conductor/pkg/session"
	"github.com/rs/zerolog"
)

// Config controls retries of failed dispatch attempts.
type Config struct {
	// MaxAttempts is the number of spawn attempts before a prompt fails.
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		RetryBase:   time.Second,
		RetryMax:    time.Minute,
	}
}

// lane serialises dispatch attempts of one scope. A trigger that arrives
// while the lane drains is folded into one more pass.
type lane struct {
	mu      sync.Mutex
	active  bool
	again   bool
	retries *time.Timer
}

// run is a session the dispatcher started and has not seen finish.
type run struct {
	promptID string
	scope    string
	proc     Process
}

// Dispatcher claims pending prompts and starts their sessions.
type Dispatcher struct {
	store    promptstore.Store
	sessions *session.Manager
	launcher Launcher
	profiles ProfileSource
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	lanes   map[string]*lane
	running map[string]*run
	closing bool
}

// New wires a dispatcher and subscribes it to session outcomes. profiles
// may be nil, in which case submissions naming a profile are rejected.
func New(store promptstore.Store, sessions *session.Manager, launcher Launcher, profiles ProfileSource, cfg Config, logger zerolog.Logger) *Dispatcher {
	observability.EnsureRegistered()

	defaults := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaults.RetryBase
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:    store,
		sessions: sessions,
		launcher: launcher,
		profiles: profiles,
		cfg:      cfg,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		lanes:    make(map[string]*lane),
		running:  make(map[string]*run),
	}
	sessions.OnTerminal(d.sessionFinished)
	return d
}

func (d *Dispatcher) lane(scope string) *lane {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lanes[scope]
	if !ok {
		l = &lane{}
		d.lanes[scope] = l
	}
	return l
}

// Trigger schedules a dispatch pass for scope. It never blocks; triggers
// for a scope that is already draining are coalesced.
func (d *Dispatcher) Trigger(scope string) {
	if scope == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return
	}
	l, ok := d.lanes[scope]
	if !ok {
		l = &lane{}
		d.lanes[scope] = l
	}
	if l.active {
		l.again = true
		return
	}
	l.active = true
	d.wg.Add(1)
	go d.drain(scope, l)
}

func (d *Dispatcher) drain(scope string, l *lane) {
	defer d.wg.Done()
	for {
		for {
			p, _, err := d.attempt(d.ctx, scope)
			if p == nil || err == nil {
				// nothing claimable, or a session now holds the scope
				break
			}
		}
		d.publishStatus(d.ctx, scope)

		d.mu.Lock()
		if l.again && !d.closing {
			l.again = false
			d.mu.Unlock()
			continue
		}
		l.active = false
		l.again = false
		d.mu.Unlock()
		return
	}
}

// Sweep triggers every scope with pending prompts. Backed-off prompts are
// picked up here once their retry time has passed.
func (d *Dispatcher) Sweep(ctx context.Context) error {
	scopes, err := d.store.Scopes(ctx)
	if err != nil {
		return err
	}
	for _, scope := range scopes {
		d.Trigger(scope)
	}
	return nil
}

// scheduleRetry triggers scope again once delay has passed.
func (d *Dispatcher) scheduleRetry(scope string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return
	}
	l, ok := d.lanes[scope]
	if !ok {
		return
	}
	if l.retries != nil {
		l.retries.Stop()
	}
	l.retries = time.AfterFunc(delay, func() { d.Trigger(scope) })
}

// Running returns the number of sessions the dispatcher is supervising.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// Shutdown stops dispatching, cancels running sessions and waits for
// their terminal events. Prompts of sessions stopped this way return to
// pending so they run again on the next start.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	for _, l := range d.lanes {
		if l.retries != nil {
			l.retries.Stop()
		}
	}
	d.mu.Unlock()
	defer d.cancel()

	// lanes stop at their next attempt; one already launching finishes first
	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.mu.Lock()
	runs := make([]*run, 0, len(d.running))
	for _, r := range d.running {
		runs = append(runs, r)
	}
	d.mu.Unlock()

	d.logger.Info().Int("running", len(runs)).Msg("Stopping dispatcher")
	for _, r := range runs {
		r.proc.Cancel()
	}
	for _, r := range runs {
		select {
		case <-r.proc.Done():
		case <-ctx.Done():
			d.logger.Warn().Err(ctx.Err()).Msg("Timeout waiting for sessions to stop")
			return ctx.Err()
		}
	}
	d.logger.Info().Msg("Dispatcher stopped")
	return nil
}

func (d *Dispatcher) isClosing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closing
}
