package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harun/conductor/pkg/dispatcher"
	"github.com/harun/conductor/pkg/promptstore"
	"github.com/harun/conductor/pkg/session"
	"github.com/rs/zerolog"
)

// Intent says whether a submission continues the current conversation.
// The zero value is invalid so callers always decide.
type Intent int

const (
	// IntentContinue resumes the current conversation and adopts the id
	// the resulting session reports.
	IntentContinue Intent = iota + 1
	// IntentFresh starts an independent conversation and leaves the
	// current one untouched.
	IntentFresh
)

func (i Intent) String() string {
	switch i {
	case IntentContinue:
		return "continue"
	case IntentFresh:
		return "fresh"
	}
	return "unset"
}

// ErrIntentRequired is returned by Submit without a valid Intent.
var ErrIntentRequired = errors.New("submit intent must be continue or fresh")

// SubmitInput is a submission without its conversation id, which the
// controller fills in from the Intent.
type SubmitInput struct {
	Message        string
	Context        promptstore.Context
	ProjectPath    string
	ModelProfileID string
	RunImmediately bool
}

// Projection is the local mirror of the queue and its sessions.
type Projection struct {
	Running           []*session.Session    `json:"running"`
	Queued            []*session.Session    `json:"queued"`
	RecentlyCompleted []*session.Session    `json:"recentlyCompleted"`
	Prompts           []*promptstore.Prompt `json:"prompts"`
	Status            session.QueueStatus   `json:"status"`
	// CancelPending holds sessions asked to stop that have not ended yet.
	CancelPending  map[string]bool `json:"cancelPending"`
	Connected      bool            `json:"connected"`
	ConversationID string          `json:"conversationId,omitempty"`
}

func cloneSessions(in []*session.Session) []*session.Session {
	out := make([]*session.Session, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}

func (p Projection) clone() Projection {
	c := p
	c.Running = cloneSessions(p.Running)
	c.Queued = cloneSessions(p.Queued)
	c.RecentlyCompleted = cloneSessions(p.RecentlyCompleted)
	c.Prompts = make([]*promptstore.Prompt, len(p.Prompts))
	for i, pr := range p.Prompts {
		c.Prompts[i] = pr.Clone()
	}
	c.CancelPending = make(map[string]bool, len(p.CancelPending))
	for k, v := range p.CancelPending {
		c.CancelPending[k] = v
	}
	return c
}

// ControllerConfig tunes a Controller.
type ControllerConfig struct {
	// PromptLimit caps the mirrored prompt list; default 200.
	PromptLimit int
	// Backoff paces aggregate channel reconnects.
	Backoff *Backoff
	// StreamBackoff builds the reopen pacing of one progress stream.
	StreamBackoff func() *Backoff
	Logger        zerolog.Logger
}

type progressStream struct {
	cancel context.CancelFunc
}

// Controller keeps a Projection current. It follows the aggregate channel,
// holds one progress stream per running session and reconciles with a
// full fetch whenever a stream ends or the counts change.
type Controller struct {
	client        *Client
	onChange      func(Projection)
	logger        zerolog.Logger
	promptLimit   int
	backoff       *Backoff
	streamBackoff func() *Backoff

	mu             sync.Mutex
	proj           Projection
	conversationID string
	adopt          map[string]bool
	streams        map[string]*progressStream
	seen           map[string]int64
	reopen         map[string]*Backoff
	reopenDelay    map[string]time.Duration
	ctx            context.Context
	stopped        bool

	notifyMu    sync.Mutex
	reconcileMu sync.Mutex
	reconcileCh chan struct{}
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewController creates a controller. onChange receives every new
// projection, in order, from one goroutine at a time; it may be nil.
func NewController(client *Client, onChange func(Projection), cfg ControllerConfig) *Controller {
	if cfg.PromptLimit <= 0 {
		cfg.PromptLimit = 200
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.StreamBackoff == nil {
		cfg.StreamBackoff = DefaultBackoff
	}
	if onChange == nil {
		onChange = func(Projection) {}
	}
	return &Controller{
		client:        client,
		onChange:      onChange,
		logger:        cfg.Logger.With().Str("component", "controller").Logger(),
		promptLimit:   cfg.PromptLimit,
		backoff:       cfg.Backoff,
		streamBackoff: cfg.StreamBackoff,
		proj:          Projection{CancelPending: map[string]bool{}},
		adopt:         make(map[string]bool),
		streams:       make(map[string]*progressStream),
		seen:          make(map[string]int64),
		reopen:        make(map[string]*Backoff),
		reopenDelay:   make(map[string]time.Duration),
		reconcileCh:   make(chan struct{}, 1),
	}
}

// Start runs the aggregate channel loop and the reconcile worker until
// Stop or ctx ends.
func (c *Controller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.ctx = ctx
	c.cancel = cancel
	c.wg.Add(2)
	c.mu.Unlock()

	go c.aggregateLoop(ctx)
	go c.reconcileLoop(ctx)
	c.requestReconcile()
}

// Stop closes every connection and waits for the loops to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// Snapshot returns the current projection.
func (c *Controller) Snapshot() Projection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Projection {
	p := c.proj.clone()
	p.ConversationID = c.conversationID
	return p
}

// ConversationID returns the current conversation id.
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// SetConversationID replaces the current conversation; empty starts over.
func (c *Controller) SetConversationID(id string) {
	c.mu.Lock()
	c.conversationID = id
	c.mu.Unlock()
	c.notify()
}

// notify hands the latest projection to onChange. Snapshot and delivery
// happen under one lock so listeners never see an older projection after
// a newer one.
func (c *Controller) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.mu.Lock()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.onChange(snap)
}

// Submit sends a prompt. IntentContinue passes the current conversation
// id; IntentFresh passes none.
func (c *Controller) Submit(ctx context.Context, in SubmitInput, intent Intent) (*dispatcher.SubmitResult, error) {
	if intent != IntentContinue && intent != IntentFresh {
		return nil, ErrIntentRequired
	}

	req := dispatcher.SubmitRequest{
		Message:        in.Message,
		Context:        in.Context,
		ProjectPath:    in.ProjectPath,
		ModelProfileID: in.ModelProfileID,
		RunImmediately: in.RunImmediately,
	}
	if intent == IntentContinue {
		req.ConversationID = c.ConversationID()
	}

	res, err := c.client.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if intent == IntentContinue {
		c.mu.Lock()
		c.adopt[res.PromptID] = true
		c.mu.Unlock()
	}

	c.logger.Debug().
		Str("prompt_id", res.PromptID).
		Stringer("intent", intent).
		Bool("immediate", res.Immediate).
		Msg("Prompt submitted")

	if err := c.Reconcile(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Reconcile after submit failed")
	}
	return res, nil
}

// CancelPrompt removes a queued prompt or stops the session of a
// dispatched one.
func (c *Controller) CancelPrompt(ctx context.Context, promptID string) (*dispatcher.CancelResult, error) {
	sessionID := ""
	c.mu.Lock()
	for _, p := range c.proj.Prompts {
		if p.ID == promptID && p.Status.InFlight() {
			sessionID = p.SessionID
		}
	}
	c.mu.Unlock()

	if sessionID != "" {
		c.markCancel(sessionID, true)
	}
	res, err := c.client.CancelPrompt(ctx, promptID)
	if err != nil {
		if sessionID != "" {
			c.markCancel(sessionID, false)
		}
		return nil, err
	}
	if res.SessionID != "" && res.SessionID != sessionID {
		c.markCancel(res.SessionID, true)
	}
	if err := c.Reconcile(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Reconcile after cancel failed")
	}
	return res, nil
}

// CancelSession asks a session to stop. It shows as cancel-pending until
// the session ends.
func (c *Controller) CancelSession(ctx context.Context, sessionID string) error {
	c.markCancel(sessionID, true)
	if _, err := c.client.CancelSession(ctx, sessionID); err != nil {
		c.markCancel(sessionID, false)
		return err
	}
	return nil
}

func (c *Controller) markCancel(sessionID string, pending bool) {
	c.mu.Lock()
	if pending {
		c.proj.CancelPending[sessionID] = true
	} else {
		delete(c.proj.CancelPending, sessionID)
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) requestReconcile() {
	select {
	case c.reconcileCh <- struct{}{}:
	default:
	}
}

func (c *Controller) reconcileLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.reconcileCh:
			if err := c.Reconcile(ctx); err != nil && ctx.Err() == nil {
				c.logger.Debug().Err(err).Msg("Reconcile failed")
			}
		}
	}
}

// Reconcile refetches the queue and the sessions, then opens streams for
// newly active sessions and closes streams of sessions that stopped.
func (c *Controller) Reconcile(ctx context.Context) error {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	prompts, err := c.client.ListPrompts(ctx, ListOptions{Limit: c.promptLimit})
	if err != nil {
		return err
	}
	groups, err := c.client.ListSessions(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.proj.Prompts = prompts.Prompts
	c.proj.Running = groups.Running
	c.proj.Queued = groups.Queued
	c.proj.RecentlyCompleted = groups.RecentlyCompleted

	active := make(map[string]bool, len(groups.Running)+len(groups.Queued))
	for _, s := range groups.Queued {
		active[s.ID] = true
	}
	for _, s := range groups.Running {
		active[s.ID] = true
		c.adoptLocked(s.PromptID, s.ConversationID)
	}
	for _, s := range groups.RecentlyCompleted {
		c.adoptLocked(s.PromptID, s.ConversationID)
	}
	for id := range c.proj.CancelPending {
		if !active[id] {
			delete(c.proj.CancelPending, id)
		}
	}
	c.pruneAdoptLocked(prompts.Prompts)

	// queued sessions are followed too; an agent may stay silent for a
	// long time and its start does not change the aggregate counts
	for id := range active {
		if _, ok := c.streams[id]; !ok {
			c.openStreamLocked(id)
		}
	}
	for id, st := range c.streams {
		if !active[id] {
			st.cancel()
			delete(c.streams, id)
		}
	}
	for id := range c.seen {
		if !active[id] {
			delete(c.seen, id)
			delete(c.reopen, id)
			delete(c.reopenDelay, id)
		}
	}
	c.mu.Unlock()

	c.notify()
	return nil
}

// adoptLocked takes over the conversation id of a session started by a
// continuing submission.
func (c *Controller) adoptLocked(promptID, conversationID string) {
	if conversationID == "" || !c.adopt[promptID] {
		return
	}
	c.conversationID = conversationID
	delete(c.adopt, promptID)
}

// pruneAdoptLocked forgets continuing prompts that can no longer report
// a conversation id.
func (c *Controller) pruneAdoptLocked(prompts []*promptstore.Prompt) {
	live := make(map[string]bool, len(prompts))
	for _, p := range prompts {
		if !p.Status.Terminal() {
			live[p.ID] = true
		}
	}
	for id := range c.adopt {
		if !live[id] {
			delete(c.adopt, id)
		}
	}
}

func (c *Controller) openStreamLocked(sessionID string) {
	if c.ctx == nil || c.stopped {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	st := &progressStream{cancel: cancel}
	c.streams[sessionID] = st
	if _, ok := c.seen[sessionID]; !ok {
		c.seen[sessionID] = 0
	}
	delay := c.reopenDelay[sessionID]
	delete(c.reopenDelay, sessionID)

	c.wg.Add(1)
	go c.runStream(ctx, sessionID, st, delay)
}

func (c *Controller) runStream(ctx context.Context, sessionID string, st *progressStream, delay time.Duration) {
	defer c.wg.Done()
	defer st.cancel()

	if delay > 0 {
		select {
		case <-ctx.Done():
			c.dropStream(sessionID, st)
			return
		case <-time.After(delay):
		}
	}

	c.mu.Lock()
	after := c.seen[sessionID]
	c.mu.Unlock()

	err := c.client.StreamSession(ctx, sessionID, after, func(evt session.Event) {
		c.observe(sessionID, evt)
	})
	if ctx.Err() != nil {
		// closed by reconcile or Stop
		c.dropStream(sessionID, st)
		return
	}

	c.mu.Lock()
	if c.streams[sessionID] == st {
		delete(c.streams, sessionID)
	}
	if err != nil {
		b, ok := c.reopen[sessionID]
		if !ok {
			b = c.streamBackoff()
			c.reopen[sessionID] = b
		}
		c.reopenDelay[sessionID] = b.Next()
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Progress stream ended")
	}
	// the transport never decides the outcome; refetch instead
	c.requestReconcile()
}

func (c *Controller) dropStream(sessionID string, st *progressStream) {
	c.mu.Lock()
	if c.streams[sessionID] == st {
		delete(c.streams, sessionID)
	}
	c.mu.Unlock()
}

// observe folds a progress event into the mirrored running session.
func (c *Controller) observe(sessionID string, evt session.Event) {
	c.mu.Lock()
	if evt.Seq > c.seen[sessionID] {
		c.seen[sessionID] = evt.Seq
	}
	if b, ok := c.reopen[sessionID]; ok {
		b.Reset()
	}
	promoted := c.promoteLocked(sessionID, evt)
	for _, s := range c.proj.Running {
		if s.ID != sessionID {
			continue
		}
		s.Observe(evt)
		if evt.Type == session.EventSessionStarted {
			c.adoptLocked(s.PromptID, evt.ConversationID)
		}
	}
	c.mu.Unlock()
	c.notify()
	if promoted {
		c.requestReconcile()
	}
}

// promoteLocked moves a queued session to the running group once its
// stream shows it started.
func (c *Controller) promoteLocked(sessionID string, evt session.Event) bool {
	if evt.Type.Terminal() {
		return false
	}
	for i, s := range c.proj.Queued {
		if s.ID != sessionID {
			continue
		}
		c.proj.Queued = append(c.proj.Queued[:i:i], c.proj.Queued[i+1:]...)
		s.State = session.StateRunning
		c.proj.Running = append(c.proj.Running, s)
		return true
	}
	return false
}

func (c *Controller) setConnected(connected bool) {
	c.mu.Lock()
	changed := c.proj.Connected != connected
	c.proj.Connected = connected
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// aggregateLoop follows the queue status channel, reconnecting with
// jittered backoff. A delivered status resets the backoff.
func (c *Controller) aggregateLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		err := c.client.WatchStatus(ctx, func(status session.QueueStatus) {
			c.backoff.Reset()
			c.mu.Lock()
			c.proj.Status = status
			c.proj.Connected = true
			c.mu.Unlock()
			c.notify()
			c.requestReconcile()
		})
		if ctx.Err() != nil {
			return
		}
		c.setConnected(false)

		delay := c.backoff.Next()
		c.logger.Debug().Err(err).Dur("retry_in", delay).Msg("Aggregate channel lost")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
