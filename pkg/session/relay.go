package session

import (
	"strings"
	"sync"

	"github.com/harun/conductor/internal/observability"
)

const (
	defaultEventBuffer = 64
	// finished sessions whose terminal event is replayed to late subscribers
	defaultFinishedSize = 256
)

// Relay fans session events out to per-session subscribers and queue
// counts to aggregate subscribers. Publishing never blocks: a full
// subscriber loses progress events, never the terminal one.
type Relay struct {
	mu          sync.Mutex
	subscribers map[string]map[uint64]chan Event
	finished    map[string]Event
	finishedIDs []string
	status      map[uint64]chan QueueStatus
	lastStatus  *QueueStatus
	nextID      uint64
	buffer      int
}

// NewRelay creates a relay whose subscriptions default to buffer slots.
func NewRelay(buffer int) *Relay {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Relay{
		subscribers: make(map[string]map[uint64]chan Event),
		finished:    make(map[string]Event),
		status:      make(map[uint64]chan QueueStatus),
		buffer:      buffer,
	}
}

func closedEvents() chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

// Subscribe returns the event channel of a session and a cancel function.
// A session that already finished yields its terminal event, then the
// channel closes.
func (h *Relay) Subscribe(sessionID string, buffer int) (<-chan Event, func()) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return closedEvents(), func() {}
	}
	if buffer <= 0 {
		buffer = h.buffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if evt, ok := h.finished[sessionID]; ok {
		ch := make(chan Event, 1)
		ch <- evt
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, buffer)
	h.nextID++
	subID := h.nextID
	if _, exists := h.subscribers[sessionID]; !exists {
		h.subscribers[sessionID] = make(map[uint64]chan Event)
	}
	h.subscribers[sessionID][subID] = ch
	observability.AddStreamSubscribers(1)

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs, ok := h.subscribers[sessionID]
		if !ok {
			return
		}
		sub, exists := subs[subID]
		if !exists {
			return
		}
		delete(subs, subID)
		if len(subs) == 0 {
			delete(h.subscribers, sessionID)
		}
		close(sub)
		observability.AddStreamSubscribers(-1)
	}

	return ch, cancel
}

// Publish delivers evt to the session's subscribers. A terminal event is
// delivered once and then every subscriber channel of the session closes.
func (h *Relay) Publish(evt Event) {
	sessionID := strings.TrimSpace(evt.SessionID)
	if sessionID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, done := h.finished[sessionID]; done {
		return
	}

	subs := h.subscribers[sessionID]
	if !evt.Type.Terminal() {
		for _, sub := range subs {
			select {
			case sub <- evt:
			default:
				observability.RecordRelayDrop()
			}
		}
		return
	}

	for _, sub := range subs {
		deliverEvicting(sub, evt)
		close(sub)
		observability.AddStreamSubscribers(-1)
	}
	delete(h.subscribers, sessionID)
	h.markFinished(sessionID, evt)
}

// deliverEvicting makes room by discarding the oldest buffered events. Only
// the relay sends on sub, so the loop ends once a slot is free.
func deliverEvicting(sub chan Event, evt Event) {
	for {
		select {
		case sub <- evt:
			return
		default:
		}
		select {
		case <-sub:
			observability.RecordRelayDrop()
		default:
		}
	}
}

// markFinished remembers the terminal event, bounded FIFO. Callers hold h.mu.
func (h *Relay) markFinished(sessionID string, evt Event) {
	h.finished[sessionID] = evt
	h.finishedIDs = append(h.finishedIDs, sessionID)
	for len(h.finishedIDs) > defaultFinishedSize {
		delete(h.finished, h.finishedIDs[0])
		h.finishedIDs = h.finishedIDs[1:]
	}
}

// Forget drops all state of a session, closing any remaining subscribers.
func (h *Relay) Forget(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subscribers[sessionID] {
		close(sub)
		observability.AddStreamSubscribers(-1)
	}
	delete(h.subscribers, sessionID)
	delete(h.finished, sessionID)
}

// SubscriberCount returns the number of open subscriptions for a session.
func (h *Relay) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[sessionID])
}

// SubscribeStatus returns the aggregate queue status channel. The latest
// known status, if any, is delivered first.
func (h *Relay) SubscribeStatus(buffer int) (<-chan QueueStatus, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan QueueStatus, buffer)

	h.mu.Lock()
	h.nextID++
	subID := h.nextID
	h.status[subID] = ch
	if h.lastStatus != nil {
		ch <- *h.lastStatus
	}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.status[subID]; ok {
			delete(h.status, subID)
			close(sub)
		}
	}
	return ch, cancel
}

// PublishStatus sends status to every aggregate subscriber. Identical
// consecutive counts are not re-sent. A full subscriber drops its oldest
// status so it always ends up with the newest one.
func (h *Relay) PublishStatus(status QueueStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lastStatus != nil && h.lastStatus.sameCounts(status) {
		return
	}
	h.lastStatus = &status

	for _, sub := range h.status {
		for sent := false; !sent; {
			select {
			case sub <- status:
				sent = true
			default:
				select {
				case <-sub:
				default:
				}
			}
		}
	}
}

// LastStatus returns the most recently published queue status.
func (h *Relay) LastStatus() (QueueStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastStatus == nil {
		return QueueStatus{}, false
	}
	return *h.lastStatus, true
}

// Close closes every subscription.
func (h *Relay) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, subs := range h.subscribers {
		for _, sub := range subs {
			close(sub)
			observability.AddStreamSubscribers(-1)
		}
		delete(h.subscribers, id)
	}
	for id, sub := range h.status {
		close(sub)
		delete(h.status, id)
	}
}

func (s QueueStatus) sameCounts(o QueueStatus) bool {
	return s.Running == o.Running && s.Queued == o.Queued && s.RecentlyCompleted == o.RecentlyCompleted
}
