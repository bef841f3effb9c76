// Package session holds in-memory session state and fans session events out
// to subscribers.
//
// Invariants:
//   - Session state only moves forward: queued, running, then one terminal state.
//   - Registry.Apply is the only state mutator and rejects events after a terminal event.
//   - Events of one session are relayed in emission order; the terminal event
//     is always delivered and closes the session's subscriber channels.
//   - Transcripts are append-only JSONL, one file per session, synced per event.
//
// Usage:
//
//	mgr := session.NewManager(registry, relay, transcripts, logger)
//	s, _ := mgr.Create(ctx, session.New(prompt))
//	events, cancel := mgr.Relay().Subscribe(s.ID, 64)
//	defer cancel()
package session
