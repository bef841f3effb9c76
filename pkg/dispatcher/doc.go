// Package dispatcher turns pending prompts into running agent sessions.
//
// Invariants:
// - Within a scope, prompts are claimed in creation order.
// - A scope holds at most one dispatching or running session.
// - Different scopes dispatch concurrently.
// - Every session outcome is written back to its prompt.
//
// Usage:
//
//	d := dispatcher.New(store, sessions, dispatcher.FromRunner(r), profiles, cfg, logger)
//	defer d.Shutdown(ctx)
//	res, err := d.Submit(ctx, dispatcher.SubmitRequest{Message: "say hello", ProjectPath: dir})
package dispatcher
