package dispatcher

import (
	"errors"
	"fmt"
)

var (
	// ErrShuttingDown is returned once Shutdown has started.
	ErrShuttingDown = errors.New("dispatcher is shutting down")
	// ErrPromptBusy is returned when a prompt is between claim and launch.
	ErrPromptBusy = errors.New("prompt is being dispatched")
	// ErrPromptFinished is returned when cancelling a prompt that already ended.
	ErrPromptFinished = errors.New("prompt already finished")
)

// ValidationError rejects a malformed submission. Nothing was persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DispatchError records a failed attempt to start the agent for a prompt.
type DispatchError struct {
	PromptID string
	Attempts int
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch attempt %d failed: %v", e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
