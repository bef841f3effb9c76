package dispatcher

import (
	"context"

	"github.com/harun/conductor/pkg/profiles"
	"github.com/harun/conductor/pkg/runner"
)

// Process is a started agent process.
type Process interface {
	Cancel()
	Done() <-chan struct{}
}

// Launcher starts the agent for one session. An error means nothing was
// started and no event was emitted.
type Launcher interface {
	Launch(ctx context.Context, spec runner.Spec, emit runner.Emitter) (Process, error)
}

// LaunchFunc adapts a function to Launcher.
type LaunchFunc func(ctx context.Context, spec runner.Spec, emit runner.Emitter) (Process, error)

func (f LaunchFunc) Launch(ctx context.Context, spec runner.Spec, emit runner.Emitter) (Process, error) {
	return f(ctx, spec, emit)
}

// FromRunner launches sessions with r.
func FromRunner(r *runner.Runner) Launcher {
	return LaunchFunc(func(ctx context.Context, spec runner.Spec, emit runner.Emitter) (Process, error) {
		h, err := r.Start(ctx, spec, emit)
		if err != nil {
			return nil, err
		}
		return h, nil
	})
}

// ProfileSource resolves model profile ids.
type ProfileSource interface {
	Get(id string) (profiles.Profile, error)
}
