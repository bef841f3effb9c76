package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/harun/conductor/pkg/client"
	"github.com/harun/conductor/pkg/promptstore"
	"github.com/harun/conductor/pkg/session"
	"github.com/spf13/cobra"
)

const pollInterval = 500 * time.Millisecond

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, 1<<20))
}

// waitForSession polls until the prompt has a session. It fails when the
// prompt ends without one.
func waitForSession(cmd *cobra.Command, c *client.Client, promptID string) (string, error) {
	ctx := cmd.Context()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		p, err := c.GetPrompt(ctx, promptID)
		if err != nil {
			return "", err
		}
		if p.SessionID != "" {
			return p.SessionID, nil
		}
		if p.Status.Terminal() {
			return "", fmt.Errorf("prompt %s %s: %s", promptID, p.Status, p.Error)
		}
		if p.Status == promptstore.StatusPending && p.Attempts > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "Dispatch attempt %d failed: %s\n", p.Attempts, p.Error)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// followSession prints the session's events until it ends. A dropped
// stream is resumed after the last event printed.
func followSession(cmd *cobra.Command, c *client.Client, sessionID string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	backoff := client.DefaultBackoff()

	var last int64
	var terminal *session.Event
	for {
		err := c.StreamSession(ctx, sessionID, last, func(evt session.Event) {
			backoff.Reset()
			last = evt.Seq
			renderEvent(out, evt)
			if evt.Type.Terminal() {
				e := evt
				terminal = &e
			}
		})
		if err == nil {
			break
		}
		if errors.Is(err, context.Canceled) {
			// interrupted by the user
			return nil
		}
		if errors.Is(err, client.ErrAuthFailed) || session.IsNotFound(err) {
			return err
		}

		delay := backoff.Next()
		fmt.Fprintf(cmd.ErrOrStderr(), "Stream interrupted (%v), reconnecting in %s\n", err, delay.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}

	if terminal != nil && terminal.Type == session.EventFailed {
		return fmt.Errorf("session %s failed: %s", sessionID, terminal.Error)
	}
	return nil
}
