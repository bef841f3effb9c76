package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelSession bool

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a prompt or a session",
	Long: `Cancel a prompt by id. A queued prompt is removed; a dispatched prompt has
its session stopped. With --session the id names a session instead.

Stopping a session is asynchronous: it shows as cancelling until the agent
process has exited.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().BoolVar(&cancelSession, "session", false, "the id is a session id")
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	id := args[0]

	if cancelSession {
		s, err := c.CancelSession(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Session %s is stopping\n", s.ID)
		return nil
	}

	res, err := c.CancelPrompt(cmd.Context(), id)
	if err != nil {
		return err
	}
	switch {
	case res.Removed:
		fmt.Fprintf(out, "Prompt %s removed from the queue\n", res.PromptID)
	case res.SessionID != "":
		fmt.Fprintf(out, "Prompt %s: session %s is stopping\n", res.PromptID, res.SessionID)
	default:
		fmt.Fprintf(out, "Prompt %s cancelled\n", res.PromptID)
	}
	return nil
}
