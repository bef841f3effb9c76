package cli

import (
	"github.com/spf13/cobra"
)

var sessionsOpts struct {
	history int
	json    bool
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions [id]",
	Short: "List sessions, or show one",
	Long: `List running, queued and recently completed sessions. With an id, show
that session, including finished sessions still held in history.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSessions,
}

func init() {
	f := sessionsCmd.Flags()
	f.IntVar(&sessionsOpts.history, "history", 0, "list this many finished sessions instead, newest first")
	f.BoolVar(&sessionsOpts.json, "json", false, "print the result as JSON")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		s, err := c.GetSession(ctx, args[0])
		if err != nil {
			return err
		}
		if sessionsOpts.json {
			return writeJSON(out, s)
		}
		renderSession(out, s)
		return nil
	}

	if sessionsOpts.history > 0 {
		list, err := c.History(ctx, sessionsOpts.history)
		if err != nil {
			return err
		}
		if sessionsOpts.json {
			return writeJSON(out, list)
		}
		renderSessions(out, "History", list)
		return nil
	}

	groups, err := c.ListSessions(ctx)
	if err != nil {
		return err
	}
	if sessionsOpts.json {
		return writeJSON(out, groups)
	}
	renderSessions(out, "Running", groups.Running)
	renderSessions(out, "Queued", groups.Queued)
	renderSessions(out, "Recently completed", groups.RecentlyCompleted)
	return nil
}
