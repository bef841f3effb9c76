package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/conductor/pkg/dispatcher"
	"github.com/harun/conductor/pkg/promptstore"
	"github.com/spf13/cobra"
)

var submitOpts struct {
	project      string
	conversation string
	profile      string
	primaryFile  string
	references   []string
	diffSummary  string
	now          bool
	follow       bool
	json         bool
}

var submitCmd = &cobra.Command{
	Use:   "submit [message]",
	Short: "Queue a prompt for the agent",
	Long: `Queue a prompt for the agent. Prompts of one project run one at a time in
submission order; prompts of different projects run concurrently.

The message is taken from the arguments, or from stdin when none are given.
Pass --conversation to continue an earlier agent conversation.`,
	RunE: runSubmit,
}

func init() {
	f := submitCmd.Flags()
	f.StringVarP(&submitOpts.project, "project", "p", "", "project directory (default is the working directory)")
	f.StringVarP(&submitOpts.conversation, "conversation", "c", "", "conversation id to continue")
	f.StringVar(&submitOpts.profile, "profile", "", "model profile id")
	f.StringVar(&submitOpts.primaryFile, "file", "", "primary file the prompt is about")
	f.StringSliceVar(&submitOpts.references, "ref", nil, "referenced file (repeatable)")
	f.StringVar(&submitOpts.diffSummary, "diff", "", "diff summary to include")
	f.BoolVar(&submitOpts.now, "now", false, "dispatch within the call when the project is idle")
	f.BoolVarP(&submitOpts.follow, "follow", "f", false, "stream the session's progress once it starts")
	f.BoolVar(&submitOpts.json, "json", false, "print the result as JSON")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	message, err := promptMessage(cmd, args)
	if err != nil {
		return err
	}

	project := submitOpts.project
	if project == "" {
		if project, err = os.Getwd(); err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
	}
	if project, err = filepath.Abs(project); err != nil {
		return fmt.Errorf("invalid project path: %w", err)
	}

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	res, err := c.Submit(cmd.Context(), dispatcher.SubmitRequest{
		Message: message,
		Context: promptstore.Context{
			PrimaryFile: submitOpts.primaryFile,
			References:  submitOpts.references,
			DiffSummary: submitOpts.diffSummary,
		},
		ProjectPath:    project,
		ConversationID: submitOpts.conversation,
		ModelProfileID: submitOpts.profile,
		RunImmediately: submitOpts.now,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if submitOpts.json {
		return writeJSON(out, res)
	}
	if res.Immediate {
		fmt.Fprintf(out, "Prompt %s started as session %s\n", res.PromptID, res.SessionID)
	} else {
		fmt.Fprintf(out, "Prompt %s queued\n", res.PromptID)
	}

	if !submitOpts.follow {
		return nil
	}
	sessionID := res.SessionID
	if sessionID == "" {
		if sessionID, err = waitForSession(cmd, c, res.PromptID); err != nil {
			return err
		}
	}
	return followSession(cmd, c, sessionID)
}

// promptMessage joins the arguments, or reads stdin when there are none.
func promptMessage(cmd *cobra.Command, args []string) (string, error) {
	message := strings.Join(args, " ")
	if message == "" {
		data, err := readAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read prompt from stdin: %w", err)
		}
		message = string(data)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return "", fmt.Errorf("prompt message is empty")
	}
	return message, nil
}
