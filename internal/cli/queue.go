package cli

import (
	"fmt"

	"github.com/harun/conductor/pkg/client"
	"github.com/harun/conductor/pkg/promptstore"
	"github.com/spf13/cobra"
)

var queueOpts struct {
	status []string
	search string
	offset int
	limit  int
	json   bool
}

var queueCmd = &cobra.Command{
	Use:     "queue",
	Aliases: []string{"prompts"},
	Short:   "List prompts",
	Long: `List prompts newest first. Without --status every prompt is listed,
including finished ones.`,
	Example: `  conductor queue --status pending --status dispatched
  conductor queue --search refactor --limit 20`,
	RunE: runQueue,
}

var promptCmd = &cobra.Command{
	Use:   "prompt <id>",
	Short: "Show one prompt",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrompt,
}

func init() {
	f := queueCmd.Flags()
	f.StringSliceVarP(&queueOpts.status, "status", "s", nil, "only prompts with this status (repeatable)")
	f.StringVarP(&queueOpts.search, "search", "q", "", "case-insensitive text to find in the message")
	f.IntVar(&queueOpts.offset, "offset", 0, "prompts to skip")
	f.IntVarP(&queueOpts.limit, "limit", "n", 50, "maximum prompts to list")
	f.BoolVar(&queueOpts.json, "json", false, "print the result as JSON")
	promptCmd.Flags().BoolVar(&queueOpts.json, "json", false, "print the result as JSON")
	rootCmd.AddCommand(queueCmd, promptCmd)
}

func runQueue(cmd *cobra.Command, args []string) error {
	opts := client.ListOptions{
		Search: queueOpts.search,
		Offset: queueOpts.offset,
		Limit:  queueOpts.limit,
	}
	for _, s := range queueOpts.status {
		status := promptstore.Status(s)
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", s)
		}
		opts.Status = append(opts.Status, status)
	}

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	res, err := c.ListPrompts(cmd.Context(), opts)
	if err != nil {
		return err
	}

	if queueOpts.json {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	renderPrompts(cmd.OutOrStdout(), res)
	return nil
}

func runPrompt(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	p, err := c.GetPrompt(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if queueOpts.json {
		return writeJSON(out, p)
	}
	fmt.Fprintf(out, "%-14s %s\n", "Prompt:", p.ID)
	fmt.Fprintf(out, "%-14s %s\n", "Status:", styleStatus(string(p.Status)))
	fmt.Fprintf(out, "%-14s %s\n", "Project:", p.ProjectPath)
	if p.SessionID != "" {
		fmt.Fprintf(out, "%-14s %s\n", "Session:", p.SessionID)
	}
	if p.Attempts > 0 {
		fmt.Fprintf(out, "%-14s %d\n", "Attempts:", p.Attempts)
	}
	if p.Error != "" {
		fmt.Fprintf(out, "%-14s %s\n", "Error:", p.Error)
	}
	fmt.Fprintf(out, "%-14s %s\n", "Created:", ago(p.CreatedAt))
	fmt.Fprintf(out, "\n%s\n", p.Message)
	return nil
}
