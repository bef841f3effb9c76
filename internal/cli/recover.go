package cli

import (
	"errors"
	"fmt"

	"github.com/harun/conductor/internal/daemon"
	"github.com/harun/conductor/internal/logger"
	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Repair queue state after a crash",
	Long: `Repair queue state left by a daemon that did not shut down cleanly, without
starting it. Sessions that never finished are closed out as failed and their
prompts return to the queue. The daemon does the same on every start; this
command is for inspecting the result first. It refuses to run while the
daemon is running.`,
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logCfg := loggerConfig(cfg)
	logCfg.File = ""
	log, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	report, err := daemon.RecoverOffline(cmd.Context(), cfg, log.GetZerolog())
	if errors.Is(err, daemon.ErrAlreadyRunning) {
		return fmt.Errorf("the daemon is running and recovers on its own; stop it first")
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Sessions finished:    %d\n", report.Finished)
	fmt.Fprintf(out, "Sessions interrupted: %d\n", report.Interrupted)
	fmt.Fprintf(out, "Prompts settled:      %d\n", report.Settled)
	fmt.Fprintf(out, "Prompts requeued:     %d\n", report.Requeued)
	return nil
}
