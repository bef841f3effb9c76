package cli

import (
	"fmt"

	"github.com/harun/conductor/internal/config"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/spf13/cobra"
)

var configureOpts struct {
	agent     string
	format    string
	store     string
	port      int
	newSecret bool
}

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write the configuration file",
	Long: `Write the configuration file, starting from the current one or the
defaults. Only the settings named by flags change.`,
	RunE: runConfigure,
}

func init() {
	f := configureCmd.Flags()
	f.StringVar(&configureOpts.agent, "agent", "", "agent executable")
	f.StringVar(&configureOpts.format, "format", "", "agent output format (claude, canonical)")
	f.StringVar(&configureOpts.store, "store", "", "prompt store driver (file, sqlite)")
	f.IntVar(&configureOpts.port, "port", 0, "gateway port")
	f.BoolVar(&configureOpts.newSecret, "generate-secret", false, "generate a new gateway shared secret")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if configureOpts.agent != "" {
		cfg.Agent.Executable = configureOpts.agent
	}
	if configureOpts.format != "" {
		cfg.Agent.Format = configureOpts.format
	}
	if configureOpts.store != "" && configureOpts.store != cfg.Store.Driver {
		cfg.Store.Driver = configureOpts.store
		// the path default depends on the driver
		cfg.Store.Path = ""
		cfg.ApplyDataDir(cfg.DataDir)
	}
	if configureOpts.port != 0 {
		cfg.Gateway.Port = configureOpts.port
	}
	if configureOpts.newSecret || cfg.Gateway.SharedSecret == "" {
		if cfg.Gateway.SharedSecret, err = generateSecret(); err != nil {
			return err
		}
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Save configuration
	loader := config.NewLoader(cfgFile)
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(out, "You can now start the daemon with: conductor serve")
	return nil
}

func generateSecret() (string, error) {
	secret, err := gonanoid.New(40)
	if err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return secret, nil
}
