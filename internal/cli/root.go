package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/conductor/internal/config"
	"github.com/harun/conductor/pkg/client"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile    string
	logLevel   string
	gatewayURL string
	secret     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Conductor - prompt queue and agent session orchestrator",
	Long: `Conductor queues prompts per project, runs each one as an agent session
and relays session progress to connected clients. The daemon owns the queue;
the other commands talk to it over its gateway.`,
	Version:      version,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
// Commands that stream until interrupted watch the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.conductor/conductor.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "url", "", "gateway URL (default from config)")
	rootCmd.PersistentFlags().StringVar(&secret, "secret", "", "gateway shared secret (default from config)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig reads the config file and applies the global flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newClient connects to the gateway named by --url, or by the config
// when the flag is absent.
func newClient(cmd *cobra.Command) (*client.Client, error) {
	url, key := gatewayURL, secret
	if url == "" || key == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		if url == "" {
			url = "http://" + cfg.GatewayAddr()
		}
		if key == "" {
			key = cfg.Gateway.SharedSecret
		}
	}

	return client.New(client.Config{
		URL:            url,
		Secret:         key,
		RequestTimeout: 30 * time.Second,
		Logger:         consoleLogger(cmd),
	})
}

// consoleLogger logs client-side diagnostics to stderr.
func consoleLogger(cmd *cobra.Command) zerolog.Logger {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(level).With().Timestamp().Logger()
}
