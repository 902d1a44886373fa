// Package cli wires configuration, providers and the SMTP relay into the
// mailcoach-relay command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shineum/mailcoach-relay/internal/config"
	"github.com/shineum/mailcoach-relay/internal/logging"
)

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "mailcoach-relay",
		Short: "Relay email to the Mailcoach transactional-mail API",
		Long: `mailcoach-relay accepts messages over SMTP or from files and delivers
them through the Mailcoach transactional-mail API, AWS SES, or stdout.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file (optional)")

	root.AddCommand(
		newServeCommand(&configPath),
		newSendCommand(&configPath),
		newPayloadCommand(),
	)
	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the YAML file at path with env overrides, or the
// environment alone when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger installs the default logger on w and returns its flush
// function.
func setupLogger(cfg *config.Config, w io.Writer) func() {
	logger, flush := logging.New(w, logging.Options{
		Level:             cfg.Logging.Level,
		SentryDSN:         cfg.Logging.SentryDSN,
		SentryEnvironment: cfg.Logging.SentryEnvironment,
	})
	slog.SetDefault(logger)
	return flush
}
