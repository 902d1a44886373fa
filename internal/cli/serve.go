package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/mailcoach-relay/internal/config"
	"github.com/shineum/mailcoach-relay/internal/smtp"
	"github.com/shineum/mailcoach-relay/internal/telemetry"
	smtptls "github.com/shineum/mailcoach-relay/internal/tls"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SMTP relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			flush := setupLogger(cfg, os.Stdout)
			defer flush()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	if cfg.Telemetry.Tracing {
		tp, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, os.Stderr)
		if err != nil {
			return err
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				slog.Error("error shutting down tracer", "error", err)
			}
		}()
	}

	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		return err
	}
	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	prov, err := newProvider(ctx, cfg, os.Stdout)
	if err != nil {
		return err
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Provider:       prov,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
	})

	slog.Info("starting mailcoach-relay",
		"listen", cfg.SMTP.Listen,
		"provider", prov.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
		"tracing", cfg.Telemetry.Tracing,
	)

	if err := server.ListenAndServe(ctx); err != nil {
		return err
	}

	slog.Info("mailcoach-relay stopped")
	return nil
}
