package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/shineum/mailcoach-relay/internal/config"
	"github.com/shineum/mailcoach-relay/internal/mailcoach"
	"github.com/shineum/mailcoach-relay/internal/provider"
	"github.com/shineum/mailcoach-relay/internal/provider/ses"
	"github.com/shineum/mailcoach-relay/internal/provider/stdout"
)

// newProvider builds the delivery backend chosen by cfg. The stdout
// provider prints to out.
func newProvider(ctx context.Context, cfg *config.Config, out io.Writer) (provider.Provider, error) {
	switch name := cfg.ResolveProvider(); name {
	case config.ProviderMailcoach:
		if !cfg.MailcoachConfigured() {
			return nil, fmt.Errorf("mailcoach provider selected but MAILCOACH_TOKEN is not set")
		}
		opts := []mailcoach.Option{
			mailcoach.WithHost(cfg.Mailcoach.Host),
			mailcoach.WithTimeout(cfg.Mailcoach.Timeout),
		}
		for k, v := range cfg.Mailcoach.Headers {
			opts = append(opts, mailcoach.WithHeader(k, v))
		}
		slog.Info("using Mailcoach provider",
			"host", cfg.Mailcoach.Host,
			"timeout", cfg.Mailcoach.Timeout.String(),
		)
		return mailcoach.New(cfg.Mailcoach.Token, opts...), nil

	case config.ProviderSES:
		if !cfg.SESConfigured() {
			return nil, fmt.Errorf("ses provider selected but SES_REGION and SES_SENDER are required")
		}
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		p, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.NewWithWriter(out), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// overrideHost points a Mailcoach provider at host. Other providers have
// no host to change.
func overrideHost(p provider.Provider, host string) error {
	if host == "" {
		return nil
	}
	t, ok := p.(*mailcoach.Transport)
	if !ok {
		return fmt.Errorf("--host only applies to the mailcoach provider, not %s", p.Name())
	}
	t.SetHost(host)
	return nil
}
