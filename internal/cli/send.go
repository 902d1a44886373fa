package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shineum/mailcoach-relay/internal/parser"
	"github.com/shineum/mailcoach-relay/internal/telemetry"
)

func newSendCommand(configPath *string) *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "send [file]",
		Short: "Send one RFC 5322 message from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			flush := setupLogger(cfg, cmd.ErrOrStderr())
			defer flush()

			if cfg.Telemetry.Tracing {
				tp, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				defer func() {
					if err := tp.Shutdown(context.Background()); err != nil {
						slog.Error("error shutting down tracer", "error", err)
					}
				}()
			}

			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			msg, err := parser.Parse(raw)
			if err != nil {
				return err
			}

			prov, err := newProvider(cmd.Context(), cfg, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := overrideHost(prov, host); err != nil {
				return err
			}

			count, err := prov.Send(cmd.Context(), msg)
			if err != nil {
				return fmt.Errorf("send via %s failed: %w", prov.Name(), err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sent via %s to %d recipients\n", prov.Name(), count)
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Mailcoach host, overrides MAILCOACH_HOST")
	return cmd
}

// readInput returns the contents of the file named in args, or of stdin
// when no file is given or the name is "-".
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read message file: %w", err)
	}
	return data, nil
}
