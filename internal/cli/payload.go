package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/shineum/mailcoach-relay/internal/mailcoach"
	"github.com/shineum/mailcoach-relay/internal/parser"
)

func newPayloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "payload [file]",
		Short: "Print the Mailcoach JSON payload for a message without sending it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			msg, err := parser.Parse(raw)
			if err != nil {
				return err
			}
			payload, err := mailcoach.BuildPayload(msg)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(payload)
		},
	}
}
