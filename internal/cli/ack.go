package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/settle/internal/ir"
)

// NewAckCommand creates the ack command.
func NewAckCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "ack <instruction-id>",
		Short: "Record an executor acknowledgment by hand",
		Long: `Record the outcome of an instruction for executors that cannot publish
acks themselves, or to close an instruction lost between dispatch and
acknowledgment. A failed ack leaves the instruction unresolved so that
reconcile retries it.

Example:
  settle ack 0192f3a4-...
  settle ack 0192f3a4-... --fail "recipient wallet offline"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				d, err := a.engine.HandleAck(ctx, ir.Ack{
					InstructionID: args[0],
					OK:            reason == "",
					Reason:        reason,
				})
				if err != nil {
					return nil, err
				}
				return d, nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "fail", "", "record a failed delivery with this reason")
	return cmd
}
