package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/settle/internal/audit"
)

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Re-derive and check every recorded entity",
		Long: `Walk the log and check it against the settlement rules: issuance
versions follow the schedule and never pass the cap, settled periods
conserve their allocation and replay to the same payouts, transfer fees
split exactly and replay from their recorded rates, and every instruction
matches the entity that issued it.

Exits 1 when any finding is reported.

Example:
  settle audit --db ./settle.db --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := openApp(ctx, cmd, rootOpts, false)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			report, err := audit.Run(ctx, a.store)
			if err != nil {
				return WrapExitError(ExitCommandError, "audit failed", err)
			}
			if err := a.out.Success(report); err != nil {
				return err
			}
			if !report.OK() {
				return &ExitError{
					Code:     ExitFailure,
					Message:  fmt.Sprintf("audit reported %d findings", len(report.Findings)),
					Reported: true,
				}
			}
			return nil
		},
	}
}
