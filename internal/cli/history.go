package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/settle/internal/ir"
)

// NewHistoryCommand creates the history command group. Every command reads
// the append-only log without writing to it.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded versions from the log",
		Long: `List every recorded version of an entity, oldest first.

Example:
  settle history issuance
  settle history period 2026-q1
  settle history transfer <transfer-id>
  settle history facts 2026-q1`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "issuance",
		Short: "Issuance state versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				hs, err := a.store.IssuanceHistory(ctx)
				return nonNil(hs), err
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "period <period-id>",
		Short: "Versions of a reward period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				ps, err := a.store.PeriodHistory(ctx, args[0])
				if err != nil {
					return nil, err
				}
				if len(ps) == 0 {
					return nil, ir.NewValidation(ir.ErrCodeUnknownPeriod, args[0], "no such period")
				}
				return ps, nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "transfer <transfer-id>",
		Short: "Versions of a bridge transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				ts, err := a.store.TransferHistory(ctx, args[0])
				if err != nil {
					return nil, err
				}
				if len(ts) == 0 {
					return nil, ir.NewValidation(ir.ErrCodeUnknownTransfer, args[0], "no such transfer")
				}
				return ts, nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "facts [period-id]",
		Short: "Accepted facts, optionally for one period",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				var (
					fs  []ir.AcceptedFact
					err error
				)
				if len(args) == 1 {
					fs, err = a.store.FactsForPeriod(ctx, args[0])
				} else {
					fs, err = a.store.AllFacts(ctx)
				}
				return nonNil(fs), err
			})
		},
	})

	return cmd
}
