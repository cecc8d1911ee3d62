package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/settle/internal/ir"
	"github.com/roach88/settle/internal/store"
)

// NewPeriodCommand creates the period command group.
func NewPeriodCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "period",
		Short: "Open, settle and reconcile reward periods",
		Long: `Reward periods split the community allocation emitted over a height
range between the contributors with accepted facts for the period.

Example:
  settle period open 2026-q1 --start 0 --end 1000
  settle period settle 2026-q1
  settle period reconcile 2026-q1
  settle period show 2026-q1`,
	}

	var start, end uint64
	open := &cobra.Command{
		Use:   "open <period-id>",
		Short: "Open a period over heights [start, end)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				p, err := a.engine.OpenPeriod(ctx, args[0], start, end)
				if err != nil {
					return nil, err
				}
				return p, nil
			})
		},
	}
	open.Flags().Uint64Var(&start, "start", 0, "first height of the period")
	open.Flags().Uint64Var(&end, "end", 0, "height after the period (required)")
	_ = open.MarkFlagRequired("end")

	settle := &cobra.Command{
		Use:   "settle <period-id>",
		Short: "Settle a period and dispatch payouts",
		Long: `Distribute the period allocation pro rata over accepted points, record
the period as Settled and dispatch one payout per contributor. Settling an
already settled period fails with ALREADY_SETTLED and reports the original
result.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				res, err := a.engine.SettlePeriod(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return res, nil
			})
		},
	}

	reconcile := &cobra.Command{
		Use:   "reconcile <period-id>",
		Short: "Retry unresolved payouts of a settled period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				ins, err := a.engine.ReconcilePeriod(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return map[string]any{"retries": nonNil(ins)}, nil
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <period-id>",
		Short: "Show the latest period version and its payout deliveries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				p, ok, err := a.store.LatestPeriod(ctx, args[0])
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, ir.NewValidation(ir.ErrCodeUnknownPeriod, args[0], "no such period")
				}
				ds, err := a.store.PeriodDeliveries(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"period":     p,
					"deliveries": nonNil(store.LatestAttempts(ds)),
				}, nil
			})
		},
	}

	cmd.AddCommand(open, settle, reconcile, show)
	return cmd
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
