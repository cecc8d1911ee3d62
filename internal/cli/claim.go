package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/settle/internal/ir"
)

// NewClaimCommand creates the claim command group.
func NewClaimCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Submit and resolve attestation claims",
	}
	cmd.AddCommand(newClaimSubmitCommand(rootOpts))
	cmd.AddCommand(newClaimSweepCommand(rootOpts))
	return cmd
}

func newClaimSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		c        ir.Claim
		observed string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one attester's claim",
		Long: `Submit a contribution claim on behalf of an attester. The claim counts
towards the quorum key (contributor, period, points); once enough distinct
attesters agree within the validity window the fact is accepted.

A claim the quorum policy refuses (duplicate attester, outside the window,
subject already accepted) is reported with outcome Rejected and a reason,
not as an error.

Example:
  settle claim submit --contributor alice --period 2026-q1 --points 50 --attester A`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.ObservedAt = time.Now().UTC()
			if observed != "" {
				t, err := time.Parse(time.RFC3339, observed)
				if err != nil {
					return NewExitError(ExitCommandError, fmt.Sprintf("invalid --observed %q: must be RFC3339", observed))
				}
				c.ObservedAt = t.UTC()
			}
			return withEngine(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				res, err := a.engine.SubmitClaim(ctx, c)
				if err != nil {
					return nil, err
				}
				return res, nil
			})
		},
	}
	cmd.Flags().StringVar(&c.ContributorID, "contributor", "", "contributor id (required)")
	cmd.Flags().StringVar(&c.PeriodID, "period", "", "reward period id (required)")
	cmd.Flags().Uint64Var(&c.Points, "points", 0, "claimed contribution points (required)")
	cmd.Flags().StringVar(&c.AttesterID, "attester", "", "attester id (required)")
	cmd.Flags().StringVar(&observed, "observed", "", "observation time, RFC3339 (default: now)")
	for _, name := range []string{"contributor", "period", "points", "attester"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newClaimSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire quorum keys whose window has closed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				rs, err := a.engine.Sweep(ctx)
				if err != nil {
					return nil, err
				}
				if rs == nil {
					rs = []ir.KeyResolution{}
				}
				return map[string]any{"resolutions": rs}, nil
			})
		},
	}
}
