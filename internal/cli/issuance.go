package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewIssuanceCommand creates the issuance command group.
func NewIssuanceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issuance",
		Short: "Inspect the emission schedule",
		Long: `Query the halving emission schedule in force. Heights default to the
current height counter.

Example:
  settle issuance show
  settle issuance reward --height 420000
  settle issuance supply --height 1000000
  settle issuance allocation --start 0 --end 1000`,
	}
	cmd.AddCommand(newIssuanceShowCommand(rootOpts))
	cmd.AddCommand(newIssuanceQueryCommand(rootOpts, "reward", "Per-height reward at a height"))
	cmd.AddCommand(newIssuanceQueryCommand(rootOpts, "supply", "Cumulative supply emitted through a height"))
	cmd.AddCommand(newIssuanceAllocationCommand(rootOpts))
	return cmd
}

func newIssuanceShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current issuance state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				return a.engine.IssuanceState(), nil
			})
		},
	}
}

func newIssuanceQueryCommand(rootOpts *RootOptions, what, short string) *cobra.Command {
	var height uint64
	cmd := &cobra.Command{
		Use:   what,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				if !cmd.Flags().Changed("height") {
					height = a.engine.IssuanceState().Height
				}
				s := a.engine.Schedule()
				out := map[string]any{"height": height}
				switch what {
				case "reward":
					out["reward"] = s.RewardAt(height)
				case "supply":
					out["cumulative_supply"] = s.CumulativeSupplyAt(height)
				}
				return out, nil
			})
		},
	}
	cmd.Flags().Uint64Var(&height, "height", 0, "height to evaluate (default: current height)")
	return cmd
}

func newIssuanceAllocationCommand(rootOpts *RootOptions) *cobra.Command {
	var start, end uint64
	cmd := &cobra.Command{
		Use:   "allocation",
		Short: "Community allocation emitted in [start, end)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				if !cmd.Flags().Changed("end") {
					end = a.engine.IssuanceState().Height
				}
				return map[string]any{
					"start":      start,
					"end":        end,
					"allocation": a.engine.Schedule().AllocationBetween(start, end),
				}, nil
			})
		},
	}
	cmd.Flags().Uint64Var(&start, "start", 0, "first height of the range")
	cmd.Flags().Uint64Var(&end, "end", 0, "height after the range (default: current height)")
	return cmd
}

// NewTickCommand creates the tick command.
func NewTickCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tick <height>",
		Short: "Advance the height counter",
		Long: `Advance the issuance height counter and record the new cumulative
supply. Heights never move backwards.

Example:
  settle tick 1000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			height, err := parseHeight(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				return a.engine.AdvanceHeight(ctx, height)
			})
		},
	}
}

// NewParamsCommand creates the params command group.
func NewParamsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Manage emission parameters",
	}

	var initialReward, halvingInterval, hardCap, allocationPercent uint64
	update := &cobra.Command{
		Use:   "update",
		Short: "Record new emission parameters",
		Long: `Record a governance change to the emission parameters. Only the flags
given are changed. An update that would lower the supply already emitted
is rejected.

Example:
  settle params update --halving-interval 420000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				p := a.engine.Schedule().Params()
				flags := cmd.Flags()
				if flags.Changed("initial-reward") {
					p.InitialReward = initialReward
				}
				if flags.Changed("halving-interval") {
					p.HalvingInterval = halvingInterval
				}
				if flags.Changed("hard-cap") {
					p.HardCap = hardCap
				}
				if flags.Changed("allocation-percent") {
					p.AllocationPercent = allocationPercent
				}
				return a.engine.UpdateParams(ctx, p)
			})
		},
	}
	update.Flags().Uint64Var(&initialReward, "initial-reward", 0, "reward per height in the first era")
	update.Flags().Uint64Var(&halvingInterval, "halving-interval", 0, "heights per halving era")
	update.Flags().Uint64Var(&hardCap, "hard-cap", 0, "maximum cumulative supply")
	update.Flags().Uint64Var(&allocationPercent, "allocation-percent", 0, "community share of emission (0-100)")
	cmd.AddCommand(update)
	return cmd
}

func parseHeight(s string) (uint64, error) {
	h, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid height %q: must be a non-negative integer", s))
	}
	return h, nil
}
