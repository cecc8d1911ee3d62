package cli

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/settle/internal/bridge"
	"github.com/roach88/settle/internal/ir"
	"github.com/roach88/settle/internal/store"
)

// NewTransferCommand creates the transfer command group.
func NewTransferCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Initiate and track bridge transfers",
		Long: `Bridge transfers move value between domains. The fee is taken at
initiation and split between treasury and community; the net amount is
released once the source domain reports enough confirmations.

Example:
  settle transfer initiate --source chain-a --dest chain-b --sender 0xabc --recipient 0xdef --amount 1000
  settle transfer confirm <transfer-id> 6
  settle transfer reconcile <transfer-id>
  settle transfer show <transfer-id>`,
	}

	var req bridge.TransferRequest
	initiate := &cobra.Command{
		Use:   "initiate",
		Short: "Initiate a transfer and apply its fee",
		Long: `Record a new transfer. A transfer outside the configured amount bounds
is recorded as Rejected and reported with its reason.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				t, err := a.engine.InitiateTransfer(ctx, req)
				if t.TransferID == "" {
					return nil, err
				}
				return t, err
			})
		},
	}
	initiate.Flags().StringVar(&req.SourceDomain, "source", "", "source domain (required)")
	initiate.Flags().StringVar(&req.DestDomain, "dest", "", "destination domain (required)")
	initiate.Flags().StringVar(&req.Sender, "sender", "", "sender address (required)")
	initiate.Flags().StringVar(&req.Recipient, "recipient", "", "recipient address (required)")
	initiate.Flags().Uint64Var(&req.GrossAmount, "amount", 0, "gross amount in base units (required)")
	for _, name := range []string{"source", "dest", "sender", "recipient", "amount"} {
		_ = initiate.MarkFlagRequired(name)
	}

	confirm := &cobra.Command{
		Use:   "confirm <transfer-id> <confirmations>",
		Short: "Record the confirmation depth observed for a transfer",
		Long: `Record the confirmation count observed on the source domain. Counts
lower than one already recorded are ignored. The transfer settles and
dispatches its release and fee instructions once the required depth is
reached.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := parseCount(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				t, err := a.engine.RecordConfirmation(ctx, args[0], count)
				if err != nil {
					return nil, err
				}
				return t, nil
			})
		},
	}

	reconcile := &cobra.Command{
		Use:   "reconcile <transfer-id>",
		Short: "Retry unresolved instructions of a settled transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				ins, err := a.engine.ReconcileTransfer(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return map[string]any{"retries": nonNil(ins)}, nil
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <transfer-id>",
		Short: "Show the latest transfer version and its deliveries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, rootOpts, func(ctx context.Context, a *app) (any, error) {
				t, ok, err := a.store.LatestTransfer(ctx, args[0])
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, ir.NewValidation(ir.ErrCodeUnknownTransfer, args[0], "no such transfer")
				}
				ds, err := a.store.TransferDeliveries(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"transfer":   t,
					"deliveries": nonNil(store.LatestAttempts(ds)),
				}, nil
			})
		},
	}

	cmd.AddCommand(initiate, confirm, reconcile, show)
	return cmd
}

func parseCount(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, NewExitError(ExitCommandError, "invalid confirmation count "+strconv.Quote(s))
	}
	return uint32(n), nil
}
