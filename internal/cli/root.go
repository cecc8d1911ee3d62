package cli

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/settle/internal/bridge"
	"github.com/roach88/settle/internal/executor"
)

// Environment variables that supply flag defaults. main loads a .env file
// before the root command is built, so they can live there too.
const (
	EnvDatabase = "SETTLE_DB"
	EnvConfig   = "SETTLE_CONFIG"
	EnvNATSURL  = "SETTLE_NATS_URL"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	Database   string
	ConfigPath string
	NATSURL    string

	// Executor and TransferIDs override the configured executor and the
	// UUIDv7 transfer ids (for testing).
	Executor    executor.Executor
	TransferIDs bridge.IDGenerator
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the settle CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "settle - DAO economic settlement engine",
		Long: `Deterministic settlement for a DAO economy: token issuance on a halving
schedule, attestation quorum over contribution claims, reward period
settlement and fee-bearing bridge transfers, recorded in an append-only
SQLite log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})

	// Global flags
	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVar(&opts.Database, "db", envOr(EnvDatabase, "settle.db"), "path to SQLite database")
	flags.StringVar(&opts.ConfigPath, "config", os.Getenv(EnvConfig), "path to YAML config (defaults when empty)")
	flags.StringVar(&opts.NATSURL, "nats-url", os.Getenv(EnvNATSURL), "publish instructions to this NATS server")

	// Add subcommands
	cmd.AddCommand(NewIssuanceCommand(opts))
	cmd.AddCommand(NewTickCommand(opts))
	cmd.AddCommand(NewParamsCommand(opts))
	cmd.AddCommand(NewClaimCommand(opts))
	cmd.AddCommand(NewPeriodCommand(opts))
	cmd.AddCommand(NewTransferCommand(opts))
	cmd.AddCommand(NewAckCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
