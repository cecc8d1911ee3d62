package cli

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/settle/internal/config"
	"github.com/roach88/settle/internal/engine"
	"github.com/roach88/settle/internal/executor"
	"github.com/roach88/settle/internal/ir"
	"github.com/roach88/settle/internal/logger"
	"github.com/roach88/settle/internal/rewards"
	"github.com/roach88/settle/internal/store"
)

// drainTimeout bounds how long a command waits for queued instructions to
// reach the executor before exiting.
const drainTimeout = 30 * time.Second

// app is one command invocation: config, store and (optionally) an engine.
type app struct {
	opts   *RootOptions
	cfg    config.Config
	store  *store.Store
	engine *engine.Engine
	nats   *executor.NATS
	logger *slog.Logger
	out    *OutputFormatter
}

// action runs against an open app and returns the payload to print. On a
// rejected operation the payload, if any, is reported as error details.
type action func(ctx context.Context, a *app) (any, error)

// withEngine opens the store and engine, runs fn, drains instructions and
// prints the result.
func withEngine(cmd *cobra.Command, opts *RootOptions, fn action) error {
	return invoke(cmd, opts, true, fn)
}

// withStore is withEngine for read-only commands: nothing is initialized or
// written.
func withStore(cmd *cobra.Command, opts *RootOptions, fn action) error {
	return invoke(cmd, opts, false, fn)
}

func invoke(cmd *cobra.Command, opts *RootOptions, startEngine bool, fn action) error {
	ctx := commandContext(cmd)
	a, err := openApp(ctx, cmd, opts, startEngine)
	if err != nil {
		return err
	}

	data, runErr := fn(ctx, a)
	closeErr := a.close(ctx)
	if runErr != nil {
		return a.report(runErr, data)
	}
	if closeErr != nil {
		return WrapExitError(ExitCommandError, "failed to drain instructions", closeErr)
	}
	return a.out.Success(data)
}

func openApp(ctx context.Context, cmd *cobra.Command, opts *RootOptions, startEngine bool) (*app, error) {
	a := &app{
		opts:   opts,
		logger: newLogger(cmd, opts),
		out:    newOutput(cmd, opts),
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.NATSURL != "" {
		cfg.Executor.Kind = "nats"
		cfg.Executor.NATSURL = opts.NATSURL
	}
	a.cfg = cfg

	a.out.VerboseLog("opening database %s", opts.Database)
	if a.store, err = store.Open(opts.Database); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	if !startEngine {
		return a, nil
	}

	ecfg, err := engine.ConfigFrom(cfg)
	if err != nil {
		a.store.Close()
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	ecfg.Logger = a.logger
	ecfg.TransferIDs = opts.TransferIDs

	switch {
	case opts.Executor != nil:
		ecfg.Executor = opts.Executor
	case cfg.Executor.Kind == "nats":
		n, err := executor.DialNATS(executor.NATSConfig{
			URL:           cfg.Executor.NATSURL,
			SubjectPrefix: cfg.Executor.SubjectPrefix,
			Logger:        a.logger.With("component", "nats"),
		})
		if err != nil {
			a.store.Close()
			return nil, WrapExitError(ExitCommandError, "failed to connect to NATS", err)
		}
		a.nats = n
		ecfg.Executor = n
	default:
		ecfg.Executor = executor.Log{Logger: a.logger.With("component", "executor")}
	}

	if a.engine, err = engine.New(ctx, a.store, ecfg); err != nil {
		a.closeTransport()
		return nil, WrapExitError(ExitCommandError, "failed to start engine", err)
	}
	return a, nil
}

// close drains queued instructions, then releases the transport and store.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		a.engine.Close()
		drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
		defer cancel()
		if err := a.engine.Run(drainCtx); err != nil {
			errs = append(errs, err)
		}
		if n := a.engine.Pending(); n > 0 {
			a.logger.Warn("instructions left undelivered", "count", n)
		}
	}
	errs = append(errs, a.closeTransport())
	return errors.Join(errs...)
}

func (a *app) closeTransport() error {
	var errs []error
	if a.nats != nil {
		errs = append(errs, a.nats.Close())
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// report prints an engine rejection and maps it to ExitFailure. Anything
// outside the engine's error taxonomy is a command error.
func (a *app) report(err error, data any) error {
	e, ok := ir.AsError(err)
	if !ok {
		return WrapExitError(ExitCommandError, "command failed", err)
	}

	details := data
	var settled *rewards.SettledError
	if errors.As(err, &settled) {
		details = settled.Result
	}
	if details == nil && len(e.Details) > 0 {
		details = e.Details
	}
	if outErr := a.out.Error(CLIError{
		Code:    string(e.Code),
		Kind:    string(e.Kind),
		Message: e.Message,
		Details: details,
	}); outErr != nil {
		return WrapExitError(ExitCommandError, "failed to write output", outErr)
	}
	return &ExitError{Code: ExitFailure, Message: "operation rejected", Err: err, Reported: true}
}

func newLogger(cmd *cobra.Command, opts *RootOptions) *slog.Logger {
	return logger.New(cmd.ErrOrStderr(), opts.Verbose, false)
}

func newOutput(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
