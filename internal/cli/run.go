package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/settle/internal/ir"
	"github.com/roach88/settle/internal/metrics"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MetricsAddr   string
	SweepInterval time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine as a long-lived process",
		Long: `Start the settlement engine and keep it running: executor acks are
consumed and recorded as they arrive, expired quorum keys are swept on an
interval, and Prometheus metrics are served over HTTP.

Acks only arrive asynchronously with the NATS executor; with the log
executor the process serves metrics and sweeps.

Example:
  settle run --db ./settle.db --nats-url nats://127.0.0.1:4222 --metrics-addr :9090
  settle run --sweep-interval 1m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /metrics on this address (disabled when empty)")
	cmd.Flags().DurationVar(&opts.SweepInterval, "sweep-interval", time.Minute, "how often to expire quorum keys (0 disables)")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	a, err := openApp(ctx, cmd, opts.RootOptions, true)
	if err != nil {
		return err
	}
	defer a.closeTransport()

	go func() {
		select {
		case sig := <-sigChan:
			a.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	metrics.BuildInfo.WithLabelValues(ir.EngineVersion).Set(1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.engine.Run(gctx)
	})
	if opts.SweepInterval > 0 {
		g.Go(func() error {
			return sweepLoop(gctx, a, opts.SweepInterval)
		})
	}
	if opts.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, a, opts.MetricsAddr)
		})
	}

	st := a.engine.IssuanceState()
	a.logger.Info("engine started",
		"db", opts.Database,
		"executor", a.cfg.Executor.Kind,
		"height", st.Height,
		"cumulative_supply", st.CumulativeSupply)
	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	a.logger.Info("engine stopped gracefully")
	return nil
}

func sweepLoop(ctx context.Context, a *app, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rs, err := a.engine.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.logger.Error("sweep failed", "error", err)
				continue
			}
			if len(rs) > 0 {
				a.logger.Info("quorum keys swept", "count", len(rs))
			}
		}
	}
}

func serveMetrics(ctx context.Context, a *app, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
