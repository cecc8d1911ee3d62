package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/settle/internal/audit"
	"github.com/roach88/settle/internal/bridge"
	"github.com/roach88/settle/internal/engine"
	"github.com/roach88/settle/internal/ir"
	"github.com/roach88/settle/internal/rewards"
	"github.com/roach88/settle/internal/store"
	"github.com/roach88/settle/internal/testutil"
)

// drainTimeout bounds a deliver step. The recorder executor never blocks,
// so hitting it means the dispatcher is stuck.
const drainTimeout = 10 * time.Second

// Harness runs one scenario against a real engine over a throwaway store.
// The wall clock is fake and transfer ids are sequential, so traces are
// identical from run to run.
type Harness struct {
	store    *store.Store
	engine   *engine.Engine
	cfg      engine.Config
	clock    *clockwork.FakeClock
	recorder *testutil.Recorder
	logger   *slog.Logger
}

// Run executes scenario and returns its result. The returned error is
// reserved for failures of the harness itself; engine errors are part of
// the trace.
func Run(ctx context.Context, scenario *Scenario, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	dir, err := os.MkdirTemp("", "settle-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "scenario.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario store: %w", err)
	}
	defer st.Close()

	cfg, err := engine.ConfigFrom(scenario.Config)
	if err != nil {
		return nil, err
	}
	h := &Harness{
		store:    st,
		clock:    testutil.NewFakeClock(),
		recorder: testutil.NewRecorder(),
		logger:   logger.With("scenario", scenario.Name),
	}
	for dest, reason := range scenario.Failures {
		h.recorder.FailFor(dest, reason)
	}
	cfg.Executor = h.recorder
	cfg.TransferIDs = testutil.NewSequentialIDs("tx")
	cfg.WallClock = h.clock
	cfg.Logger = h.logger
	h.cfg = cfg

	if h.engine, err = engine.New(ctx, st, cfg); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		tr, err := h.execute(ctx, i+1, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
		result.Trace = append(result.Trace, tr)
		if err := checkExpect(tr, step.Expect); err != nil {
			result.AddError(err.Error())
		}
		h.logger.Debug("scenario step completed",
			"step", i+1,
			"op", step.Op,
			"outcome", tr.Outcome,
			"error", tr.Error)
	}

	// Deliver whatever is still queued so the audit sees a settled log.
	if err := h.deliver(ctx); err != nil {
		return nil, err
	}
	report, err := audit.Run(ctx, st)
	if err != nil {
		return nil, err
	}
	result.Audit = report
	for _, f := range report.Findings {
		result.AddError(fmt.Sprintf("audit: %s %s: %s: %s", f.Entity, f.Key, f.Check, f.Message))
	}
	return result, nil
}

// execute runs one step. Engine errors carrying a code become part of the
// trace; anything else aborts the scenario.
func (h *Harness) execute(ctx context.Context, n int, step Step) (StepTrace, error) {
	tr := StepTrace{Step: n, Op: step.Op}
	detail, outcome, err := h.dispatch(ctx, step)
	tr.Detail = detail
	tr.Outcome = outcome
	if err != nil {
		code := ir.CodeOf(err)
		if code == "" {
			return tr, err
		}
		tr.Error = string(code)
	}
	return tr, nil
}

func (h *Harness) dispatch(ctx context.Context, step Step) (map[string]any, string, error) {
	a := step.Args
	e := h.engine

	switch step.Op {
	case OpAdvanceHeight:
		st, err := e.AdvanceHeight(ctx, a.Height)
		return issuanceDetail(st, err), "", err

	case OpUpdateParams:
		p := e.Schedule().Params()
		p.HalvingInterval = a.HalvingInterval
		st, err := e.UpdateParams(ctx, p)
		return issuanceDetail(st, err), "", err

	case OpAdvanceClock:
		d, _ := time.ParseDuration(a.By)
		h.clock.Advance(d)
		return nil, "", nil

	case OpSubmitClaim:
		observed := h.clock.Now()
		if a.Observed != "" {
			d, _ := time.ParseDuration(a.Observed)
			observed = observed.Add(d)
		}
		res, err := e.SubmitClaim(ctx, ir.Claim{
			ContributorID: a.Contributor,
			PeriodID:      a.Period,
			Points:        a.Points,
			AttesterID:    a.Attester,
			ObservedAt:    observed,
		})
		if err != nil {
			return nil, "", err
		}
		detail := map[string]any{
			"key":   res.Key.String(),
			"count": res.Count,
		}
		if res.Reason != "" {
			detail["reason"] = string(res.Reason)
		}
		return detail, res.Outcome.String(), nil

	case OpSweep:
		rs, err := e.Sweep(ctx)
		if err != nil {
			return nil, "", err
		}
		resolutions := make([]any, 0, len(rs))
		for _, r := range rs {
			resolutions = append(resolutions, map[string]any{
				"key":         r.Key.String(),
				"resolution":  r.Resolution.String(),
				"conflicting": r.Conflicting,
				"attesters":   r.Attesters,
			})
		}
		return map[string]any{"resolutions": resolutions}, "", nil

	case OpOpenPeriod:
		p, err := e.OpenPeriod(ctx, a.Period, a.Start, a.End)
		if err != nil {
			return nil, "", err
		}
		return map[string]any{
			"allocation": p.TotalAllocation,
			"start":      p.StartHeight,
			"end":        p.EndHeight,
		}, p.Status.String(), nil

	case OpSettlePeriod:
		res, err := e.SettlePeriod(ctx, a.Period)
		var settled *rewards.SettledError
		if errors.As(err, &settled) {
			return settlementDetail(settled.Result), "", err
		}
		if err != nil {
			return nil, "", err
		}
		return settlementDetail(res), ir.PeriodSettled.String(), nil

	case OpReconcilePeriod:
		ins, err := e.ReconcilePeriod(ctx, a.Period)
		return retryDetail(ins), "", err

	case OpInitiateTransfer:
		t, err := e.InitiateTransfer(ctx, bridge.TransferRequest{
			SourceDomain: orDefault(a.Source, "chain-a"),
			DestDomain:   orDefault(a.Dest, "chain-b"),
			Sender:       orDefault(a.Sender, "sender"),
			Recipient:    orDefault(a.Recipient, "recipient"),
			GrossAmount:  a.Amount,
		})
		if t.TransferID == "" {
			return nil, "", err
		}
		return transferDetail(t), t.Status.String(), err

	case OpConfirmTransfer:
		t, err := e.RecordConfirmation(ctx, a.Transfer, a.Confirmations)
		if err != nil {
			return nil, "", err
		}
		return transferDetail(t), t.Status.String(), nil

	case OpReconcileTransfer:
		ins, err := e.ReconcileTransfer(ctx, a.Transfer)
		return retryDetail(ins), "", err

	case OpDeliver:
		if err := h.deliver(ctx); err != nil {
			return nil, "", err
		}
		return h.deliveryDetail(ctx)

	case OpFailDestination:
		h.recorder.FailFor(a.Destination, orDefault(a.Reason, "unavailable"))
		return nil, "", nil

	case OpRecoverDestination:
		h.recorder.Recover(a.Destination)
		return nil, "", nil

	case OpAudit:
		report, err := audit.Run(ctx, h.store)
		if err != nil {
			return nil, "", err
		}
		checks := make([]any, 0, len(report.Findings))
		for _, f := range report.Findings {
			checks = append(checks, f.Check)
		}
		outcome := "clean"
		if !report.OK() {
			outcome = "findings"
		}
		return map[string]any{
			"periods":   report.Periods,
			"transfers": report.Transfers,
			"facts":     report.Facts,
			"checks":    checks,
		}, outcome, nil
	}
	return nil, "", fmt.Errorf("unknown op %q", step.Op)
}

// deliver drains the dispatcher and restarts the engine on the same store,
// the way a process restart would.
func (h *Harness) deliver(ctx context.Context) error {
	h.engine.Close()
	runCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	if err := h.engine.Run(runCtx); err != nil {
		return fmt.Errorf("drain dispatcher: %w", err)
	}

	eng, err := engine.New(ctx, h.store, h.cfg)
	if err != nil {
		return fmt.Errorf("restart engine: %w", err)
	}
	h.engine = eng
	return nil
}

func (h *Harness) deliveryDetail(ctx context.Context) (map[string]any, string, error) {
	ds, err := h.store.AllDeliveries(ctx)
	if err != nil {
		return nil, "", err
	}
	counts := map[string]int{}
	for _, d := range store.LatestAttempts(ds) {
		counts[d.Status.String()]++
	}
	outcome := "delivered"
	if counts[ir.DeliveryUnresolved.String()] > 0 {
		outcome = "unresolved"
	}
	return map[string]any{"deliveries": counts}, outcome, nil
}

func issuanceDetail(st ir.IssuanceState, err error) map[string]any {
	if err != nil {
		return nil
	}
	return map[string]any{
		"version":           st.Version,
		"height":            st.Height,
		"cumulative_supply": st.CumulativeSupply,
		"halving_interval":  st.HalvingInterval,
	}
}

func settlementDetail(res ir.SettlementResult) map[string]any {
	payouts := make(map[string]any, len(res.Payouts))
	for _, p := range res.Payouts {
		payouts[p.ContributorID] = p.Amount
	}
	return map[string]any{
		"allocation":   res.Allocation,
		"total_points": res.TotalPoints,
		"payouts":      payouts,
		"surplus":      res.UnallocatedSurplus,
	}
}

func transferDetail(t ir.BridgeTransfer) map[string]any {
	d := map[string]any{
		"transfer":      t.TransferID,
		"version":       t.Version,
		"gross":         t.GrossAmount,
		"fee":           t.FeeAmount,
		"net":           t.NetAmount,
		"treasury":      t.TreasuryShare,
		"community":     t.CommunityShare,
		"confirmations": t.ObservedConfirmations,
	}
	if t.RejectReason != "" {
		d["reject_reason"] = string(t.RejectReason)
	}
	return d
}

func retryDetail(ins []ir.Instruction) map[string]any {
	kinds := make([]any, 0, len(ins))
	for _, in := range ins {
		kinds = append(kinds, fmt.Sprintf("%s#%d", in.Kind, in.Attempt))
	}
	return map[string]any{"retries": kinds}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
