// Package rewards converts accepted facts into per-contributor payouts.
//
// A RewardPeriod is opened with its allocation fixed from the issuance
// schedule, then settled exactly once. Settlement writes the Settled
// version and its payout instructions in one transaction, then hands the
// instructions to the executor. Failed deliveries stay inside the Settled
// period as unresolved entries until Reconcile re-dispatches them.
package rewards

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"sort"
	"strconv"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/settle/internal/executor"
	"github.com/roach88/settle/internal/ir"
	"github.com/roach88/settle/internal/issuance"
	"github.com/roach88/settle/internal/keylock"
	"github.com/roach88/settle/internal/metrics"
	"github.com/roach88/settle/internal/store"
)

// ScheduleSource supplies the issuance schedule in force and the current
// height. *issuance.Tracker implements it.
type ScheduleSource interface {
	Schedule() issuance.Schedule
	Height() uint64
}

// Sequencer hands out logical sequence numbers.
type Sequencer interface {
	Next() int64
}

// Config configures a Ledger.
type Config struct {
	Schedule ScheduleSource
	Store    *store.Store
	Outbox   *executor.Outbox
	Seq      Sequencer
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Ledger owns reward periods. Mutations of one period are serialized.
type Ledger struct {
	schedule ScheduleSource
	store    *store.Store
	outbox   *executor.Outbox
	seq      Sequencer
	clock    clockwork.Clock
	logger   *slog.Logger
	locks    *keylock.Set
}

// New returns a Ledger for cfg.
func New(cfg Config) (*Ledger, error) {
	if cfg.Schedule == nil || cfg.Store == nil || cfg.Outbox == nil || cfg.Seq == nil {
		return nil, fmt.Errorf("rewards: schedule, store, outbox and sequencer are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ledger{
		schedule: cfg.Schedule,
		store:    cfg.Store,
		outbox:   cfg.Outbox,
		seq:      cfg.Seq,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		locks:    keylock.New(),
	}, nil
}

// SettledError is returned when settling a period that is already
// Settled. It carries the recorded result so a repeated call observes the
// same payouts as the first.
type SettledError struct {
	Err    *ir.Error
	Result ir.SettlementResult
}

func (e *SettledError) Error() string { return e.Err.Error() }
func (e *SettledError) Unwrap() error { return e.Err }

// OpenPeriod records a Pending period covering heights [start, end). Its
// allocation is fixed now from the schedule in force.
func (l *Ledger) OpenPeriod(ctx context.Context, periodID string, start, end uint64) (ir.RewardPeriod, error) {
	if periodID == "" {
		return ir.RewardPeriod{}, l.reject(ir.NewValidation(ir.ErrCodeInvalidInput, "", "period_id is required"))
	}
	if end < start {
		return ir.RewardPeriod{}, l.reject(ir.NewValidation(ir.ErrCodeInvalidInput, periodID,
			"end height %d is before start height %d", end, start))
	}

	unlock, err := l.locks.Lock(ctx, periodID)
	if err != nil {
		return ir.RewardPeriod{}, err
	}
	defer unlock()

	if _, ok, err := l.store.LatestPeriod(ctx, periodID); err != nil {
		return ir.RewardPeriod{}, fmt.Errorf("open period %s: %w", periodID, err)
	} else if ok {
		return ir.RewardPeriod{}, l.reject(ir.NewValidation(ir.ErrCodePeriodExists, periodID, "period already opened"))
	}

	p := ir.RewardPeriod{
		PeriodID:        periodID,
		Version:         1,
		Status:          ir.PeriodPending,
		StartHeight:     start,
		EndHeight:       end,
		TotalAllocation: l.schedule.Schedule().AllocationBetween(start, end),
		Payouts:         []ir.Payout{},
		Seq:             l.seq.Next(),
		RecordedAt:      l.clock.Now(),
	}
	batch := store.Batch{Periods: []ir.RewardPeriod{p}}
	if err := l.store.Commit(ctx, batch); err != nil {
		return ir.RewardPeriod{}, l.reject(fmt.Errorf("open period %s: %w", periodID, err))
	}
	p = batch.Periods[0]
	l.logger.Info("period opened",
		"period_id", periodID,
		"start_height", start,
		"end_height", end,
		"allocation", p.TotalAllocation)
	return p, nil
}

// Settle distributes the period's allocation over facts and records the
// Settled version.
//
// Settling a Settled period returns a *SettledError (InvariantViolation,
// ALREADY_SETTLED) carrying the original result. A period whose end height
// the counter has not reached is HEIGHT_NOT_REACHED, and an empty facts
// slice is NO_ACCEPTED_FACTS; both leave the period Pending.
func (l *Ledger) Settle(ctx context.Context, periodID string, facts []ir.AcceptedFact) (ir.SettlementResult, error) {
	defer metrics.Timer("settle_period")()

	unlock, err := l.locks.Lock(ctx, periodID)
	if err != nil {
		return ir.SettlementResult{}, err
	}
	defer unlock()

	current, ok, err := l.store.LatestPeriod(ctx, periodID)
	if err != nil {
		return ir.SettlementResult{}, fmt.Errorf("settle period %s: %w", periodID, err)
	}
	if !ok {
		return ir.SettlementResult{}, l.reject(ir.NewValidation(ir.ErrCodeUnknownPeriod, periodID, "period has not been opened"))
	}
	if current.Status == ir.PeriodSettled {
		return ir.SettlementResult{}, l.reject(&SettledError{
			Err:    ir.NewInvariant(ir.ErrCodeAlreadySettled, periodID, "period settled at version %d", current.Version),
			Result: ir.ResultOf(current),
		})
	}
	if height := l.schedule.Height(); current.EndHeight > height {
		return ir.SettlementResult{}, l.reject(ir.NewValidation(ir.ErrCodeHeightNotReached, periodID,
			"period ends at height %d, current height is %d", current.EndHeight, height).
			With("end_height", strconv.FormatUint(current.EndHeight, 10)).
			With("height", strconv.FormatUint(height, 10)))
	}
	if len(facts) == 0 {
		return ir.SettlementResult{}, l.reject(ir.NewValidation(ir.ErrCodeNoAcceptedFacts, periodID, "no accepted facts"))
	}
	for _, f := range facts {
		if f.PeriodID != periodID {
			return ir.SettlementResult{}, l.reject(ir.NewValidation(ir.ErrCodeFactPeriodMismatch, periodID,
				"fact for %s belongs to period %q", f.ContributorID, f.PeriodID))
		}
	}

	payouts, totalPoints, surplus, err := Distribute(current.TotalAllocation, facts)
	if err != nil {
		return ir.SettlementResult{}, l.reject(err)
	}

	settled := current
	settled.Version = current.Version + 1
	settled.Status = ir.PeriodSettled
	settled.TotalPoints = totalPoints
	settled.UnallocatedSurplus = surplus
	settled.Payouts = payouts
	settled.Seq = l.seq.Next()
	settled.RecordedAt = l.clock.Now()

	var instructions []ir.Instruction
	for _, p := range payouts {
		if p.Amount == 0 {
			continue
		}
		in, err := l.outbox.Prepare(ir.Instruction{
			Kind:          ir.KindPayout,
			ContributorID: p.ContributorID,
			PeriodID:      periodID,
			Amount:        p.Amount,
			Destination:   p.ContributorID,
			Attempt:       1,
		})
		if err != nil {
			return ir.SettlementResult{}, fmt.Errorf("settle period %s: %w", periodID, err)
		}
		instructions = append(instructions, in)
	}

	batch := store.Batch{Periods: []ir.RewardPeriod{settled}, Instructions: instructions}
	if err := l.store.Commit(ctx, batch); err != nil {
		return ir.SettlementResult{}, l.reject(fmt.Errorf("settle period %s: %w", periodID, err))
	}
	settled = batch.Periods[0]
	l.outbox.Send(ctx, instructions)

	metrics.PeriodsSettledTotal.Inc()
	result := ir.ResultOf(settled)
	l.logger.Info("period settled",
		"period_id", periodID,
		"allocation", result.Allocation,
		"total_points", totalPoints,
		"payouts", len(payouts),
		"dispatched", len(instructions),
		"unallocated_surplus", surplus)
	return result, nil
}

// Distribute splits allocation over facts pro rata to points, flooring
// each share. Payouts are sorted by contributor. The remainder is
// returned as surplus; when total points are zero every payout is zero and
// the whole allocation is surplus.
func Distribute(allocation uint64, facts []ir.AcceptedFact) (payouts []ir.Payout, totalPoints, surplus uint64, err error) {
	seen := make(map[string]bool, len(facts))
	var carry uint64
	for _, f := range facts {
		if seen[f.ContributorID] {
			return nil, 0, 0, ir.NewValidation(ir.ErrCodeInvalidInput, f.ContributorID, "contributor appears in more than one fact")
		}
		seen[f.ContributorID] = true
		totalPoints, carry = bits.Add64(totalPoints, f.Points, 0)
		if carry != 0 {
			return nil, 0, 0, ir.NewInvariant(ir.ErrCodeOverflow, f.PeriodID, "total points overflow")
		}
	}

	payouts = make([]ir.Payout, 0, len(facts))
	var distributed uint64
	for _, f := range facts {
		var amount uint64
		if totalPoints > 0 {
			// points <= totalPoints keeps the high word below the divisor.
			hi, lo := bits.Mul64(allocation, f.Points)
			amount, _ = bits.Div64(hi, lo, totalPoints)
		}
		distributed += amount
		payouts = append(payouts, ir.Payout{ContributorID: f.ContributorID, Points: f.Points, Amount: amount})
	}
	sort.Slice(payouts, func(i, j int) bool { return payouts[i].ContributorID < payouts[j].ContributorID })
	return payouts, totalPoints, allocation - distributed, nil
}

// HandleAck records an executor ack for a payout instruction.
func (l *Ledger) HandleAck(ctx context.Context, a ir.Ack) (ir.Delivery, error) {
	d, ok, err := l.store.Delivery(ctx, a.InstructionID)
	if err != nil {
		return ir.Delivery{}, fmt.Errorf("handle ack: %w", err)
	}
	if !ok || d.Instruction.Kind != ir.KindPayout {
		return ir.Delivery{}, l.reject(ir.NewValidation(ir.ErrCodeUnknownInstruction, a.InstructionID, "no such payout instruction"))
	}

	unlock, err := l.locks.Lock(ctx, d.Instruction.PeriodID)
	if err != nil {
		return ir.Delivery{}, err
	}
	defer unlock()

	return l.outbox.Record(ctx, a)
}

// Reconcile re-dispatches every unresolved payout of a Settled period as a
// new attempt with the recorded amount. It returns the new instructions.
func (l *Ledger) Reconcile(ctx context.Context, periodID string) ([]ir.Instruction, error) {
	unlock, err := l.locks.Lock(ctx, periodID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, ok, err := l.store.LatestPeriod(ctx, periodID)
	if err != nil {
		return nil, fmt.Errorf("reconcile period %s: %w", periodID, err)
	}
	if !ok {
		return nil, l.reject(ir.NewValidation(ir.ErrCodeUnknownPeriod, periodID, "period has not been opened"))
	}
	if p.Status != ir.PeriodSettled {
		return nil, l.reject(ir.NewValidation(ir.ErrCodeIllegalTransition, periodID, "period is %s", p.Status))
	}

	ds, err := l.store.PeriodDeliveries(ctx, periodID)
	if err != nil {
		return nil, fmt.Errorf("reconcile period %s: %w", periodID, err)
	}
	retries, err := l.outbox.Retries(ds)
	if err != nil {
		return nil, fmt.Errorf("reconcile period %s: %w", periodID, err)
	}
	if len(retries) == 0 {
		return retries, nil
	}
	if err := l.store.Commit(ctx, store.Batch{Instructions: retries}); err != nil {
		return nil, fmt.Errorf("reconcile period %s: %w", periodID, err)
	}
	l.outbox.Send(ctx, retries)
	l.logger.Info("period reconciled", "period_id", periodID, "redispatched", len(retries))
	return retries, nil
}

// Period returns the latest version of a period.
func (l *Ledger) Period(ctx context.Context, periodID string) (ir.RewardPeriod, bool, error) {
	return l.store.LatestPeriod(ctx, periodID)
}

// Deliveries returns the latest attempt of every payout of a period.
func (l *Ledger) Deliveries(ctx context.Context, periodID string) ([]ir.Delivery, error) {
	ds, err := l.store.PeriodDeliveries(ctx, periodID)
	if err != nil {
		return nil, err
	}
	return store.LatestAttempts(ds), nil
}

func (l *Ledger) reject(err error) error {
	metrics.ObserveError(err)
	if e, ok := ir.AsError(err); ok {
		l.logger.Warn("period operation rejected", "period_id", e.Key, "code", string(e.Code), "error", e.Message)
	}
	return err
}
