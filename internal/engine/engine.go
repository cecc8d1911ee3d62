package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/settle/internal/bridge"
	"github.com/roach88/settle/internal/executor"
	"github.com/roach88/settle/internal/ir"
	"github.com/roach88/settle/internal/issuance"
	"github.com/roach88/settle/internal/quorum"
	"github.com/roach88/settle/internal/rewards"
	"github.com/roach88/settle/internal/store"
)

// Config is everything New needs besides the store.
type Config struct {
	Issuance           issuance.Params
	MinHalvingInterval uint64

	MinConfirmations int
	ValidityWindow   time.Duration

	Bridge bridge.Policy

	// Executor receives outbound instructions. Nil uses executor.Log.
	Executor executor.Executor

	// TransferIDs generates bridge transfer ids. Nil uses UUIDv7.
	TransferIDs bridge.IDGenerator

	// WallClock defaults to the real clock.
	WallClock clockwork.Clock
	Logger    *slog.Logger
}

// Engine is the settlement engine: issuance, attestation quorum, reward
// ledger and bridge over one store.
//
// Thread-safety model:
//   - every operation is safe from any goroutine
//   - mutations of one key are serialized by the owning component
//   - Run must be called from exactly one goroutine
type Engine struct {
	store      *store.Store
	clock      *Clock
	logger     *slog.Logger
	dispatcher *executor.Dispatcher

	issuance *issuance.Tracker
	quorum   *quorum.Quorum
	ledger   *rewards.Ledger
	bridge   *bridge.Engine
}

// New builds an engine over s. The logical clock resumes from the store and
// the issuance state is restored or initialized.
func New(ctx context.Context, s *store.Store, cfg Config) (*Engine, error) {
	if cfg.WallClock == nil {
		cfg.WallClock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Executor == nil {
		cfg.Executor = executor.Log{Logger: cfg.Logger}
	}

	maxSeq, err := s.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume clock: %w", err)
	}
	clock := NewClockAt(maxSeq)

	tracker, err := issuance.Open(ctx, issuance.Config{
		Params:             cfg.Issuance,
		MinHalvingInterval: cfg.MinHalvingInterval,
		Store:              s,
		Seq:                clock,
		Clock:              cfg.WallClock,
		Logger:             cfg.Logger.With("component", "issuance"),
	})
	if err != nil {
		return nil, err
	}

	q, err := quorum.New(quorum.Config{
		MinConfirmations: cfg.MinConfirmations,
		ValidityWindow:   cfg.ValidityWindow,
		Store:            s,
		Seq:              clock,
		Clock:            cfg.WallClock,
		Logger:           cfg.Logger.With("component", "quorum"),
	})
	if err != nil {
		return nil, err
	}

	dispatcher := executor.NewDispatcher(cfg.Executor, cfg.Logger.With("component", "dispatcher"))
	outbox := executor.NewOutbox(dispatcher, s, clock, cfg.WallClock, cfg.Logger.With("component", "outbox"))

	ledger, err := rewards.New(rewards.Config{
		Schedule: tracker,
		Store:    s,
		Outbox:   outbox,
		Seq:      clock,
		Clock:    cfg.WallClock,
		Logger:   cfg.Logger.With("component", "rewards"),
	})
	if err != nil {
		return nil, err
	}

	br, err := bridge.New(bridge.Config{
		Policy: cfg.Bridge,
		IDs:    cfg.TransferIDs,
		Store:  s,
		Outbox: outbox,
		Seq:    clock,
		Clock:  cfg.WallClock,
		Logger: cfg.Logger.With("component", "bridge"),
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:      s,
		clock:      clock,
		logger:     cfg.Logger,
		dispatcher: dispatcher,
		issuance:   tracker,
		quorum:     q,
		ledger:     ledger,
		bridge:     br,
	}, nil
}

// Run delivers instructions and routes executor acks until ctx is done, or
// until Close has been called and every queued instruction was delivered.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		for a := range e.dispatcher.Acks() {
			if _, err := e.HandleAck(gctx, a); err != nil {
				e.logger.Warn("ack not recorded", "instruction_id", a.InstructionID, "error", err)
			}
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops accepting new instructions. A running Run returns once the
// queue is drained.
func (e *Engine) Close() {
	e.dispatcher.Close()
}

// Pending returns the number of instructions waiting for delivery.
func (e *Engine) Pending() int {
	return e.dispatcher.Pending()
}

// Store returns the underlying store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Seq returns the current logical clock value.
func (e *Engine) Seq() int64 {
	return e.clock.Current()
}

// Issuance

// AdvanceHeight records a new chain height.
func (e *Engine) AdvanceHeight(ctx context.Context, height uint64) (ir.IssuanceState, error) {
	return e.issuance.AdvanceHeight(ctx, height)
}

// UpdateParams records a governance change of the issuance parameters.
func (e *Engine) UpdateParams(ctx context.Context, p issuance.Params) (ir.IssuanceState, error) {
	return e.issuance.UpdateParams(ctx, p)
}

// IssuanceState returns the latest issuance state.
func (e *Engine) IssuanceState() ir.IssuanceState {
	return e.issuance.State()
}

// Schedule returns the issuance schedule in force.
func (e *Engine) Schedule() issuance.Schedule {
	return e.issuance.Schedule()
}

// Attestation

// SubmitClaim records one attester's claim.
func (e *Engine) SubmitClaim(ctx context.Context, c ir.Claim) (ir.SubmitResult, error) {
	return e.quorum.Submit(ctx, c)
}

// Sweep expires quorum keys whose validity window has closed.
func (e *Engine) Sweep(ctx context.Context) ([]ir.KeyResolution, error) {
	return e.quorum.Sweep(ctx)
}

// Rewards

// OpenPeriod opens a reward period over heights [start, end).
func (e *Engine) OpenPeriod(ctx context.Context, periodID string, start, end uint64) (ir.RewardPeriod, error) {
	return e.ledger.OpenPeriod(ctx, periodID, start, end)
}

// SettlePeriod settles a period over every fact accepted for it.
func (e *Engine) SettlePeriod(ctx context.Context, periodID string) (ir.SettlementResult, error) {
	facts, err := e.store.FactsForPeriod(ctx, periodID)
	if err != nil {
		return ir.SettlementResult{}, fmt.Errorf("settle period %s: %w", periodID, err)
	}
	return e.ledger.Settle(ctx, periodID, facts)
}

// ReconcilePeriod re-dispatches unresolved payouts of a settled period.
func (e *Engine) ReconcilePeriod(ctx context.Context, periodID string) ([]ir.Instruction, error) {
	return e.ledger.Reconcile(ctx, periodID)
}

// Period returns the latest version of a period.
func (e *Engine) Period(ctx context.Context, periodID string) (ir.RewardPeriod, bool, error) {
	return e.ledger.Period(ctx, periodID)
}

// PeriodDeliveries returns the latest attempt of every payout of a period.
func (e *Engine) PeriodDeliveries(ctx context.Context, periodID string) ([]ir.Delivery, error) {
	return e.ledger.Deliveries(ctx, periodID)
}

// Bridge

// InitiateTransfer records a new bridge transfer.
func (e *Engine) InitiateTransfer(ctx context.Context, req bridge.TransferRequest) (ir.BridgeTransfer, error) {
	return e.bridge.Initiate(ctx, req)
}

// RecordConfirmation records confirmation depth for a transfer.
func (e *Engine) RecordConfirmation(ctx context.Context, transferID string, count uint32) (ir.BridgeTransfer, error) {
	return e.bridge.RecordConfirmation(ctx, transferID, count)
}

// ReconcileTransfer re-dispatches unresolved instructions of a settled
// transfer.
func (e *Engine) ReconcileTransfer(ctx context.Context, transferID string) ([]ir.Instruction, error) {
	return e.bridge.Reconcile(ctx, transferID)
}

// Transfer returns the latest version of a transfer.
func (e *Engine) Transfer(ctx context.Context, transferID string) (ir.BridgeTransfer, bool, error) {
	return e.bridge.Transfer(ctx, transferID)
}

// TransferDeliveries returns the latest attempt of every instruction of a
// transfer.
func (e *Engine) TransferDeliveries(ctx context.Context, transferID string) ([]ir.Delivery, error) {
	return e.bridge.Deliveries(ctx, transferID)
}

// BridgePolicy returns the policy applied to new transfers.
func (e *Engine) BridgePolicy() bridge.Policy {
	return e.bridge.Policy()
}

// Acks

// HandleAck routes an executor ack to the component that issued the
// instruction.
func (e *Engine) HandleAck(ctx context.Context, a ir.Ack) (ir.Delivery, error) {
	d, ok, err := e.store.Delivery(ctx, a.InstructionID)
	if err != nil {
		return ir.Delivery{}, fmt.Errorf("handle ack: %w", err)
	}
	if !ok {
		return ir.Delivery{}, ir.NewValidation(ir.ErrCodeUnknownInstruction, a.InstructionID, "no such instruction")
	}
	if d.Instruction.Kind == ir.KindPayout {
		return e.ledger.HandleAck(ctx, a)
	}
	return e.bridge.HandleAck(ctx, a)
}
