// Package bridge settles cross-domain transfers.
//
// A transfer moves Pending → FeeApplied → AwaitingConfirmation → Settled,
// or Pending → Rejected when the amount is out of bounds. Every transition
// is a new version of the transfer record. Settlement emits the release and
// fee-share instructions exactly once.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/settle/internal/executor"
	"github.com/roach88/settle/internal/ir"
	"github.com/roach88/settle/internal/keylock"
	"github.com/roach88/settle/internal/metrics"
	"github.com/roach88/settle/internal/store"
)

// Sequencer hands out logical sequence numbers.
type Sequencer interface {
	Next() int64
}

// Config configures an Engine.
type Config struct {
	Policy Policy
	IDs    IDGenerator

	Store  *store.Store
	Outbox *executor.Outbox
	Seq    Sequencer
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Engine owns bridge transfers. Mutations of one transfer are serialized.
type Engine struct {
	policy Policy
	ids    IDGenerator
	store  *store.Store
	outbox *executor.Outbox
	seq    Sequencer
	clock  clockwork.Clock
	logger *slog.Logger
	locks  *keylock.Set
}

// New validates the policy and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Store == nil || cfg.Outbox == nil || cfg.Seq == nil {
		return nil, fmt.Errorf("bridge: store, outbox and sequencer are required")
	}
	if cfg.IDs == nil {
		cfg.IDs = UUIDv7Generator{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		policy: cfg.Policy,
		ids:    cfg.IDs,
		store:  cfg.Store,
		outbox: cfg.Outbox,
		seq:    cfg.Seq,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		locks:  keylock.New(),
	}, nil
}

// Policy returns the policy applied to new transfers.
func (e *Engine) Policy() Policy {
	return e.policy
}

// TransferRequest is the input to Initiate.
type TransferRequest struct {
	SourceDomain string `json:"source_domain" yaml:"source_domain"`
	DestDomain   string `json:"dest_domain" yaml:"dest_domain"`
	Sender       string `json:"sender" yaml:"sender"`
	Recipient    string `json:"recipient" yaml:"recipient"`
	GrossAmount  uint64 `json:"gross_amount" yaml:"gross_amount"`
}

func (r TransferRequest) validate() error {
	switch {
	case r.SourceDomain == "" || r.DestDomain == "":
		return ir.NewValidation(ir.ErrCodeInvalidInput, "", "source and destination domains are required")
	case r.Sender == "" || r.Recipient == "":
		return ir.NewValidation(ir.ErrCodeInvalidInput, "", "sender and recipient are required")
	}
	return nil
}

// Initiate records a new transfer.
//
// An amount below the minimum or above the maximum is recorded as Rejected
// and returned together with a ValidationError (BELOW_MINIMUM or
// ABOVE_MAXIMUM) whose key is the transfer id. Otherwise the Pending,
// FeeApplied and AwaitingConfirmation versions are written atomically; with
// no required confirmations the transfer settles in the same write.
func (e *Engine) Initiate(ctx context.Context, req TransferRequest) (ir.BridgeTransfer, error) {
	defer metrics.Timer("initiate_transfer")()

	if err := req.validate(); err != nil {
		return ir.BridgeTransfer{}, e.reject(err)
	}

	id := e.ids.Generate()
	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return ir.BridgeTransfer{}, err
	}
	defer unlock()

	now := e.clock.Now()
	pending := ir.BridgeTransfer{
		TransferID:            id,
		Version:               1,
		Status:                ir.TransferPending,
		SourceDomain:          req.SourceDomain,
		DestDomain:            req.DestDomain,
		Sender:                req.Sender,
		Recipient:             req.Recipient,
		GrossAmount:           req.GrossAmount,
		FeeRate:               e.policy.FeeRate.String(),
		TreasuryPercent:       e.policy.TreasuryPercent.String(),
		MinAmount:             e.policy.MinAmount,
		MaxAmount:             e.policy.MaxAmount,
		RequiredConfirmations: e.policy.RequiredConfirmations,
		TreasuryBeneficiary:   e.policy.TreasuryBeneficiary,
		CommunityBeneficiary:  e.policy.CommunityBeneficiary,
		Seq:                   e.seq.Next(),
		RecordedAt:            now,
	}
	versions := []ir.BridgeTransfer{pending}

	var bound *ir.Error
	switch {
	case req.GrossAmount < e.policy.MinAmount:
		bound = ir.NewValidation(ir.ErrCodeBelowMinimum, id, "amount %d is below minimum %d", req.GrossAmount, e.policy.MinAmount)
	case e.policy.MaxAmount != 0 && req.GrossAmount > e.policy.MaxAmount:
		bound = ir.NewValidation(ir.ErrCodeAboveMaximum, id, "amount %d is above maximum %d", req.GrossAmount, e.policy.MaxAmount)
	}
	if bound != nil {
		rejected, err := e.advance(pending, ir.TransferRejected, now)
		if err != nil {
			return ir.BridgeTransfer{}, err
		}
		rejected.RejectReason = bound.Code
		versions = append(versions, rejected)
		if err := e.store.Commit(ctx, store.Batch{Transfers: versions}); err != nil {
			return ir.BridgeTransfer{}, fmt.Errorf("initiate transfer: %w", err)
		}
		rejected = versions[len(versions)-1]
		metrics.TransfersTotal.WithLabelValues(ir.TransferRejected.String()).Inc()
		return rejected, e.reject(bound)
	}

	feeApplied, err := e.advance(pending, ir.TransferFeeApplied, now)
	if err != nil {
		return ir.BridgeTransfer{}, err
	}
	split := e.policy.ApplyFee(req.GrossAmount)
	feeApplied.FeeAmount = split.Fee
	feeApplied.NetAmount = split.Net
	feeApplied.TreasuryShare = split.Treasury
	feeApplied.CommunityShare = split.Community

	awaiting, err := e.advance(feeApplied, ir.TransferAwaitingConfirmation, now)
	if err != nil {
		return ir.BridgeTransfer{}, err
	}
	versions = append(versions, feeApplied, awaiting)

	latest := awaiting
	var instructions []ir.Instruction
	if awaiting.RequiredConfirmations == 0 {
		if latest, instructions, err = e.settle(awaiting, now); err != nil {
			return ir.BridgeTransfer{}, err
		}
		versions = append(versions, latest)
	}

	if err := e.store.Commit(ctx, store.Batch{Transfers: versions, Instructions: instructions}); err != nil {
		return ir.BridgeTransfer{}, e.reject(fmt.Errorf("initiate transfer: %w", err))
	}
	latest = versions[len(versions)-1]
	e.outbox.Send(ctx, instructions)

	for _, v := range versions[1:] {
		metrics.TransfersTotal.WithLabelValues(v.Status.String()).Inc()
	}
	e.logger.Info("transfer initiated",
		"transfer_id", id,
		"gross_amount", req.GrossAmount,
		"fee_amount", split.Fee,
		"net_amount", split.Net,
		"treasury_share", split.Treasury,
		"community_share", split.Community,
		"status", latest.Status.String())
	return latest, nil
}

// RecordConfirmation records confirmation depth for a transfer. A zero
// count adds one observation; otherwise the observed depth becomes
// max(observed, count). Reaching the required depth settles the transfer.
// Events after Settled are no-ops.
func (e *Engine) RecordConfirmation(ctx context.Context, transferID string, count uint32) (ir.BridgeTransfer, error) {
	defer metrics.Timer("record_confirmation")()

	unlock, err := e.locks.Lock(ctx, transferID)
	if err != nil {
		return ir.BridgeTransfer{}, err
	}
	defer unlock()

	t, err := e.latest(ctx, transferID)
	if err != nil {
		return ir.BridgeTransfer{}, err
	}
	switch t.Status {
	case ir.TransferSettled:
		e.logger.Debug("confirmation after settlement ignored", "transfer_id", transferID)
		return t, nil
	case ir.TransferAwaitingConfirmation:
	default:
		return t, e.reject(ir.NewValidation(ir.ErrCodeNotAwaiting, transferID, "transfer is %s", t.Status))
	}

	observed := t.ObservedConfirmations
	switch {
	case count == 0:
		observed++
	case count > observed:
		observed = count
	}
	if observed == t.ObservedConfirmations {
		return t, nil
	}

	now := e.clock.Now()
	next := t
	next.Version++
	next.ObservedConfirmations = observed
	next.Seq = e.seq.Next()
	next.RecordedAt = now

	var instructions []ir.Instruction
	if observed >= t.RequiredConfirmations {
		if next, instructions, err = e.settle(t, now); err != nil {
			return ir.BridgeTransfer{}, err
		}
		next.ObservedConfirmations = observed
	}

	batch := store.Batch{Transfers: []ir.BridgeTransfer{next}, Instructions: instructions}
	if err := e.store.Commit(ctx, batch); err != nil {
		return ir.BridgeTransfer{}, e.reject(fmt.Errorf("record confirmation %s: %w", transferID, err))
	}
	next = batch.Transfers[0]
	e.outbox.Send(ctx, instructions)

	if next.Status == ir.TransferSettled {
		metrics.TransfersTotal.WithLabelValues(next.Status.String()).Inc()
		e.logger.Info("transfer settled",
			"transfer_id", transferID,
			"confirmations", observed,
			"net_amount", next.NetAmount,
			"instructions", len(instructions))
	} else {
		e.logger.Info("confirmation recorded",
			"transfer_id", transferID,
			"confirmations", observed,
			"required", next.RequiredConfirmations)
	}
	return next, nil
}

// advance returns the next version of t in status, or an invariant error
// if the transition is not legal.
func (e *Engine) advance(t ir.BridgeTransfer, status ir.TransferStatus, now time.Time) (ir.BridgeTransfer, error) {
	if !t.Status.CanTransitionTo(status) {
		return ir.BridgeTransfer{}, e.reject(ir.NewInvariant(ir.ErrCodeIllegalTransition, t.TransferID,
			"%s -> %s", t.Status, status))
	}
	next := t
	next.Version = t.Version + 1
	next.Status = status
	next.Seq = e.seq.Next()
	next.RecordedAt = now
	return next, nil
}

// settle builds the Settled version of t and its outbound instructions.
// Zero amounts are not dispatched.
func (e *Engine) settle(t ir.BridgeTransfer, now time.Time) (ir.BridgeTransfer, []ir.Instruction, error) {
	settled, err := e.advance(t, ir.TransferSettled, now)
	if err != nil {
		return ir.BridgeTransfer{}, nil, err
	}

	legs := []struct {
		kind        ir.InstructionKind
		amount      uint64
		destination string
	}{
		{ir.KindRelease, t.NetAmount, t.Recipient},
		{ir.KindFeeTreasury, t.TreasuryShare, t.TreasuryBeneficiary},
		{ir.KindFeeCommunity, t.CommunityShare, t.CommunityBeneficiary},
	}
	var out []ir.Instruction
	for _, leg := range legs {
		if leg.amount == 0 {
			continue
		}
		in, err := e.outbox.Prepare(ir.Instruction{
			Kind:        leg.kind,
			TransferID:  t.TransferID,
			Amount:      leg.amount,
			Destination: leg.destination,
			Attempt:     1,
		})
		if err != nil {
			return ir.BridgeTransfer{}, nil, fmt.Errorf("settle transfer %s: %w", t.TransferID, err)
		}
		out = append(out, in)
	}
	return settled, out, nil
}

// HandleAck records an executor ack for a transfer instruction.
func (e *Engine) HandleAck(ctx context.Context, a ir.Ack) (ir.Delivery, error) {
	d, ok, err := e.store.Delivery(ctx, a.InstructionID)
	if err != nil {
		return ir.Delivery{}, fmt.Errorf("handle ack: %w", err)
	}
	if !ok || d.Instruction.TransferID == "" {
		return ir.Delivery{}, e.reject(ir.NewValidation(ir.ErrCodeUnknownInstruction, a.InstructionID, "no such transfer instruction"))
	}

	unlock, err := e.locks.Lock(ctx, d.Instruction.TransferID)
	if err != nil {
		return ir.Delivery{}, err
	}
	defer unlock()

	return e.outbox.Record(ctx, a)
}

// Reconcile re-dispatches every unresolved instruction of a Settled
// transfer as a new attempt. It returns the new instructions.
func (e *Engine) Reconcile(ctx context.Context, transferID string) ([]ir.Instruction, error) {
	unlock, err := e.locks.Lock(ctx, transferID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := e.latest(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.Status != ir.TransferSettled {
		return nil, e.reject(ir.NewValidation(ir.ErrCodeIllegalTransition, transferID, "transfer is %s", t.Status))
	}

	ds, err := e.store.TransferDeliveries(ctx, transferID)
	if err != nil {
		return nil, fmt.Errorf("reconcile transfer %s: %w", transferID, err)
	}
	retries, err := e.outbox.Retries(ds)
	if err != nil {
		return nil, fmt.Errorf("reconcile transfer %s: %w", transferID, err)
	}
	if len(retries) == 0 {
		return retries, nil
	}
	if err := e.store.Commit(ctx, store.Batch{Instructions: retries}); err != nil {
		return nil, fmt.Errorf("reconcile transfer %s: %w", transferID, err)
	}
	e.outbox.Send(ctx, retries)
	e.logger.Info("transfer reconciled", "transfer_id", transferID, "redispatched", len(retries))
	return retries, nil
}

// Transfer returns the latest version of a transfer.
func (e *Engine) Transfer(ctx context.Context, transferID string) (ir.BridgeTransfer, bool, error) {
	return e.store.LatestTransfer(ctx, transferID)
}

// Deliveries returns the latest attempt of every instruction of a transfer.
func (e *Engine) Deliveries(ctx context.Context, transferID string) ([]ir.Delivery, error) {
	ds, err := e.store.TransferDeliveries(ctx, transferID)
	if err != nil {
		return nil, err
	}
	return store.LatestAttempts(ds), nil
}

func (e *Engine) latest(ctx context.Context, transferID string) (ir.BridgeTransfer, error) {
	t, ok, err := e.store.LatestTransfer(ctx, transferID)
	if err != nil {
		return ir.BridgeTransfer{}, fmt.Errorf("load transfer %s: %w", transferID, err)
	}
	if !ok {
		return ir.BridgeTransfer{}, e.reject(ir.NewValidation(ir.ErrCodeUnknownTransfer, transferID, "no such transfer"))
	}
	return t, nil
}

func (e *Engine) reject(err error) error {
	metrics.ObserveError(err)
	if ie, ok := ir.AsError(err); ok {
		e.logger.Warn("transfer operation rejected", "transfer_id", ie.Key, "code", string(ie.Code), "error", ie.Message)
	}
	return err
}
