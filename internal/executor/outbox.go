package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/settle/internal/ir"
	"github.com/roach88/settle/internal/metrics"
	"github.com/roach88/settle/internal/store"
)

// Sink accepts instructions for delivery. *Dispatcher is a Sink.
type Sink interface {
	Dispatch(in ir.Instruction) error
}

// Sequencer hands out logical sequence numbers.
type Sequencer interface {
	Next() int64
}

// Outbox is the persistence side of instruction delivery shared by the
// reward ledger and the bridge. Instructions are committed by the caller
// together with the state transition that produced them; the outbox then
// hands them to the Sink and records acks as they arrive.
type Outbox struct {
	sink   Sink
	store  *store.Store
	seq    Sequencer
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewOutbox creates an outbox. A nil clock uses the real clock and a nil
// logger uses slog.Default().
func NewOutbox(sink Sink, st *store.Store, seq Sequencer, clock clockwork.Clock, logger *slog.Logger) *Outbox {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{sink: sink, store: st, seq: seq, clock: clock, logger: logger}
}

// Prepare assigns the content-addressed ID and a sequence number.
func (o *Outbox) Prepare(in ir.Instruction) (ir.Instruction, error) {
	if in.Attempt == 0 {
		in.Attempt = 1
	}
	id, err := ir.InstructionID(in)
	if err != nil {
		return ir.Instruction{}, err
	}
	in.ID = id
	in.Seq = o.seq.Next()
	return in, nil
}

// Send hands committed instructions to the sink. An instruction the sink
// refuses is recorded as unresolved so that reconciliation picks it up.
func (o *Outbox) Send(ctx context.Context, ins []ir.Instruction) {
	for _, in := range ins {
		err := o.sink.Dispatch(in)
		if err == nil {
			continue
		}
		o.logger.Error("instruction hand-off failed",
			"instruction_id", in.ID,
			"kind", string(in.Kind),
			"ref", in.Ref(),
			"error", err)
		if _, rerr := o.Record(ctx, ir.Ack{InstructionID: in.ID, OK: false, Reason: err.Error()}); rerr != nil {
			o.logger.Error("record hand-off failure", "instruction_id", in.ID, "error", rerr)
		}
	}
}

// Record stores an executor ack and returns the instruction's resulting
// delivery state.
func (o *Outbox) Record(ctx context.Context, a ir.Ack) (ir.Delivery, error) {
	if a.InstructionID == "" {
		return ir.Delivery{}, ir.NewValidation(ir.ErrCodeInvalidInput, "", "ack without instruction_id")
	}
	if _, ok, err := o.store.Delivery(ctx, a.InstructionID); err != nil {
		return ir.Delivery{}, fmt.Errorf("record ack: %w", err)
	} else if !ok {
		return ir.Delivery{}, ir.NewValidation(ir.ErrCodeUnknownInstruction, a.InstructionID, "no such instruction")
	}

	a.Seq = o.seq.Next()
	a.ReceivedAt = o.clock.Now()
	if err := o.store.Commit(ctx, store.Batch{Acks: []ir.Ack{a}}); err != nil {
		return ir.Delivery{}, fmt.Errorf("record ack: %w", err)
	}

	d, _, err := o.store.Delivery(ctx, a.InstructionID)
	if err != nil {
		return ir.Delivery{}, fmt.Errorf("record ack: %w", err)
	}
	status := ir.DeliveryConfirmed
	if !a.OK {
		status = ir.DeliveryUnresolved
	}
	metrics.InstructionsTotal.WithLabelValues(string(d.Instruction.Kind), status.String()).Inc()

	if a.OK {
		o.logger.Info("instruction confirmed",
			"instruction_id", a.InstructionID,
			"kind", string(d.Instruction.Kind),
			"ref", d.Instruction.Ref())
	} else {
		metrics.ObserveError(ir.NewDeliveryFailure(a.InstructionID, a.Reason))
		o.logger.Error("instruction unresolved",
			"instruction_id", a.InstructionID,
			"kind", string(d.Instruction.Kind),
			"ref", d.Instruction.Ref(),
			"attempt", d.Instruction.Attempt,
			"reason", a.Reason)
	}
	return d, nil
}

// Retries builds the next attempt for every unresolved latest attempt in
// ds. Amounts and destinations are copied, never recomputed.
func (o *Outbox) Retries(ds []ir.Delivery) ([]ir.Instruction, error) {
	out := []ir.Instruction{}
	for _, d := range store.LatestAttempts(ds) {
		if d.Status != ir.DeliveryUnresolved {
			continue
		}
		next := d.Instruction
		next.Attempt++
		prepared, err := o.Prepare(next)
		if err != nil {
			return nil, err
		}
		out = append(out, prepared)
	}
	return out, nil
}
