package executor

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/settle/internal/ir"
	"github.com/roach88/settle/internal/metrics"
)

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher closed")

// ackBuffer bounds how far delivery may run ahead of ack handling.
const ackBuffer = 64

// Dispatcher delivers instructions to an Executor from a single goroutine,
// in the order they were dispatched, and publishes outcomes on Acks.
type Dispatcher struct {
	exec   Executor
	queue  *instructionQueue
	acks   chan ir.Ack
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher for exec. Call Run to start delivery.
func NewDispatcher(exec Executor, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		exec:   exec,
		queue:  newInstructionQueue(),
		acks:   make(chan ir.Ack, ackBuffer),
		logger: logger,
	}
}

// Dispatch queues in for delivery. It never blocks.
func (d *Dispatcher) Dispatch(in ir.Instruction) error {
	if !d.queue.Enqueue(in) {
		return ErrClosed
	}
	metrics.InstructionsTotal.WithLabelValues(string(in.Kind), ir.DeliveryDispatched.String()).Inc()
	return nil
}

// Acks returns executor outcomes. The channel is closed when Run returns.
func (d *Dispatcher) Acks() <-chan ir.Ack {
	return d.acks
}

// Pending returns the number of instructions not yet handed to the executor.
func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}

// Close stops accepting instructions. Run delivers what is already queued
// and then returns.
func (d *Dispatcher) Close() {
	d.queue.Close()
}

// Run delivers queued instructions until Close has been called and the
// queue is empty, or until ctx is done.
//
// Executors implementing Acknowledger have their acks forwarded while
// delivery is running.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.acks)

	deliverCtx, stopForwarding := context.WithCancel(ctx)
	defer stopForwarding()

	g, gctx := errgroup.WithContext(deliverCtx)
	if src, ok := d.exec.(Acknowledger); ok {
		g.Go(func() error {
			return d.forward(gctx, src.Acks())
		})
	}
	g.Go(func() error {
		defer stopForwarding()
		return d.deliver(gctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// Forwarding stopped because delivery finished.
		return nil
	}
	return err
}

func (d *Dispatcher) deliver(ctx context.Context) error {
	_, async := d.exec.(Acknowledger)
	for {
		in, ok, closed := d.queue.Next()
		if ok {
			if err := d.submit(ctx, in, async); err != nil {
				return err
			}
			continue
		}
		if closed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.queue.Wait():
		}
	}
}

func (d *Dispatcher) submit(ctx context.Context, in ir.Instruction, async bool) error {
	err := d.exec.Submit(ctx, in)
	switch {
	case err != nil:
		d.logger.Error("instruction delivery failed",
			"instruction_id", in.ID,
			"kind", string(in.Kind),
			"ref", in.Ref(),
			"error", err)
		metrics.ObserveError(ir.NewDeliveryFailure(in.ID, err.Error()))
		return d.publish(ctx, ir.Ack{InstructionID: in.ID, OK: false, Reason: err.Error()})
	case !async:
		return d.publish(ctx, ir.Ack{InstructionID: in.ID, OK: true})
	}
	return nil
}

func (d *Dispatcher) forward(ctx context.Context, src <-chan ir.Ack) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok := <-src:
			if !ok {
				return nil
			}
			if err := d.publish(ctx, a); err != nil {
				return err
			}
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, a ir.Ack) error {
	select {
	case d.acks <- a:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
