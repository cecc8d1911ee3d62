// Package executor hands outbound instructions to the external transfer
// executor and collects its acknowledgments.
//
// Delivery is at most once per instruction ID: nothing in this package
// retries. A failed hand-off surfaces as a negative Ack and stays unresolved
// until someone reconciles it explicitly.
package executor

import (
	"context"
	"log/slog"

	"github.com/roach88/settle/internal/ir"
)

// Executor transmits one instruction. A nil error means the transport
// accepted the instruction, not that the transfer happened.
type Executor interface {
	Submit(ctx context.Context, in ir.Instruction) error
}

// Acknowledger is implemented by executors that report outcomes
// asynchronously. Executors without it confirm on successful hand-off.
type Acknowledger interface {
	Acks() <-chan ir.Ack
}

// Log is a dry-run executor: it logs each instruction and confirms it.
type Log struct {
	Logger *slog.Logger
}

// Submit logs the instruction.
func (l Log) Submit(ctx context.Context, in ir.Instruction) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "instruction submitted",
		"instruction_id", in.ID,
		"kind", string(in.Kind),
		"ref", in.Ref(),
		"amount", in.Amount,
		"destination", in.Destination,
		"attempt", in.Attempt)
	return nil
}
