package store

import (
	"context"
	"fmt"

	"github.com/roach88/settle/internal/ir"
)

// Delivery status is derived from acks: any positive ack confirms an
// instruction, otherwise any negative ack leaves it unresolved, otherwise
// it is still dispatched.
const deliverySelect = `
	SELECT i.id, i.kind, i.transfer_id, i.contributor_id, i.period_id, i.amount,
	       i.destination, i.attempt, i.seq,
	       CASE
	         WHEN EXISTS (SELECT 1 FROM instruction_acks a WHERE a.instruction_id = i.id AND a.ok = 1) THEN 'confirmed'
	         WHEN EXISTS (SELECT 1 FROM instruction_acks a WHERE a.instruction_id = i.id AND a.ok = 0) THEN 'unresolved'
	         ELSE 'dispatched'
	       END,
	       COALESCE((SELECT a.reason FROM instruction_acks a
	                 WHERE a.instruction_id = i.id AND a.ok = 0
	                 ORDER BY a.seq DESC LIMIT 1), '')
	FROM instructions i
`

func scanDelivery(row rowScanner) (ir.Delivery, error) {
	var d ir.Delivery
	var kind, amount, status string
	in := &d.Instruction
	if err := row.Scan(&in.ID, &kind, &in.TransferID, &in.ContributorID, &in.PeriodID, &amount,
		&in.Destination, &in.Attempt, &in.Seq, &status, &d.Reason); err != nil {
		return d, fmt.Errorf("scan delivery: %w", err)
	}
	in.Kind = ir.InstructionKind(kind)
	var err error
	if in.Amount, err = parseU64("amount", amount); err != nil {
		return d, err
	}
	switch status {
	case "confirmed":
		d.Status = ir.DeliveryConfirmed
		d.Reason = ""
	case "unresolved":
		d.Status = ir.DeliveryUnresolved
	default:
		d.Status = ir.DeliveryDispatched
	}
	return d, nil
}

// Delivery returns one instruction with its delivery status.
func (s *Store) Delivery(ctx context.Context, instructionID string) (ir.Delivery, bool, error) {
	return queryOne(ctx, s.db, scanDelivery, deliverySelect+`WHERE i.id = ?`, instructionID)
}

// PeriodDeliveries returns every payout instruction of a period, every
// attempt included, ordered by seq ASC, id ASC.
func (s *Store) PeriodDeliveries(ctx context.Context, periodID string) ([]ir.Delivery, error) {
	return queryAll(ctx, s.db, "deliveries", scanDelivery, deliverySelect+`
		WHERE i.period_id = ? AND i.transfer_id = ''
		ORDER BY i.seq ASC, i.id COLLATE BINARY ASC
	`, periodID)
}

// TransferDeliveries returns every instruction of a transfer, every
// attempt included, ordered by seq ASC, id ASC.
func (s *Store) TransferDeliveries(ctx context.Context, transferID string) ([]ir.Delivery, error) {
	return queryAll(ctx, s.db, "deliveries", scanDelivery, deliverySelect+`
		WHERE i.transfer_id = ?
		ORDER BY i.seq ASC, i.id COLLATE BINARY ASC
	`, transferID)
}

// AllDeliveries returns every instruction ordered by seq ASC, id ASC.
func (s *Store) AllDeliveries(ctx context.Context) ([]ir.Delivery, error) {
	return queryAll(ctx, s.db, "deliveries", scanDelivery, deliverySelect+`
		ORDER BY i.seq ASC, i.id COLLATE BINARY ASC
	`)
}

// Acks returns the acks recorded for an instruction, oldest first.
func (s *Store) Acks(ctx context.Context, instructionID string) ([]ir.Ack, error) {
	return queryAll(ctx, s.db, "acks", func(row rowScanner) (ir.Ack, error) {
		var a ir.Ack
		var ok int
		var receivedAt string
		if err := row.Scan(&a.InstructionID, &ok, &a.Reason, &a.Seq, &receivedAt); err != nil {
			return a, fmt.Errorf("scan ack: %w", err)
		}
		a.OK = ok != 0
		var err error
		if a.ReceivedAt, err = parseTime("received_at", receivedAt); err != nil {
			return a, err
		}
		return a, nil
	}, `
		SELECT instruction_id, ok, reason, seq, received_at
		FROM instruction_acks
		WHERE instruction_id = ?
		ORDER BY seq ASC
	`, instructionID)
}

// LatestAttempts reduces deliveries to the highest attempt per
// (kind, ref). Order of first appearance is preserved.
func LatestAttempts(ds []ir.Delivery) []ir.Delivery {
	type slot struct {
		kind ir.InstructionKind
		ref  string
	}
	index := make(map[slot]int)
	var out []ir.Delivery
	for _, d := range ds {
		k := slot{kind: d.Instruction.Kind, ref: d.Instruction.Ref()}
		if i, ok := index[k]; ok {
			if d.Instruction.Attempt > out[i].Instruction.Attempt {
				out[i] = d
			}
			continue
		}
		index[k] = len(out)
		out = append(out, d)
	}
	return out
}
