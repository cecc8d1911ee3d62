package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/settle/internal/ir"
)

// Batch is a set of records committed atomically. Versioned records must
// carry the next version of their entity; a mismatch aborts the whole batch
// with CONCURRENT_WRITE and nothing is written.
type Batch struct {
	Issuance     []ir.IssuanceState
	Claims       []ir.Claim
	Resolutions  []ir.KeyResolution
	Facts        []ir.AcceptedFact
	Periods      []ir.RewardPeriod
	Transfers    []ir.BridgeTransfer
	Instructions []ir.Instruction
	Acks         []ir.Ack
}

// Empty reports whether the batch holds no records.
func (b Batch) Empty() bool {
	return len(b.Issuance) == 0 && len(b.Claims) == 0 && len(b.Resolutions) == 0 &&
		len(b.Facts) == 0 && len(b.Periods) == 0 && len(b.Transfers) == 0 &&
		len(b.Instructions) == 0 && len(b.Acks) == 0
}

// Commit writes every record in b inside one transaction.
//
// Seqs are checked against the highest seq any writer has committed. When
// another writer got there first, the whole batch is shifted past it,
// keeping its internal order. The shift is written back into the records
// of b's slices, so callers read the seqs actually stored from there.
//
// Claims and instructions use ON CONFLICT(id) DO NOTHING: their IDs are
// content-addressed, so a duplicate is the same record written twice.
func (s *Store) Commit(ctx context.Context, b Batch) (err error) {
	if b.Empty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit batch: begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = sequence(ctx, tx, b); err != nil {
		return err
	}

	for _, st := range b.Issuance {
		if err = writeIssuance(ctx, tx, st); err != nil {
			return err
		}
	}
	for _, c := range b.Claims {
		if err = writeClaim(ctx, tx, c); err != nil {
			return err
		}
	}
	for _, r := range b.Resolutions {
		if err = writeResolution(ctx, tx, r); err != nil {
			return err
		}
	}
	for _, f := range b.Facts {
		if err = writeFact(ctx, tx, f); err != nil {
			return err
		}
	}
	for _, p := range b.Periods {
		if err = writePeriod(ctx, tx, p); err != nil {
			return err
		}
	}
	for _, t := range b.Transfers {
		if err = writeTransfer(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, in := range b.Instructions {
		if err = writeInstruction(ctx, tx, in); err != nil {
			return err
		}
	}
	for _, a := range b.Acks {
		if err = writeAck(ctx, tx, a); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// seqs returns pointers to the seq of every record in b.
func (b Batch) seqs() []*int64 {
	var out []*int64
	for i := range b.Issuance {
		out = append(out, &b.Issuance[i].Seq)
	}
	for i := range b.Claims {
		out = append(out, &b.Claims[i].Seq)
	}
	for i := range b.Resolutions {
		out = append(out, &b.Resolutions[i].Seq)
	}
	for i := range b.Facts {
		out = append(out, &b.Facts[i].Seq)
	}
	for i := range b.Periods {
		out = append(out, &b.Periods[i].Seq)
	}
	for i := range b.Transfers {
		out = append(out, &b.Transfers[i].Seq)
	}
	for i := range b.Instructions {
		out = append(out, &b.Instructions[i].Seq)
	}
	for i := range b.Acks {
		out = append(out, &b.Acks[i].Seq)
	}
	return out
}

// sequence moves b past the seq fence and advances the fence to the
// batch's highest seq.
func sequence(ctx context.Context, tx *sql.Tx, b Batch) error {
	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT last FROM seq_fence WHERE id = 1`).Scan(&last); err != nil {
		return fmt.Errorf("read seq fence: %w", err)
	}

	seqs := b.seqs()
	lo, hi := *seqs[0], *seqs[0]
	for _, p := range seqs[1:] {
		lo, hi = min(lo, *p), max(hi, *p)
	}
	if lo <= last {
		shift := last + 1 - lo
		for _, p := range seqs {
			*p += shift
		}
		hi += shift
	}

	if _, err := tx.ExecContext(ctx, `UPDATE seq_fence SET last = ? WHERE id = 1`, hi); err != nil {
		return fmt.Errorf("advance seq fence: %w", err)
	}
	return nil
}

// checkVersion verifies that version directly follows the latest stored
// version selected by query.
func checkVersion(ctx context.Context, tx *sql.Tx, key string, version int64, query string, args ...any) error {
	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&latest); err != nil {
		return fmt.Errorf("read latest version of %s: %w", key, err)
	}
	if latest.Int64+1 != version {
		return ir.NewInvariant(ir.ErrCodeConcurrentWrite, key,
			"version %d does not follow stored version %d", version, latest.Int64)
	}
	return nil
}

func writeIssuance(ctx context.Context, tx *sql.Tx, st ir.IssuanceState) error {
	if err := checkVersion(ctx, tx, "issuance", st.Version,
		`SELECT MAX(version) FROM issuance_states`); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO issuance_states
		(version, height, cumulative_supply, hard_cap, initial_reward, halving_interval, allocation_percent, seq, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		st.Version,
		formatU64(st.Height),
		formatU64(st.CumulativeSupply),
		formatU64(st.HardCap),
		formatU64(st.InitialReward),
		formatU64(st.HalvingInterval),
		st.AllocationPercent,
		st.Seq,
		formatTime(st.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("write issuance state: %w", err)
	}
	return nil
}

func writeClaim(ctx context.Context, tx *sql.Tx, c ir.Claim) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO claims
		(id, contributor_id, period_id, points, attester_id, observed_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		c.ID,
		c.ContributorID,
		c.PeriodID,
		formatU64(c.Points),
		c.AttesterID,
		formatTime(c.ObservedAt),
		c.Seq,
	)
	if err != nil {
		return fmt.Errorf("write claim: %w", err)
	}
	return nil
}

func writeResolution(ctx context.Context, tx *sql.Tx, r ir.KeyResolution) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO claim_resolutions
		(contributor_id, period_id, points, resolution, conflicting, attesters, resolved_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.Key.ContributorID,
		r.Key.PeriodID,
		formatU64(r.Key.Points),
		r.Resolution.String(),
		boolToInt(r.Conflicting),
		r.Attesters,
		formatTime(r.ResolvedAt),
		r.Seq,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ir.NewInvariant(ir.ErrCodeConcurrentWrite, r.Key.String(), "key already resolved")
		}
		return fmt.Errorf("write resolution: %w", err)
	}
	return nil
}

func writeFact(ctx context.Context, tx *sql.Tx, f ir.AcceptedFact) error {
	attesters, err := marshalAttesters(f.Attesters)
	if err != nil {
		return fmt.Errorf("write fact: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO accepted_facts
		(id, contributor_id, period_id, points, attesters, accepted_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		f.ID,
		f.ContributorID,
		f.PeriodID,
		formatU64(f.Points),
		attesters,
		formatTime(f.AcceptedAt),
		f.Seq,
	)
	if err != nil {
		if isUniqueViolation(err) {
			subject := ir.Subject{ContributorID: f.ContributorID, PeriodID: f.PeriodID}
			return ir.NewInvariant(ir.ErrCodeConcurrentWrite, subject.String(), "fact already accepted")
		}
		return fmt.Errorf("write fact: %w", err)
	}
	return nil
}

func writePeriod(ctx context.Context, tx *sql.Tx, p ir.RewardPeriod) error {
	if err := checkVersion(ctx, tx, p.PeriodID, p.Version,
		`SELECT MAX(version) FROM reward_periods WHERE period_id = ?`, p.PeriodID); err != nil {
		return err
	}
	payouts, err := marshalPayouts(p.Payouts)
	if err != nil {
		return fmt.Errorf("write period: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reward_periods
		(period_id, version, status, start_height, end_height, total_allocation, total_points,
		 unallocated_surplus, payouts, seq, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.PeriodID,
		p.Version,
		p.Status.String(),
		formatU64(p.StartHeight),
		formatU64(p.EndHeight),
		formatU64(p.TotalAllocation),
		formatU64(p.TotalPoints),
		formatU64(p.UnallocatedSurplus),
		payouts,
		p.Seq,
		formatTime(p.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("write period: %w", err)
	}
	return nil
}

func writeTransfer(ctx context.Context, tx *sql.Tx, t ir.BridgeTransfer) error {
	if err := checkVersion(ctx, tx, t.TransferID, t.Version,
		`SELECT MAX(version) FROM bridge_transfers WHERE transfer_id = ?`, t.TransferID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bridge_transfers
		(transfer_id, version, status, source_domain, dest_domain, sender, recipient,
		 gross_amount, fee_rate, treasury_percent, min_amount, max_amount,
		 required_confirmations, observed_confirmations, fee_amount, net_amount,
		 treasury_share, community_share, treasury_beneficiary, community_beneficiary,
		 reject_reason, seq, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.TransferID,
		t.Version,
		t.Status.String(),
		t.SourceDomain,
		t.DestDomain,
		t.Sender,
		t.Recipient,
		formatU64(t.GrossAmount),
		t.FeeRate,
		t.TreasuryPercent,
		formatU64(t.MinAmount),
		formatU64(t.MaxAmount),
		t.RequiredConfirmations,
		t.ObservedConfirmations,
		formatU64(t.FeeAmount),
		formatU64(t.NetAmount),
		formatU64(t.TreasuryShare),
		formatU64(t.CommunityShare),
		t.TreasuryBeneficiary,
		t.CommunityBeneficiary,
		string(t.RejectReason),
		t.Seq,
		formatTime(t.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("write transfer: %w", err)
	}
	return nil
}

func writeInstruction(ctx context.Context, tx *sql.Tx, in ir.Instruction) error {
	if !in.Kind.Valid() {
		return ir.NewValidation(ir.ErrCodeInvalidInput, in.ID, "unknown instruction kind %q", in.Kind)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO instructions
		(id, kind, transfer_id, contributor_id, period_id, amount, destination, attempt, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		in.ID,
		string(in.Kind),
		in.TransferID,
		in.ContributorID,
		in.PeriodID,
		formatU64(in.Amount),
		in.Destination,
		in.Attempt,
		in.Seq,
	)
	if err != nil {
		return fmt.Errorf("write instruction: %w", err)
	}
	return nil
}

func writeAck(ctx context.Context, tx *sql.Tx, a ir.Ack) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO instruction_acks
		(instruction_id, ok, reason, seq, received_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		a.InstructionID,
		boolToInt(a.OK),
		a.Reason,
		a.Seq,
		formatTime(a.ReceivedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ir.NewValidation(ir.ErrCodeUnknownInstruction, a.InstructionID, "no such instruction")
		}
		return fmt.Errorf("write ack: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
