package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/settle/internal/ir"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// queryAll runs query and scans every row with scan. Returns an empty
// slice (not nil) when no rows match.
func queryAll[T any](ctx context.Context, db *sql.DB, what string, scan func(rowScanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}

// queryOne returns the first row of query, or false when there is none.
func queryOne[T any](ctx context.Context, db *sql.DB, scan func(rowScanner) (T, error), query string, args ...any) (T, bool, error) {
	v, err := scan(db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		var zero T
		return zero, false, nil
	}
	if err != nil {
		var zero T
		return zero, false, err
	}
	return v, true, nil
}

const issuanceColumns = `version, height, cumulative_supply, hard_cap, initial_reward, halving_interval, allocation_percent, seq, recorded_at`

func scanIssuance(row rowScanner) (ir.IssuanceState, error) {
	var st ir.IssuanceState
	var height, supply, hardCap, initial, interval, recordedAt string
	if err := row.Scan(&st.Version, &height, &supply, &hardCap, &initial, &interval, &st.AllocationPercent, &st.Seq, &recordedAt); err != nil {
		return st, fmt.Errorf("scan issuance state: %w", err)
	}
	var err error
	if st.Height, err = parseU64("height", height); err != nil {
		return st, err
	}
	if st.CumulativeSupply, err = parseU64("cumulative_supply", supply); err != nil {
		return st, err
	}
	if st.HardCap, err = parseU64("hard_cap", hardCap); err != nil {
		return st, err
	}
	if st.InitialReward, err = parseU64("initial_reward", initial); err != nil {
		return st, err
	}
	if st.HalvingInterval, err = parseU64("halving_interval", interval); err != nil {
		return st, err
	}
	if st.RecordedAt, err = parseTime("recorded_at", recordedAt); err != nil {
		return st, err
	}
	return st, nil
}

// LatestIssuance returns the current issuance state.
func (s *Store) LatestIssuance(ctx context.Context) (ir.IssuanceState, bool, error) {
	return queryOne(ctx, s.db, scanIssuance, `
		SELECT `+issuanceColumns+`
		FROM issuance_states
		ORDER BY version DESC
		LIMIT 1
	`)
}

// IssuanceHistory returns every recorded issuance state, oldest first.
func (s *Store) IssuanceHistory(ctx context.Context) ([]ir.IssuanceState, error) {
	return queryAll(ctx, s.db, "issuance states", scanIssuance, `
		SELECT `+issuanceColumns+`
		FROM issuance_states
		ORDER BY version ASC
	`)
}

const claimColumns = `id, contributor_id, period_id, points, attester_id, observed_at, seq`

func scanClaim(row rowScanner) (ir.Claim, error) {
	var c ir.Claim
	var points, observedAt string
	if err := row.Scan(&c.ID, &c.ContributorID, &c.PeriodID, &points, &c.AttesterID, &observedAt, &c.Seq); err != nil {
		return c, fmt.Errorf("scan claim: %w", err)
	}
	var err error
	if c.Points, err = parseU64("points", points); err != nil {
		return c, err
	}
	if c.ObservedAt, err = parseTime("observed_at", observedAt); err != nil {
		return c, err
	}
	return c, nil
}

// OpenClaims returns the claims of a subject whose key has not resolved.
// Ordered by seq ASC, id ASC.
func (s *Store) OpenClaims(ctx context.Context, subject ir.Subject) ([]ir.Claim, error) {
	return queryAll(ctx, s.db, "claims", scanClaim, `
		SELECT `+claimColumns+`
		FROM claims c
		WHERE c.contributor_id = ? AND c.period_id = ?
		  AND NOT EXISTS (
			SELECT 1 FROM claim_resolutions r
			WHERE r.contributor_id = c.contributor_id
			  AND r.period_id = c.period_id
			  AND r.points = c.points
		  )
		ORDER BY c.seq ASC, c.id COLLATE BINARY ASC
	`, subject.ContributorID, subject.PeriodID)
}

// OpenSubjects lists every subject that still has unresolved claims.
func (s *Store) OpenSubjects(ctx context.Context) ([]ir.Subject, error) {
	return queryAll(ctx, s.db, "open subjects", func(row rowScanner) (ir.Subject, error) {
		var sub ir.Subject
		if err := row.Scan(&sub.ContributorID, &sub.PeriodID); err != nil {
			return sub, fmt.Errorf("scan subject: %w", err)
		}
		return sub, nil
	}, `
		SELECT DISTINCT c.contributor_id, c.period_id
		FROM claims c
		WHERE NOT EXISTS (
			SELECT 1 FROM claim_resolutions r
			WHERE r.contributor_id = c.contributor_id
			  AND r.period_id = c.period_id
			  AND r.points = c.points
		)
		ORDER BY c.contributor_id COLLATE BINARY ASC, c.period_id COLLATE BINARY ASC
	`)
}

func scanResolution(row rowScanner) (ir.KeyResolution, error) {
	var r ir.KeyResolution
	var points, resolution, resolvedAt string
	var conflicting int
	if err := row.Scan(&r.Key.ContributorID, &r.Key.PeriodID, &points, &resolution, &conflicting, &r.Attesters, &resolvedAt, &r.Seq); err != nil {
		return r, fmt.Errorf("scan resolution: %w", err)
	}
	var err error
	if r.Key.Points, err = parseU64("points", points); err != nil {
		return r, err
	}
	if r.Resolution, err = ir.ParseResolution(resolution); err != nil {
		return r, err
	}
	if r.ResolvedAt, err = parseTime("resolved_at", resolvedAt); err != nil {
		return r, err
	}
	r.Conflicting = conflicting != 0
	return r, nil
}

// Resolutions returns the resolved keys of a subject, oldest first.
func (s *Store) Resolutions(ctx context.Context, subject ir.Subject) ([]ir.KeyResolution, error) {
	return queryAll(ctx, s.db, "resolutions", scanResolution, `
		SELECT contributor_id, period_id, points, resolution, conflicting, attesters, resolved_at, seq
		FROM claim_resolutions
		WHERE contributor_id = ? AND period_id = ?
		ORDER BY seq ASC, points ASC
	`, subject.ContributorID, subject.PeriodID)
}

const factColumns = `id, contributor_id, period_id, points, attesters, accepted_at, seq`

func scanFact(row rowScanner) (ir.AcceptedFact, error) {
	var f ir.AcceptedFact
	var points, attesters, acceptedAt string
	if err := row.Scan(&f.ID, &f.ContributorID, &f.PeriodID, &points, &attesters, &acceptedAt, &f.Seq); err != nil {
		return f, fmt.Errorf("scan fact: %w", err)
	}
	var err error
	if f.Points, err = parseU64("points", points); err != nil {
		return f, err
	}
	if f.Attesters, err = unmarshalAttesters(attesters); err != nil {
		return f, err
	}
	if f.AcceptedAt, err = parseTime("accepted_at", acceptedAt); err != nil {
		return f, err
	}
	return f, nil
}

// Fact returns the accepted fact of a subject, if any.
func (s *Store) Fact(ctx context.Context, subject ir.Subject) (ir.AcceptedFact, bool, error) {
	return queryOne(ctx, s.db, scanFact, `
		SELECT `+factColumns+`
		FROM accepted_facts
		WHERE contributor_id = ? AND period_id = ?
	`, subject.ContributorID, subject.PeriodID)
}

// FactsForPeriod returns every accepted fact of a period ordered by
// contributor.
func (s *Store) FactsForPeriod(ctx context.Context, periodID string) ([]ir.AcceptedFact, error) {
	return queryAll(ctx, s.db, "facts", scanFact, `
		SELECT `+factColumns+`
		FROM accepted_facts
		WHERE period_id = ?
		ORDER BY contributor_id COLLATE BINARY ASC
	`, periodID)
}

// AllFacts returns every accepted fact, ordered by seq ASC, id ASC.
func (s *Store) AllFacts(ctx context.Context) ([]ir.AcceptedFact, error) {
	return queryAll(ctx, s.db, "facts", scanFact, `
		SELECT `+factColumns+`
		FROM accepted_facts
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`)
}

const periodColumns = `period_id, version, status, start_height, end_height, total_allocation, total_points, unallocated_surplus, payouts, seq, recorded_at`

func scanPeriod(row rowScanner) (ir.RewardPeriod, error) {
	var p ir.RewardPeriod
	var status, start, end, alloc, points, surplus, payouts, recordedAt string
	if err := row.Scan(&p.PeriodID, &p.Version, &status, &start, &end, &alloc, &points, &surplus, &payouts, &p.Seq, &recordedAt); err != nil {
		return p, fmt.Errorf("scan period: %w", err)
	}
	var err error
	if p.Status, err = ir.ParsePeriodStatus(status); err != nil {
		return p, err
	}
	if p.StartHeight, err = parseU64("start_height", start); err != nil {
		return p, err
	}
	if p.EndHeight, err = parseU64("end_height", end); err != nil {
		return p, err
	}
	if p.TotalAllocation, err = parseU64("total_allocation", alloc); err != nil {
		return p, err
	}
	if p.TotalPoints, err = parseU64("total_points", points); err != nil {
		return p, err
	}
	if p.UnallocatedSurplus, err = parseU64("unallocated_surplus", surplus); err != nil {
		return p, err
	}
	if p.Payouts, err = unmarshalPayouts(payouts); err != nil {
		return p, err
	}
	if p.RecordedAt, err = parseTime("recorded_at", recordedAt); err != nil {
		return p, err
	}
	return p, nil
}

// LatestPeriod returns the current version of a reward period.
func (s *Store) LatestPeriod(ctx context.Context, periodID string) (ir.RewardPeriod, bool, error) {
	return queryOne(ctx, s.db, scanPeriod, `
		SELECT `+periodColumns+`
		FROM reward_periods
		WHERE period_id = ?
		ORDER BY version DESC
		LIMIT 1
	`, periodID)
}

// PeriodHistory returns every version of a reward period, oldest first.
func (s *Store) PeriodHistory(ctx context.Context, periodID string) ([]ir.RewardPeriod, error) {
	return queryAll(ctx, s.db, "periods", scanPeriod, `
		SELECT `+periodColumns+`
		FROM reward_periods
		WHERE period_id = ?
		ORDER BY version ASC
	`, periodID)
}

// AllPeriodVersions returns every version of every period grouped by
// period and ordered by version.
func (s *Store) AllPeriodVersions(ctx context.Context) ([]ir.RewardPeriod, error) {
	return queryAll(ctx, s.db, "periods", scanPeriod, `
		SELECT `+periodColumns+`
		FROM reward_periods
		ORDER BY period_id COLLATE BINARY ASC, version ASC
	`)
}

const transferColumns = `transfer_id, version, status, source_domain, dest_domain, sender, recipient,
	gross_amount, fee_rate, treasury_percent, min_amount, max_amount,
	required_confirmations, observed_confirmations, fee_amount, net_amount,
	treasury_share, community_share, treasury_beneficiary, community_beneficiary,
	reject_reason, seq, recorded_at`

func scanTransfer(row rowScanner) (ir.BridgeTransfer, error) {
	var t ir.BridgeTransfer
	var status, gross, minAmount, maxAmount, fee, net, treasury, community, reason, recordedAt string
	if err := row.Scan(
		&t.TransferID, &t.Version, &status, &t.SourceDomain, &t.DestDomain, &t.Sender, &t.Recipient,
		&gross, &t.FeeRate, &t.TreasuryPercent, &minAmount, &maxAmount,
		&t.RequiredConfirmations, &t.ObservedConfirmations, &fee, &net,
		&treasury, &community, &t.TreasuryBeneficiary, &t.CommunityBeneficiary,
		&reason, &t.Seq, &recordedAt,
	); err != nil {
		return t, fmt.Errorf("scan transfer: %w", err)
	}
	var err error
	if t.Status, err = ir.ParseTransferStatus(status); err != nil {
		return t, err
	}
	amounts := []struct {
		column string
		raw    string
		dst    *uint64
	}{
		{"gross_amount", gross, &t.GrossAmount},
		{"min_amount", minAmount, &t.MinAmount},
		{"max_amount", maxAmount, &t.MaxAmount},
		{"fee_amount", fee, &t.FeeAmount},
		{"net_amount", net, &t.NetAmount},
		{"treasury_share", treasury, &t.TreasuryShare},
		{"community_share", community, &t.CommunityShare},
	}
	for _, a := range amounts {
		if *a.dst, err = parseU64(a.column, a.raw); err != nil {
			return t, err
		}
	}
	t.RejectReason = ir.ErrorCode(reason)
	if t.RecordedAt, err = parseTime("recorded_at", recordedAt); err != nil {
		return t, err
	}
	return t, nil
}

// LatestTransfer returns the current version of a bridge transfer.
func (s *Store) LatestTransfer(ctx context.Context, transferID string) (ir.BridgeTransfer, bool, error) {
	return queryOne(ctx, s.db, scanTransfer, `
		SELECT `+transferColumns+`
		FROM bridge_transfers
		WHERE transfer_id = ?
		ORDER BY version DESC
		LIMIT 1
	`, transferID)
}

// TransferHistory returns every version of a bridge transfer, oldest first.
func (s *Store) TransferHistory(ctx context.Context, transferID string) ([]ir.BridgeTransfer, error) {
	return queryAll(ctx, s.db, "transfers", scanTransfer, `
		SELECT `+transferColumns+`
		FROM bridge_transfers
		WHERE transfer_id = ?
		ORDER BY version ASC
	`, transferID)
}

// AllTransferVersions returns every version of every transfer grouped by
// transfer and ordered by version.
func (s *Store) AllTransferVersions(ctx context.Context) ([]ir.BridgeTransfer, error) {
	return queryAll(ctx, s.db, "transfers", scanTransfer, `
		SELECT `+transferColumns+`
		FROM bridge_transfers
		ORDER BY transfer_id COLLATE BINARY ASC, version ASC
	`)
}
