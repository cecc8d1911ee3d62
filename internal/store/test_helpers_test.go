package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/settle/internal/ir"
)

var testTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// createTestStore opens a fresh store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testClaim(contributor, period string, points uint64, attester string, seq int64) ir.Claim {
	k := ir.FactKey{ContributorID: contributor, PeriodID: period, Points: points}
	return ir.Claim{
		ID:            ir.MustClaimID(k, attester),
		ContributorID: contributor,
		PeriodID:      period,
		Points:        points,
		AttesterID:    attester,
		ObservedAt:    testTime,
		Seq:           seq,
	}
}

func testTransfer(id string, version, seq int64) ir.BridgeTransfer {
	return ir.BridgeTransfer{
		TransferID:            id,
		Version:               version,
		Status:                ir.TransferPending,
		SourceDomain:          "chain-a",
		DestDomain:            "chain-b",
		Sender:                "0xsender",
		Recipient:             "0xrecipient",
		GrossAmount:           1000,
		FeeRate:               "0.05",
		TreasuryPercent:       "0.8",
		MinAmount:             100,
		RequiredConfirmations: 2,
		TreasuryBeneficiary:   "treasury",
		CommunityBeneficiary:  "community",
		Seq:                   seq,
		RecordedAt:            testTime,
	}
}

func testPeriod(id string, version, seq int64) ir.RewardPeriod {
	return ir.RewardPeriod{
		PeriodID:        id,
		Version:         version,
		Status:          ir.PeriodPending,
		EndHeight:       100,
		TotalAllocation: 150000,
		Payouts:         []ir.Payout{},
		Seq:             seq,
		RecordedAt:      testTime,
	}
}

func testInstruction(kind ir.InstructionKind, ref string, amount uint64, attempt int, seq int64) ir.Instruction {
	in := ir.Instruction{
		Kind:        kind,
		Amount:      amount,
		Destination: "dest-" + ref,
		Attempt:     attempt,
		Seq:         seq,
	}
	if kind == ir.KindPayout {
		in.ContributorID = ref
		in.PeriodID = "p1"
	} else {
		in.TransferID = ref
	}
	in.ID = ir.MustInstructionID(in)
	return in
}
