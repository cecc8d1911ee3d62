package store

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/roach88/settle/internal/ir"
)

func TestCommit_EmptyBatch(t *testing.T) {
	s := createTestStore(t)
	if err := s.Commit(context.Background(), Batch{}); err != nil {
		t.Fatalf("Commit(empty) failed: %v", err)
	}
}

func TestCommit_IssuanceRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	st := ir.IssuanceState{
		Version:           1,
		Height:            math.MaxUint64,
		CumulativeSupply:  math.MaxUint64 - 1,
		HardCap:           math.MaxUint64,
		InitialReward:     10000,
		HalvingInterval:   210000,
		AllocationPercent: 15,
		Seq:               3,
		RecordedAt:        testTime,
	}
	if err := s.Commit(ctx, Batch{Issuance: []ir.IssuanceState{st}}); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	got, ok, err := s.LatestIssuance(ctx)
	if err != nil {
		t.Fatalf("LatestIssuance() failed: %v", err)
	}
	if !ok {
		t.Fatal("LatestIssuance() found nothing")
	}
	if !got.RecordedAt.Equal(st.RecordedAt) {
		t.Errorf("RecordedAt = %v, want %v", got.RecordedAt, st.RecordedAt)
	}
	got.RecordedAt = st.RecordedAt
	if got != st {
		t.Errorf("LatestIssuance() = %+v, want %+v", got, st)
	}
}

func TestCommit_VersionConflict(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.Commit(ctx, Batch{Transfers: []ir.BridgeTransfer{testTransfer("tx-1", 1, 1)}}); err != nil {
		t.Fatalf("Commit(v1) failed: %v", err)
	}

	// Replaying version 1 is a concurrent writer that read stale state.
	err := s.Commit(ctx, Batch{Transfers: []ir.BridgeTransfer{testTransfer("tx-1", 1, 2)}})
	if !ir.HasCode(err, ir.ErrCodeConcurrentWrite) {
		t.Fatalf("Commit(stale v1) error = %v, want CONCURRENT_WRITE", err)
	}
	if !ir.IsInvariant(err) {
		t.Errorf("CONCURRENT_WRITE should be an invariant violation")
	}

	// Skipping a version is rejected as well.
	err = s.Commit(ctx, Batch{Transfers: []ir.BridgeTransfer{testTransfer("tx-1", 3, 3)}})
	if !ir.HasCode(err, ir.ErrCodeConcurrentWrite) {
		t.Fatalf("Commit(v3) error = %v, want CONCURRENT_WRITE", err)
	}
}

func TestCommit_RollsBackWholeBatch(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.Commit(ctx, Batch{Periods: []ir.RewardPeriod{testPeriod("p1", 1, 1)}}); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	payout := testInstruction(ir.KindPayout, "alice", 10, 1, 3)
	err := s.Commit(ctx, Batch{
		Transfers:    []ir.BridgeTransfer{testTransfer("tx-1", 1, 2)},
		Periods:      []ir.RewardPeriod{testPeriod("p1", 1, 3)}, // stale
		Instructions: []ir.Instruction{payout},
	})
	if err == nil {
		t.Fatal("expected batch with stale period version to fail")
	}

	if _, ok, _ := s.LatestTransfer(ctx, "tx-1"); ok {
		t.Error("transfer from failed batch was committed")
	}
	if _, ok, _ := s.Delivery(ctx, payout.ID); ok {
		t.Error("instruction from failed batch was committed")
	}
}

func TestCommit_ConsecutiveVersionsInOneBatch(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	v1 := testTransfer("tx-1", 1, 1)
	v2 := v1
	v2.Version, v2.Seq, v2.Status = 2, 2, ir.TransferFeeApplied
	v3 := v2
	v3.Version, v3.Seq, v3.Status = 3, 3, ir.TransferAwaitingConfirmation

	if err := s.Commit(ctx, Batch{Transfers: []ir.BridgeTransfer{v1, v2, v3}}); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	history, err := s.TransferHistory(ctx, "tx-1")
	if err != nil {
		t.Fatalf("TransferHistory() failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}
	for i, want := range []ir.TransferStatus{ir.TransferPending, ir.TransferFeeApplied, ir.TransferAwaitingConfirmation} {
		if history[i].Status != want {
			t.Errorf("history[%d].Status = %v, want %v", i, history[i].Status, want)
		}
	}
}

func TestCommit_ClaimIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	c := testClaim("alice", "p1", 50, "att-1", 1)
	for i := 0; i < 2; i++ {
		if err := s.Commit(ctx, Batch{Claims: []ir.Claim{c}}); err != nil {
			t.Fatalf("Commit() #%d failed: %v", i, err)
		}
	}

	claims, err := s.OpenClaims(ctx, ir.Subject{ContributorID: "alice", PeriodID: "p1"})
	if err != nil {
		t.Fatalf("OpenClaims() failed: %v", err)
	}
	if len(claims) != 1 {
		t.Errorf("len(claims) = %d, want 1", len(claims))
	}
}

func TestCommit_OneFactPerSubject(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	fact := func(points uint64, seq int64) ir.AcceptedFact {
		k := ir.FactKey{ContributorID: "alice", PeriodID: "p1", Points: points}
		return ir.AcceptedFact{
			ID:            ir.MustFactID(k),
			ContributorID: "alice",
			PeriodID:      "p1",
			Points:        points,
			Attesters:     []string{"b", "a"},
			AcceptedAt:    testTime,
			Seq:           seq,
		}
	}

	if err := s.Commit(ctx, Batch{Facts: []ir.AcceptedFact{fact(50, 1)}}); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	err := s.Commit(ctx, Batch{Facts: []ir.AcceptedFact{fact(40, 2)}})
	if !ir.HasCode(err, ir.ErrCodeConcurrentWrite) {
		t.Fatalf("second fact error = %v, want CONCURRENT_WRITE", err)
	}

	got, ok, err := s.Fact(ctx, ir.Subject{ContributorID: "alice", PeriodID: "p1"})
	if err != nil || !ok {
		t.Fatalf("Fact() = %v, %v", ok, err)
	}
	if got.Points != 50 {
		t.Errorf("Points = %d, want 50", got.Points)
	}
	if got.Attesters[0] != "a" || got.Attesters[1] != "b" {
		t.Errorf("Attesters = %v, want sorted [a b]", got.Attesters)
	}
}

func TestCommit_AckForUnknownInstruction(t *testing.T) {
	s := createTestStore(t)

	err := s.Commit(context.Background(), Batch{Acks: []ir.Ack{{
		InstructionID: "missing",
		OK:            true,
		Seq:           1,
		ReceivedAt:    testTime,
	}}})
	if !ir.HasCode(err, ir.ErrCodeUnknownInstruction) {
		t.Fatalf("error = %v, want UNKNOWN_INSTRUCTION", err)
	}
}

func TestCommit_RejectsUnknownInstructionKind(t *testing.T) {
	s := createTestStore(t)

	in := testInstruction(ir.KindRelease, "tx-1", 10, 1, 1)
	in.Kind = "refund"
	err := s.Commit(context.Background(), Batch{Instructions: []ir.Instruction{in}})
	if !ir.IsValidation(err) {
		t.Fatalf("error = %v, want validation error", err)
	}
}

func TestCommit_MovesStaleSeqsPastFence(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.Commit(ctx, Batch{Transfers: []ir.BridgeTransfer{testTransfer("tx-1", 1, 10)}}); err != nil {
		t.Fatalf("Commit(seq 10) failed: %v", err)
	}

	// A writer whose clock lags behind the log.
	b := Batch{Claims: []ir.Claim{
		testClaim("alice", "p1", 50, "att-1", 3),
		testClaim("alice", "p1", 50, "att-2", 4),
	}}
	if err := s.Commit(ctx, b); err != nil {
		t.Fatalf("Commit(stale) failed: %v", err)
	}
	if b.Claims[0].Seq != 11 || b.Claims[1].Seq != 12 {
		t.Errorf("seqs = %d, %d, want 11, 12", b.Claims[0].Seq, b.Claims[1].Seq)
	}

	claims, err := s.OpenClaims(ctx, ir.Subject{ContributorID: "alice", PeriodID: "p1"})
	if err != nil {
		t.Fatalf("OpenClaims() failed: %v", err)
	}
	stored := map[string]int64{}
	for _, c := range claims {
		stored[c.AttesterID] = c.Seq
	}
	if stored["att-1"] != 11 || stored["att-2"] != 12 {
		t.Errorf("stored seqs = %v, want att-1:11 att-2:12", stored)
	}

	if seq, err := s.MaxSeq(ctx); err != nil || seq != 12 {
		t.Errorf("MaxSeq() = %d, %v, want 12", seq, err)
	}
}

func TestCommit_KeepsSeqsAheadOfFence(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.Commit(ctx, Batch{Transfers: []ir.BridgeTransfer{testTransfer("tx-1", 1, 2)}}); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	b := Batch{Transfers: []ir.BridgeTransfer{testTransfer("tx-2", 1, 7)}}
	if err := s.Commit(ctx, b); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if b.Transfers[0].Seq != 7 {
		t.Errorf("Seq = %d, want 7", b.Transfers[0].Seq)
	}
}

func TestCommit_FenceRollsBackWithBatch(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.Commit(ctx, Batch{Transfers: []ir.BridgeTransfer{testTransfer("tx-1", 1, 1)}}); err != nil {
		t.Fatalf("Commit(v1) failed: %v", err)
	}
	err := s.Commit(ctx, Batch{Transfers: []ir.BridgeTransfer{testTransfer("tx-1", 1, 50)}})
	if !ir.HasCode(err, ir.ErrCodeConcurrentWrite) {
		t.Fatalf("Commit(stale v1) error = %v, want CONCURRENT_WRITE", err)
	}
	if seq, err := s.MaxSeq(ctx); err != nil || seq != 1 {
		t.Errorf("MaxSeq() = %d, %v, want 1", seq, err)
	}
}

func TestCommit_WritersOnSharedDatabaseGetDistinctSeqs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer first.Close()
	second, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer second.Close()
	ctx := context.Background()

	// Both writers resume from the same empty log.
	a := Batch{Transfers: []ir.BridgeTransfer{testTransfer("tx-a", 1, 1)}}
	if err := first.Commit(ctx, a); err != nil {
		t.Fatalf("first.Commit() failed: %v", err)
	}
	b := Batch{Transfers: []ir.BridgeTransfer{testTransfer("tx-b", 1, 1)}}
	if err := second.Commit(ctx, b); err != nil {
		t.Fatalf("second.Commit() failed: %v", err)
	}

	if a.Transfers[0].Seq != 1 || b.Transfers[0].Seq != 2 {
		t.Errorf("seqs = %d, %d, want 1, 2", a.Transfers[0].Seq, b.Transfers[0].Seq)
	}
	got, ok, err := first.LatestTransfer(ctx, "tx-b")
	if err != nil || !ok {
		t.Fatalf("LatestTransfer() = %v, %v", ok, err)
	}
	if got.Seq != 2 {
		t.Errorf("stored Seq = %d, want 2", got.Seq)
	}
}
