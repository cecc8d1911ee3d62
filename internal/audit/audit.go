// Package audit replays the append-only settlement log and re-derives what
// every recorded transition should have been.
//
// The audit reads the store only. Each finding names the entity and the
// check that failed; a clean log yields an empty Findings list.
package audit

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/roach88/settle/internal/bridge"
	"github.com/roach88/settle/internal/ir"
	"github.com/roach88/settle/internal/issuance"
	"github.com/roach88/settle/internal/rewards"
	"github.com/roach88/settle/internal/store"
)

// Check names.
const (
	CheckSupplyCap      = "supply_cap"
	CheckSupplySchedule = "supply_schedule"
	CheckHeightOrder    = "height_order"
	CheckVersions       = "version_contiguity"
	CheckTransition     = "transition"
	CheckSingleSettle   = "single_settlement"
	CheckConservation   = "allocation_conservation"
	CheckPayoutReplay   = "payout_replay"
	CheckIssuedHeight   = "issued_height"
	CheckFeeSplit       = "fee_split"
	CheckFeeReplay      = "fee_replay"
	CheckInstructions   = "instructions"
	CheckFactAttesters  = "fact_attesters"
)

// Finding is one failed check.
type Finding struct {
	Entity  string `json:"entity"`
	Key     string `json:"key"`
	Check   string `json:"check"`
	Message string `json:"message"`
}

// Report summarizes an audit run.
type Report struct {
	IssuanceVersions int       `json:"issuance_versions"`
	Facts            int       `json:"facts"`
	Periods          int       `json:"periods"`
	Transfers        int       `json:"transfers"`
	Instructions     int       `json:"instructions"`
	Findings         []Finding `json:"findings"`
}

// OK reports whether no check failed.
func (r Report) OK() bool {
	return len(r.Findings) == 0
}

type auditor struct {
	report Report
	states []ir.IssuanceState
}

func (a *auditor) fail(entity, key, check, format string, args ...any) {
	a.report.Findings = append(a.report.Findings, Finding{
		Entity:  entity,
		Key:     key,
		Check:   check,
		Message: fmt.Sprintf(format, args...),
	})
}

// Run audits every record in s.
func Run(ctx context.Context, s *store.Store) (Report, error) {
	a := &auditor{report: Report{Findings: []Finding{}}}

	states, err := s.IssuanceHistory(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("audit issuance: %w", err)
	}
	a.issuance(states)

	facts, err := s.AllFacts(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("audit facts: %w", err)
	}
	a.facts(facts)

	deliveries, err := s.AllDeliveries(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("audit instructions: %w", err)
	}
	a.report.Instructions = len(deliveries)

	periods, err := s.AllPeriodVersions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("audit periods: %w", err)
	}
	a.periods(periods, facts, deliveries)

	transfers, err := s.AllTransferVersions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("audit transfers: %w", err)
	}
	a.transfers(transfers, deliveries)

	return a.report, nil
}

func (a *auditor) issuance(states []ir.IssuanceState) {
	a.states = states
	a.report.IssuanceVersions = len(states)
	var (
		sched      issuance.Schedule
		replayable bool
	)
	for i, st := range states {
		key := fmt.Sprintf("v%d", st.Version)
		if st.Version != int64(i+1) {
			a.fail("issuance", key, CheckVersions, "expected version %d", i+1)
		}
		if st.CumulativeSupply > st.HardCap {
			a.fail("issuance", key, CheckSupplyCap, "supply %d exceeds cap %d", st.CumulativeSupply, st.HardCap)
		}
		// Each parameter change starts an era at the height it was recorded at.
		var err error
		if i == 0 || !replayable {
			sched, err = issuance.NewSchedule(issuance.ParamsOf(st))
		} else {
			sched, err = sched.Then(st.Height, issuance.ParamsOf(st))
		}
		replayable = err == nil
		if err != nil {
			a.fail("issuance", key, CheckSupplySchedule, "invalid recorded parameters: %v", err)
		} else if want := sched.CumulativeSupplyAt(st.Height); want != st.CumulativeSupply {
			a.fail("issuance", key, CheckSupplySchedule, "supply %d at height %d, schedule gives %d", st.CumulativeSupply, st.Height, want)
		}
		if i > 0 {
			prev := states[i-1]
			if st.Height < prev.Height {
				a.fail("issuance", key, CheckHeightOrder, "height %d after %d", st.Height, prev.Height)
			}
			if st.CumulativeSupply < prev.CumulativeSupply {
				a.fail("issuance", key, CheckSupplySchedule, "supply decreased from %d to %d", prev.CumulativeSupply, st.CumulativeSupply)
			}
		}
	}
}

func (a *auditor) facts(facts []ir.AcceptedFact) {
	a.report.Facts = len(facts)
	for _, f := range facts {
		seen := make(map[string]bool, len(f.Attesters))
		for _, att := range f.Attesters {
			if seen[att] {
				a.fail("fact", f.Key().String(), CheckFactAttesters, "attester %s counted twice", att)
			}
			seen[att] = true
		}
		if len(f.Attesters) == 0 {
			a.fail("fact", f.Key().String(), CheckFactAttesters, "fact has no attesters")
		}
	}
}

// groupVersions groups records by id, keeping first-seen id order and
// sorting each group by version.
func groupVersions[T any](records []T, id func(T) string, version func(T) int64) ([]string, map[string][]T) {
	var order []string
	groups := make(map[string][]T)
	for _, r := range records {
		k := id(r)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}
	for _, g := range groups {
		sort.Slice(g, func(i, j int) bool { return version(g[i]) < version(g[j]) })
	}
	return order, groups
}

func (a *auditor) contiguous(entity, key string, versions []int64) {
	for i, v := range versions {
		if v != int64(i+1) {
			a.fail(entity, key, CheckVersions, "version %d at position %d", v, i+1)
			return
		}
	}
}

func (a *auditor) periods(records []ir.RewardPeriod, facts []ir.AcceptedFact, deliveries []ir.Delivery) {
	ids, groups := groupVersions(records,
		func(p ir.RewardPeriod) string { return p.PeriodID },
		func(p ir.RewardPeriod) int64 { return p.Version })
	a.report.Periods = len(ids)

	for _, id := range ids {
		versions := groups[id]
		vs := make([]int64, len(versions))
		for i, v := range versions {
			vs[i] = v.Version
		}
		a.contiguous("period", id, vs)

		var settled []ir.RewardPeriod
		for i, v := range versions {
			if v.Status == ir.PeriodSettled {
				settled = append(settled, v)
				if i != len(versions)-1 {
					a.fail("period", id, CheckTransition, "version %d follows Settled", versions[i+1].Version)
				}
			}
			if v.TotalAllocation != versions[0].TotalAllocation {
				a.fail("period", id, CheckTransition, "allocation changed at version %d", v.Version)
			}
		}
		switch {
		case len(settled) > 1:
			a.fail("period", id, CheckSingleSettle, "settled %d times", len(settled))
		case len(settled) == 1:
			a.settledPeriod(settled[0], facts, deliveries)
		}
	}
}

func (a *auditor) settledPeriod(p ir.RewardPeriod, facts []ir.AcceptedFact, deliveries []ir.Delivery) {
	res := ir.ResultOf(p)
	if res.Distributed()+res.UnallocatedSurplus != res.Allocation {
		a.fail("period", p.PeriodID, CheckConservation, "payouts %d + surplus %d != allocation %d",
			res.Distributed(), res.UnallocatedSurplus, res.Allocation)
	}

	if reached := a.heightBefore(p.Seq); p.EndHeight > reached {
		a.fail("period", p.PeriodID, CheckIssuedHeight, "settled through height %d when the counter was at %d", p.EndHeight, reached)
	}

	// Facts accepted after settlement did not take part in it.
	var inputs []ir.AcceptedFact
	for _, f := range facts {
		if f.PeriodID == p.PeriodID && f.Seq < p.Seq {
			inputs = append(inputs, f)
		}
	}
	payouts, _, surplus, err := rewards.Distribute(p.TotalAllocation, inputs)
	switch {
	case err != nil:
		a.fail("period", p.PeriodID, CheckPayoutReplay, "replay failed: %v", err)
	case !equalPayouts(payouts, p.Payouts) || surplus != p.UnallocatedSurplus:
		a.fail("period", p.PeriodID, CheckPayoutReplay, "recorded payouts differ from replay over %d facts", len(inputs))
	}

	want := make(map[string]uint64)
	for _, po := range p.Payouts {
		if po.Amount > 0 {
			want[po.ContributorID] = po.Amount
		}
	}
	got := make(map[string]uint64)
	for _, d := range deliveries {
		in := d.Instruction
		if in.Kind != ir.KindPayout || in.PeriodID != p.PeriodID {
			continue
		}
		if in.Attempt == 1 {
			got[in.ContributorID] = in.Amount
		} else if in.Amount != want[in.ContributorID] {
			a.fail("period", p.PeriodID, CheckInstructions, "retry for %s carries %d, payout is %d", in.ContributorID, in.Amount, want[in.ContributorID])
		}
	}
	if !equalAmounts(want, got) {
		a.fail("period", p.PeriodID, CheckInstructions, "payout instructions do not match payouts")
	}
}

// heightBefore returns the highest height recorded before seq.
func (a *auditor) heightBefore(seq int64) uint64 {
	var h uint64
	for _, st := range a.states {
		if st.Seq < seq && st.Height > h {
			h = st.Height
		}
	}
	return h
}

func equalPayouts(a, b []ir.Payout) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalAmounts(a, b map[string]uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func (a *auditor) transfers(records []ir.BridgeTransfer, deliveries []ir.Delivery) {
	ids, groups := groupVersions(records,
		func(t ir.BridgeTransfer) string { return t.TransferID },
		func(t ir.BridgeTransfer) int64 { return t.Version })
	a.report.Transfers = len(ids)

	byTransfer := make(map[string][]ir.Instruction)
	for _, d := range deliveries {
		if d.Instruction.TransferID != "" {
			byTransfer[d.Instruction.TransferID] = append(byTransfer[d.Instruction.TransferID], d.Instruction)
		}
	}

	for _, id := range ids {
		versions := groups[id]
		vs := make([]int64, len(versions))
		for i, v := range versions {
			vs[i] = v.Version
		}
		a.contiguous("transfer", id, vs)

		if versions[0].Status != ir.TransferPending {
			a.fail("transfer", id, CheckTransition, "first version is %s", versions[0].Status)
		}
		settled := 0
		for i, v := range versions {
			if i > 0 {
				prev := versions[i-1].Status
				progress := prev == ir.TransferAwaitingConfirmation && v.Status == prev
				if !progress && !prev.CanTransitionTo(v.Status) {
					a.fail("transfer", id, CheckTransition, "%s -> %s at version %d", prev, v.Status, v.Version)
				}
			}
			if v.Status == ir.TransferSettled {
				settled++
			}
			if v.Status == ir.TransferRejected && (v.FeeAmount != 0 || v.NetAmount != 0) {
				a.fail("transfer", id, CheckTransition, "rejected transfer carries a fee")
			}
			if v.Status != ir.TransferPending && v.Status != ir.TransferRejected {
				a.feeSplit(v)
			}
		}
		if settled > 1 {
			a.fail("transfer", id, CheckSingleSettle, "settled %d times", settled)
		}

		last := versions[len(versions)-1]
		ins := byTransfer[id]
		if last.Status != ir.TransferSettled && len(ins) > 0 {
			a.fail("transfer", id, CheckInstructions, "%d instructions for a %s transfer", len(ins), last.Status)
		}
		if last.Status == ir.TransferSettled {
			a.transferInstructions(last, ins)
		}
	}
}

func (a *auditor) feeSplit(t ir.BridgeTransfer) {
	key := t.TransferID
	if t.TreasuryShare+t.CommunityShare != t.FeeAmount {
		a.fail("transfer", key, CheckFeeSplit, "treasury %d + community %d != fee %d at version %d",
			t.TreasuryShare, t.CommunityShare, t.FeeAmount, t.Version)
	}
	if t.NetAmount+t.FeeAmount != t.GrossAmount {
		a.fail("transfer", key, CheckFeeSplit, "net %d + fee %d != gross %d", t.NetAmount, t.FeeAmount, t.GrossAmount)
	}

	feeRate, err1 := decimal.NewFromString(t.FeeRate)
	treasury, err2 := decimal.NewFromString(t.TreasuryPercent)
	if err1 != nil || err2 != nil {
		a.fail("transfer", key, CheckFeeReplay, "unparseable rates %q %q", t.FeeRate, t.TreasuryPercent)
		return
	}
	want := bridge.Policy{FeeRate: feeRate, TreasuryPercent: treasury}.ApplyFee(t.GrossAmount)
	got := bridge.Split{Fee: t.FeeAmount, Net: t.NetAmount, Treasury: t.TreasuryShare, Community: t.CommunityShare}
	if want != got {
		a.fail("transfer", key, CheckFeeReplay, "recorded %+v, replay gives %+v", got, want)
	}
}

func (a *auditor) transferInstructions(t ir.BridgeTransfer, ins []ir.Instruction) {
	want := map[ir.InstructionKind]uint64{}
	if t.NetAmount > 0 {
		want[ir.KindRelease] = t.NetAmount
	}
	if t.TreasuryShare > 0 {
		want[ir.KindFeeTreasury] = t.TreasuryShare
	}
	if t.CommunityShare > 0 {
		want[ir.KindFeeCommunity] = t.CommunityShare
	}
	first := map[ir.InstructionKind]int{}
	for _, in := range ins {
		if in.Amount != want[in.Kind] {
			a.fail("transfer", t.TransferID, CheckInstructions, "%s attempt %d carries %d, expected %d", in.Kind, in.Attempt, in.Amount, want[in.Kind])
		}
		if in.Attempt == 1 {
			first[in.Kind]++
		}
	}
	for kind := range want {
		if first[kind] != 1 {
			a.fail("transfer", t.TransferID, CheckInstructions, "%d first attempts for %s", first[kind], kind)
		}
	}
}
