// Package issuance computes the halving emission schedule and owns the
// height counter that drives it.
//
// Schedule is a pure value: its methods depend only on the parameter eras
// it was built from and the height passed in. Tracker records every height
// advance and parameter change as a new version of the issuance state.
package issuance

import (
	"fmt"
	"math/bits"
	"sort"

	"github.com/roach88/settle/internal/ir"
)

// MaxHalvings is the era after which the per-height reward is zero.
const MaxHalvings = 64

// Params are the emission parameters. All amounts are base units.
type Params struct {
	InitialReward     uint64 `json:"initial_reward" yaml:"initial_reward"`
	HalvingInterval   uint64 `json:"halving_interval" yaml:"halving_interval"`
	HardCap           uint64 `json:"hard_cap" yaml:"hard_cap"`
	AllocationPercent uint64 `json:"allocation_percent" yaml:"allocation_percent"`
}

// Validate rejects parameter sets the schedule cannot evaluate.
func (p Params) Validate() error {
	if p.HalvingInterval == 0 {
		return ir.NewValidation(ir.ErrCodeInvalidParams, "", "halving interval must be positive")
	}
	if p.AllocationPercent > 100 {
		return ir.NewValidation(ir.ErrCodeInvalidParams, "", "allocation percent %d exceeds 100", p.AllocationPercent)
	}
	return nil
}

// Schedule evaluates the emission curve. A schedule starts with one
// parameter set at height 0; each governance change adds an era that takes
// over from the height it was made at, continuing from the supply and
// allocation already reached.
type Schedule struct {
	eras []era
}

// era is a parameter set in force from height from onward. supply and alloc
// are the cumulative values at from.
type era struct {
	from   uint64
	p      Params
	supply uint64
	alloc  uint64
}

// NewSchedule validates p and returns its schedule.
func NewSchedule(p Params) (Schedule, error) {
	if err := p.Validate(); err != nil {
		return Schedule{}, err
	}
	return Schedule{eras: []era{{p: p}}}, nil
}

// Params returns the parameters in force at the highest height.
func (s Schedule) Params() Params {
	if len(s.eras) == 0 {
		return Params{}
	}
	return s.eras[len(s.eras)-1].p
}

// Then returns a schedule that follows s below height from and p at and
// above it. A change at the height of the last change replaces it.
func (s Schedule) Then(from uint64, p Params) (Schedule, error) {
	if err := p.Validate(); err != nil {
		return Schedule{}, err
	}
	last := s.eras[len(s.eras)-1]
	if from < last.from {
		return Schedule{}, ir.NewValidation(ir.ErrCodeInvalidParams, "",
			"parameters cannot change at height %d, before the change at %d", from, last.from)
	}
	if p == last.p {
		return s, nil
	}

	next := era{from: from, p: p, supply: s.CumulativeSupplyAt(from), alloc: s.CommunityAllocationAt(from)}
	if next.supply > p.HardCap {
		return Schedule{}, ir.NewInvariant(ir.ErrCodeSupplyCapExceeded, "",
			"hard cap %d is below the supply %d issued by height %d", p.HardCap, next.supply, from)
	}

	eras := make([]era, 0, len(s.eras)+1)
	for _, e := range s.eras {
		if e.from < from {
			eras = append(eras, e)
		}
	}
	return Schedule{eras: append(eras, next)}, nil
}

// eraAt returns the era covering height.
func (s Schedule) eraAt(height uint64) era {
	i := sort.Search(len(s.eras), func(i int) bool { return s.eras[i].from > height })
	return s.eras[i-1]
}

// RewardAt returns the emission for a single height:
// InitialReward >> (height / HalvingInterval), zero past MaxHalvings.
// Halvings are counted from height 0 whichever era is in force.
func (s Schedule) RewardAt(height uint64) uint64 {
	p := s.eraAt(height).p
	halvings := height / p.HalvingInterval
	if halvings >= MaxHalvings {
		return 0
	}
	return p.InitialReward >> halvings
}

// CumulativeSupplyAt returns the sum of RewardAt(i) for i in [0, height),
// capped at the HardCap in force at height.
func (s Schedule) CumulativeSupplyAt(height uint64) uint64 {
	e := s.eraAt(height)
	if e.supply >= e.p.HardCap {
		return e.supply
	}
	return e.supply + emission(e.p, e.from, height, e.p.HardCap-e.supply)
}

// CommunityAllocationAt returns the community share of the supply at
// height: floor(supply * AllocationPercent / 100) within an era, carried
// over unchanged across a change of percent.
func (s Schedule) CommunityAllocationAt(height uint64) uint64 {
	e := s.eraAt(height)
	pct := e.p.AllocationPercent
	return e.alloc + percentOf(s.CumulativeSupplyAt(height), pct) - percentOf(e.supply, pct)
}

// AllocationBetween returns the community allocation emitted in
// [start, end). It is zero when end <= start.
func (s Schedule) AllocationBetween(start, end uint64) uint64 {
	if end <= start {
		return 0
	}
	return s.CommunityAllocationAt(end) - s.CommunityAllocationAt(start)
}

// emission returns the sum of p's per-height reward over [from, to),
// saturating at limit.
//
// The sum is taken one halving era at a time. Products and sums are
// computed with 128-bit intermediates; a value that does not fit in 64 bits
// is already above any uint64 limit, so it saturates rather than wrapping.
func emission(p Params, from, to, limit uint64) uint64 {
	var sum uint64
	for from < to {
		halvings := from / p.HalvingInterval
		if halvings >= MaxHalvings {
			break
		}
		reward := p.InitialReward >> halvings
		if reward == 0 {
			break
		}

		end, carry := bits.Add64(halvings*p.HalvingInterval, p.HalvingInterval, 0)
		if carry != 0 || end > to {
			end = to
		}

		hi, emitted := bits.Mul64(reward, end-from)
		if hi != 0 {
			return limit
		}
		next, carry := bits.Add64(sum, emitted, 0)
		if carry != 0 || next >= limit {
			return limit
		}
		sum, from = next, end
	}
	return sum
}

// FromHistory rebuilds the schedule recorded by an issuance history,
// oldest state first. Every change of parameters starts an era at the
// height it was recorded at.
func FromHistory(states []ir.IssuanceState) (Schedule, error) {
	if len(states) == 0 {
		return Schedule{}, fmt.Errorf("issuance: empty history")
	}
	s, err := NewSchedule(ParamsOf(states[0]))
	if err != nil {
		return Schedule{}, err
	}
	for _, st := range states[1:] {
		if s, err = s.Then(st.Height, ParamsOf(st)); err != nil {
			return Schedule{}, fmt.Errorf("issuance: version %d: %w", st.Version, err)
		}
	}
	return s, nil
}

// ParamsOf returns the parameters recorded in st.
func ParamsOf(st ir.IssuanceState) Params {
	return Params{
		InitialReward:     st.InitialReward,
		HalvingInterval:   st.HalvingInterval,
		HardCap:           st.HardCap,
		AllocationPercent: st.AllocationPercent,
	}
}

// percentOf returns floor(v * pct / 100) for pct <= 100.
func percentOf(v, pct uint64) uint64 {
	hi, lo := bits.Mul64(v, pct)
	q, _ := bits.Div64(hi, lo, 100)
	return q
}
