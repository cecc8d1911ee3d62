package issuance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/settle/internal/ir"
)

var defaultParams = Params{
	InitialReward:     10000,
	HalvingInterval:   210000,
	HardCap:           4_200_000_000,
	AllocationPercent: 15,
}

func mustSchedule(t *testing.T, p Params) Schedule {
	t.Helper()
	s, err := NewSchedule(p)
	require.NoError(t, err)
	return s
}

func TestNewSchedule_RejectsInvalidParams(t *testing.T) {
	tests := []struct {
		name string
		p    Params
	}{
		{"zero interval", Params{InitialReward: 1, HardCap: 1}},
		{"percent above 100", Params{InitialReward: 1, HalvingInterval: 1, HardCap: 1, AllocationPercent: 101}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSchedule(tt.p)
			require.Error(t, err)
			assert.True(t, ir.IsValidation(err))
			assert.Equal(t, ir.ErrCodeInvalidParams, ir.CodeOf(err))
		})
	}
}

func TestRewardAt_HalvesAtBoundaries(t *testing.T) {
	s := mustSchedule(t, defaultParams)

	assert.Equal(t, uint64(10000), s.RewardAt(0))
	assert.Equal(t, uint64(10000), s.RewardAt(209999))
	assert.Equal(t, uint64(5000), s.RewardAt(210000))
	assert.Equal(t, uint64(5000), s.RewardAt(419999))
	assert.Equal(t, uint64(2500), s.RewardAt(420000))
	assert.Equal(t, uint64(0), s.RewardAt(math.MaxUint64))
}

func TestRewardAt_NonIncreasing(t *testing.T) {
	s := mustSchedule(t, Params{InitialReward: 1000, HalvingInterval: 7, HardCap: math.MaxUint64})

	prev := s.RewardAt(0)
	for h := uint64(1); h < 1000; h++ {
		r := s.RewardAt(h)
		require.LessOrEqual(t, r, prev, "reward increased at height %d", h)
		if h%7 == 0 {
			assert.Equal(t, prev/2, r, "reward must halve exactly at height %d", h)
		} else {
			assert.Equal(t, prev, r, "reward changed inside an era at height %d", h)
		}
		prev = r
	}
}

func TestRewardAt_ZeroAfterMaxHalvings(t *testing.T) {
	s := mustSchedule(t, Params{InitialReward: math.MaxUint64, HalvingInterval: 1, HardCap: math.MaxUint64})

	assert.Equal(t, uint64(1), s.RewardAt(MaxHalvings-1))
	assert.Equal(t, uint64(0), s.RewardAt(MaxHalvings))
	assert.Equal(t, uint64(0), s.RewardAt(MaxHalvings+1000))
}

func TestCumulativeSupplyAt_Values(t *testing.T) {
	s := mustSchedule(t, defaultParams)

	assert.Equal(t, uint64(0), s.CumulativeSupplyAt(0))
	assert.Equal(t, uint64(10000), s.CumulativeSupplyAt(1))
	assert.Equal(t, uint64(2_100_000_000), s.CumulativeSupplyAt(210000))
	assert.Equal(t, uint64(2_100_005_000), s.CumulativeSupplyAt(210001))
	// Emission stops after 14 eras: 210000 * (10000 + 5000 + ... + 1).
	assert.Equal(t, uint64(4_198_950_000), s.CumulativeSupplyAt(math.MaxUint64))
}

func TestCumulativeSupplyAt_MatchesNaiveSum(t *testing.T) {
	s := mustSchedule(t, Params{InitialReward: 100, HalvingInterval: 3, HardCap: math.MaxUint64})

	var sum uint64
	for h := uint64(0); h < 500; h++ {
		require.Equal(t, sum, s.CumulativeSupplyAt(h), "height %d", h)
		sum += s.RewardAt(h)
	}
}

func TestCumulativeSupplyAt_NeverExceedsCap(t *testing.T) {
	s := mustSchedule(t, Params{InitialReward: 10000, HalvingInterval: 1000, HardCap: 15000})

	assert.Equal(t, uint64(10000), s.CumulativeSupplyAt(1))
	assert.Equal(t, uint64(15000), s.CumulativeSupplyAt(2))
	for _, h := range []uint64{3, 1000, 1 << 40, math.MaxUint64} {
		assert.Equal(t, uint64(15000), s.CumulativeSupplyAt(h), "height %d", h)
	}
}

func TestCumulativeSupplyAt_SaturatesInsteadOfWrapping(t *testing.T) {
	s := mustSchedule(t, Params{
		InitialReward:   math.MaxUint64,
		HalvingInterval: math.MaxUint64,
		HardCap:         math.MaxUint64 - 1,
	})

	// 2 * MaxUint64 does not fit in 64 bits.
	assert.Equal(t, uint64(math.MaxUint64-1), s.CumulativeSupplyAt(2))
	assert.Equal(t, uint64(math.MaxUint64-1), s.CumulativeSupplyAt(math.MaxUint64))
}

func TestCommunityAllocationAt(t *testing.T) {
	s := mustSchedule(t, defaultParams)

	assert.Equal(t, uint64(315_000_000), s.CommunityAllocationAt(210000))
	assert.Equal(t, uint64(1500), s.CommunityAllocationAt(1))
	assert.Equal(t, uint64(0), s.CommunityAllocationAt(0))
}

func TestAllocationBetween(t *testing.T) {
	s := mustSchedule(t, defaultParams)

	assert.Equal(t, s.CommunityAllocationAt(500), s.AllocationBetween(0, 500))
	assert.Equal(t, s.CommunityAllocationAt(500)-s.CommunityAllocationAt(100), s.AllocationBetween(100, 500))
	assert.Equal(t, uint64(0), s.AllocationBetween(500, 500))
	assert.Equal(t, uint64(0), s.AllocationBetween(600, 500))
}

func TestPercentOf_FullRange(t *testing.T) {
	assert.Equal(t, uint64(math.MaxUint64), percentOf(math.MaxUint64, 100))
	assert.Equal(t, uint64(2767011611056432742), percentOf(math.MaxUint64, 15))
	assert.Equal(t, uint64(0), percentOf(math.MaxUint64, 0))
	assert.Equal(t, uint64(0), percentOf(6, 15))
}

func TestThen_ContinuesFromChangeHeight(t *testing.T) {
	s := mustSchedule(t, Params{InitialReward: 100, HalvingInterval: 10, HardCap: math.MaxUint64, AllocationPercent: 10})
	p := Params{InitialReward: 100, HalvingInterval: 40, HardCap: math.MaxUint64, AllocationPercent: 50}
	changed, err := s.Then(15, p)
	require.NoError(t, err)

	// Below the change nothing moves.
	for h := uint64(0); h <= 15; h++ {
		assert.Equal(t, s.CumulativeSupplyAt(h), changed.CumulativeSupplyAt(h), "height %d", h)
		assert.Equal(t, s.CommunityAllocationAt(h), changed.CommunityAllocationAt(h), "height %d", h)
	}
	assert.Equal(t, p, changed.Params())

	var sum uint64
	for h := uint64(0); h < 200; h++ {
		require.Equal(t, sum, changed.CumulativeSupplyAt(h), "height %d", h)
		sum += changed.RewardAt(h)
	}
	assert.Equal(t, uint64(50), changed.RewardAt(14))
	assert.Equal(t, uint64(100), changed.RewardAt(15))

	// Allocation is monotone and periods on either side of the change add up.
	prev := uint64(0)
	for h := uint64(0); h < 200; h++ {
		a := changed.CommunityAllocationAt(h)
		require.GreaterOrEqual(t, a, prev, "height %d", h)
		prev = a
	}
	assert.Equal(t, changed.AllocationBetween(0, 100), changed.AllocationBetween(0, 15)+changed.AllocationBetween(15, 100))
}

func TestThen_ReplacesChangeAtSameHeight(t *testing.T) {
	s := mustSchedule(t, defaultParams)
	p1 := defaultParams
	p1.HalvingInterval = 420000
	p2 := defaultParams
	p2.InitialReward = 1

	first, err := s.Then(100, p1)
	require.NoError(t, err)
	second, err := first.Then(100, p2)
	require.NoError(t, err)
	direct, err := s.Then(100, p2)
	require.NoError(t, err)

	for _, h := range []uint64{0, 100, 500, 1 << 30} {
		assert.Equal(t, direct.CumulativeSupplyAt(h), second.CumulativeSupplyAt(h), "height %d", h)
	}
	assert.Len(t, second.eras, 2)
}

func TestThen_Rejects(t *testing.T) {
	s := mustSchedule(t, defaultParams)
	changed, err := s.Then(1000, defaultParams)
	require.NoError(t, err)
	assert.Len(t, changed.eras, 1, "unchanged parameters add no era")

	p := defaultParams
	p.HalvingInterval = 420000
	changed, err = s.Then(1000, p)
	require.NoError(t, err)

	_, err = changed.Then(999, defaultParams)
	assert.Equal(t, ir.ErrCodeInvalidParams, ir.CodeOf(err), "changes cannot precede the last one")

	low := defaultParams
	low.HardCap = 10000
	_, err = s.Then(2, low)
	assert.True(t, ir.IsInvariant(err))
	assert.Equal(t, ir.ErrCodeSupplyCapExceeded, ir.CodeOf(err))

	_, err = s.Then(2, Params{InitialReward: 1, HardCap: 1})
	assert.Equal(t, ir.ErrCodeInvalidParams, ir.CodeOf(err))
}

func TestThen_CapsAtNewHardCap(t *testing.T) {
	s := mustSchedule(t, Params{InitialReward: 10, HalvingInterval: 1000, HardCap: 1000})
	changed, err := s.Then(5, Params{InitialReward: 10, HalvingInterval: 1000, HardCap: 80})
	require.NoError(t, err)

	assert.Equal(t, uint64(50), changed.CumulativeSupplyAt(5))
	assert.Equal(t, uint64(70), changed.CumulativeSupplyAt(7))
	assert.Equal(t, uint64(80), changed.CumulativeSupplyAt(8))
	assert.Equal(t, uint64(80), changed.CumulativeSupplyAt(math.MaxUint64))
}

func TestFromHistory(t *testing.T) {
	state := func(version int64, height uint64, p Params) ir.IssuanceState {
		return ir.IssuanceState{
			Version:           version,
			Height:            height,
			InitialReward:     p.InitialReward,
			HalvingInterval:   p.HalvingInterval,
			HardCap:           p.HardCap,
			AllocationPercent: p.AllocationPercent,
		}
	}
	p := defaultParams
	p.HalvingInterval = 420000

	s, err := FromHistory([]ir.IssuanceState{
		state(1, 0, defaultParams),
		state(2, 300000, defaultParams),
		state(3, 300000, p),
		state(4, 400000, p),
	})
	require.NoError(t, err)
	assert.Equal(t, p, s.Params())
	assert.Equal(t, uint64(2_550_000_000), s.CumulativeSupplyAt(300000))
	assert.Equal(t, uint64(3_550_000_000), s.CumulativeSupplyAt(400000))

	_, err = FromHistory(nil)
	assert.Error(t, err)
}
