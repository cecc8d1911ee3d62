package bridge

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/settle/internal/ir"
)

func testPolicy(feeRate, treasury string) Policy {
	return Policy{
		FeeRate:               decimal.RequireFromString(feeRate),
		TreasuryPercent:       decimal.RequireFromString(treasury),
		MinAmount:             100,
		RequiredConfirmations: 2,
		TreasuryBeneficiary:   "treasury",
		CommunityBeneficiary:  "community",
	}
}

func TestApplyFee_Example(t *testing.T) {
	split := testPolicy("0.05", "0.8").ApplyFee(1000)
	assert.Equal(t, Split{Fee: 50, Net: 950, Treasury: 40, Community: 10}, split)
}

func TestApplyFee_SharesSumToFee(t *testing.T) {
	rates := []string{"0", "1", "0.05", "0.333", "0.999999", "0.5", "0.0001"}
	amounts := []uint64{0, 1, 2, 3, 7, 999, 1001, math.MaxUint64}
	r := rand.New(rand.NewPCG(3, 5))
	for i := 0; i < 50; i++ {
		amounts = append(amounts, r.Uint64())
	}

	for _, fee := range rates {
		for _, treasury := range rates {
			p := testPolicy(fee, treasury)
			for _, gross := range amounts {
				s := p.ApplyFee(gross)
				require.Equal(t, s.Fee, s.Treasury+s.Community, "fee=%s treasury=%s gross=%d", fee, treasury, gross)
				require.Equal(t, gross, s.Net+s.Fee, "fee=%s gross=%d", fee, gross)
				require.LessOrEqual(t, s.Fee, gross)
			}
		}
	}
}

func TestApplyFee_Floors(t *testing.T) {
	s := testPolicy("0.333", "0.5").ApplyFee(10)
	assert.Equal(t, uint64(3), s.Fee)
	assert.Equal(t, uint64(7), s.Net)
	assert.Equal(t, uint64(1), s.Treasury)
	assert.Equal(t, uint64(2), s.Community)

	s = testPolicy("1", "1").ApplyFee(math.MaxUint64)
	assert.Equal(t, uint64(math.MaxUint64), s.Fee)
	assert.Equal(t, uint64(0), s.Net)
	assert.Equal(t, uint64(math.MaxUint64), s.Treasury)
}

func TestParseRate(t *testing.T) {
	d, err := ParseRate("fee_rate", "0.05")
	require.NoError(t, err)
	assert.Equal(t, "0.05", d.String())

	for _, bad := range []string{"-0.1", "1.01", "abc", ""} {
		_, err := ParseRate("fee_rate", bad)
		assert.Equal(t, ir.ErrCodeInvalidParams, ir.CodeOf(err), bad)
	}
}

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, testPolicy("0.05", "0.8").Validate())

	p := testPolicy("0.05", "0.8")
	p.MaxAmount = 50
	assert.Equal(t, ir.ErrCodeInvalidParams, ir.CodeOf(p.Validate()))

	p = testPolicy("0.05", "0.8")
	p.TreasuryBeneficiary = ""
	assert.Equal(t, ir.ErrCodeInvalidParams, ir.CodeOf(p.Validate()))

	p = testPolicy("0.05", "0.8")
	p.FeeRate = decimal.RequireFromString("1.5")
	assert.Equal(t, ir.ErrCodeInvalidParams, ir.CodeOf(p.Validate()))
}
