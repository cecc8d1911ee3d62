package bridge

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/roach88/settle/internal/ir"
)

var one = decimal.NewFromInt(1)

// Policy is the fee and confirmation policy applied to new transfers.
type Policy struct {
	FeeRate               decimal.Decimal
	TreasuryPercent       decimal.Decimal
	MinAmount             uint64
	MaxAmount             uint64 // 0 means no maximum
	RequiredConfirmations uint32
	TreasuryBeneficiary   string
	CommunityBeneficiary  string
}

// ParseRate parses a fraction in [0, 1] such as "0.05".
func ParseRate(name, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, ir.NewValidation(ir.ErrCodeInvalidParams, name, "not a decimal: %q", s)
	}
	if d.IsNegative() || d.GreaterThan(one) {
		return decimal.Decimal{}, ir.NewValidation(ir.ErrCodeInvalidParams, name, "must be within [0, 1], got %s", d)
	}
	return d, nil
}

// Validate checks rates, bounds and beneficiaries.
func (p Policy) Validate() error {
	for name, d := range map[string]decimal.Decimal{"fee_rate": p.FeeRate, "treasury_percent": p.TreasuryPercent} {
		if d.IsNegative() || d.GreaterThan(one) {
			return ir.NewValidation(ir.ErrCodeInvalidParams, name, "must be within [0, 1], got %s", d)
		}
	}
	if p.MaxAmount != 0 && p.MaxAmount < p.MinAmount {
		return ir.NewValidation(ir.ErrCodeInvalidParams, "max_amount", "max amount %d is below min amount %d", p.MaxAmount, p.MinAmount)
	}
	if p.TreasuryBeneficiary == "" || p.CommunityBeneficiary == "" {
		return ir.NewValidation(ir.ErrCodeInvalidParams, "", "treasury and community beneficiaries are required")
	}
	return nil
}

// Split is the outcome of applying the fee to a gross amount.
type Split struct {
	Fee       uint64
	Net       uint64
	Treasury  uint64
	Community uint64
}

// ApplyFee computes fee = floor(gross * fee_rate), net = gross - fee,
// treasury = floor(fee * treasury_percent) and community = fee - treasury.
func (p Policy) ApplyFee(gross uint64) Split {
	fee := floorMul(gross, p.FeeRate)
	treasury := floorMul(fee, p.TreasuryPercent)
	return Split{
		Fee:       fee,
		Net:       gross - fee,
		Treasury:  treasury,
		Community: fee - treasury,
	}
}

// floorMul returns floor(v * rate) for rate in [0, 1]; the result never
// exceeds v.
func floorMul(v uint64, rate decimal.Decimal) uint64 {
	return decimal.NewFromUint64(v).Mul(rate).Floor().BigInt().Uint64()
}

func (p Policy) String() string {
	return fmt.Sprintf("fee_rate=%s treasury_percent=%s min=%d max=%d confirmations=%d",
		p.FeeRate, p.TreasuryPercent, p.MinAmount, p.MaxAmount, p.RequiredConfirmations)
}
