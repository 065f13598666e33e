package transfer

import (
	"github.com/shopspring/decimal"
)

// FeeParams are the transfer fee parameters of the token. FeePt is the fee rate (e.g. 0.002 for 0.2%),
// FeeMin and FeeMax are in token base units.
type FeeParams struct {
	FeePt  decimal.Decimal
	FeeMin int64
	FeeMax int64
}

// TransferFee returns the fee the sender pays for transferring amount.
func TransferFee(amount int64, params FeeParams) int64 {
	fee := decimal.NewFromInt(amount).Mul(params.FeePt).Round(0).IntPart()
	if fee < params.FeeMin {
		return params.FeeMin
	}
	if fee > params.FeeMax {
		return params.FeeMax
	}
	return fee
}

// MaxTransfer returns the largest amount that can be sent from balance with the fee on top.
func MaxTransfer(balance int64, params FeeParams) int64 {
	if params.FeePt.IsZero() {
		return max(balance-params.FeeMin, 0)
	}

	minLimit := decimal.NewFromInt(params.FeeMin).Div(params.FeePt).Floor().IntPart()
	maxLimit := decimal.NewFromInt(params.FeeMax).Div(params.FeePt).Floor().IntPart()

	var maxAmount int64
	switch {
	case balance < minLimit:
		maxAmount = balance - params.FeeMin
	case balance >= maxLimit:
		maxAmount = balance - params.FeeMax
	default:
		maxAmount = decimal.NewFromInt(balance).Div(params.FeePt.Add(decimal.NewFromInt(1))).Round(0).IntPart()
	}
	return max(maxAmount, 0)
}
