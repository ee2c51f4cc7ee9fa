package risk

import "github.com/shopspring/decimal"

var (
	kellyFraction  = decimal.RequireFromString("0.25")
	defaultCeiling = decimal.RequireFromString("0.05")
	one            = decimal.NewFromInt(1)
)

// SizingInput selects the sizing policy by which optional fields are set.
// Kelly fields and StopLossDistance are mutually exclusive; when neither is
// supplied the default balance ceiling applies.
type SizingInput struct {
	SignalSize decimal.Decimal
	Balance    decimal.Decimal

	// Kelly policy.
	WinProbability *decimal.Decimal
	WinAmount      *decimal.Decimal
	LossAmount     *decimal.Decimal

	// Fixed-fractional policy.
	StopLossDistance *decimal.Decimal
	RiskPerTrade     decimal.Decimal
}

// CalculateSize returns the position size for a signal under the selected
// policy, never exceeding the signal's own size.
//
// Kelly: f = p - (1-p)/b with b = winAmount/lossAmount, clamped to [0,1];
// only a quarter of the computed fraction is applied to balance.
// Fixed-fractional: balance * riskPerTrade / stopLossDistance.
// Default: balance * 0.05.
func CalculateSize(in SizingInput) decimal.Decimal {
	if in.WinProbability != nil && in.WinAmount != nil && in.LossAmount != nil &&
		in.LossAmount.Sign() > 0 {
		b := in.WinAmount.Div(*in.LossAmount)
		f := decimal.Zero
		if b.Sign() > 0 {
			p := *in.WinProbability
			f = p.Sub(one.Sub(p).Div(b))
		}
		if f.Sign() < 0 {
			f = decimal.Zero
		}
		if f.GreaterThan(one) {
			f = one
		}
		kellySize := in.Balance.Mul(f).Mul(kellyFraction)
		return decimal.Min(in.SignalSize, kellySize)
	}

	if in.StopLossDistance != nil && in.StopLossDistance.Sign() > 0 {
		size := in.Balance.Mul(in.RiskPerTrade).Div(*in.StopLossDistance)
		return decimal.Min(in.SignalSize, size)
	}

	return decimal.Min(in.SignalSize, in.Balance.Mul(defaultCeiling))
}
