package position

import "github.com/shopspring/decimal"

// pctPlaces is the number of decimal places kept for percentage values.
const pctPlaces = 8

var hundred = decimal.NewFromInt(100)

// UnrealizedPnL returns (mark - entry) * amount * sign(side) and the same
// value as a percentage of the entry notional.
func UnrealizedPnL(side Side, entry, mark, amount decimal.Decimal) (pnl, pct decimal.Decimal) {
	pnl = mark.Sub(entry).Mul(amount).Mul(side.Sign())
	return pnl, percentOf(pnl, entry.Mul(amount))
}

// RealizedPnL is the final PnL of a position closed at exit, net of fees.
func RealizedPnL(side Side, entry, exit, amount, fees decimal.Decimal) (pnl, pct decimal.Decimal) {
	gross, _ := UnrealizedPnL(side, entry, exit, amount)
	pnl = gross.Sub(fees)
	return pnl, percentOf(pnl, entry.Mul(amount))
}

func percentOf(v, base decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return v.Mul(hundred).DivRound(base, pctPlaces)
}

// DriftPct returns |local - external| / external * 100. An external amount of
// zero yields 100 unless both are zero.
func DriftPct(local, external decimal.Decimal) decimal.Decimal {
	diff := local.Sub(external).Abs()
	if external.IsZero() {
		if diff.IsZero() {
			return decimal.Zero
		}
		return hundred
	}
	return percentOf(diff, external.Abs())
}
