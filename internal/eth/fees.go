package eth

import (
	"errors"
	"math/big"
)

var ErrInvalidFeeArgs = errors.New("eth: invalid fee args")

// Calc1559Fees prices a settlement transaction from the latest base fee.
//
// tipCap is the suggested tip floored at minTipCap. feeCap budgets two base fee
// doublings (2*baseFee + tipCap), enough to survive several full blocks between
// pricing and inclusion without repricing.
func Calc1559Fees(baseFee, suggestedTipCap, minTipCap *big.Int) (tipCap, feeCap *big.Int, err error) {
	for _, v := range []*big.Int{baseFee, suggestedTipCap, minTipCap} {
		if v == nil || v.Sign() < 0 {
			return nil, nil, ErrInvalidFeeArgs
		}
	}

	tip := new(big.Int).Set(suggestedTipCap)
	if tip.Cmp(minTipCap) < 0 {
		tip.Set(minTipCap)
	}

	fee := new(big.Int).Lsh(baseFee, 1)
	fee.Add(fee, tip)

	return tip, fee, nil
}

// bumped raises v by bumpPercent, never by less than minBump when one is set.
// Node txpools reject replacements priced below a relative threshold, and pure
// percentage math can round to zero for tiny caps.
func bumped(v *big.Int, bumpPercent int, minBump *big.Int) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(int64(100+bumpPercent)))
	out.Div(out, big.NewInt(100))
	if minBump != nil && minBump.Sign() > 0 {
		floor := new(big.Int).Add(v, minBump)
		if out.Cmp(floor) < 0 {
			out = floor
		}
	}
	return out
}

// Bump1559Fees reprices a replacement for a settlement transaction that has not
// been mined within the poll window.
func Bump1559Fees(tipCap, feeCap *big.Int, bumpPercent int, minTipBump, minFeeCapBump *big.Int) (newTipCap, newFeeCap *big.Int, err error) {
	if tipCap == nil || tipCap.Sign() < 0 || feeCap == nil || feeCap.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	if bumpPercent <= 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	if (minTipBump != nil && minTipBump.Sign() < 0) || (minFeeCapBump != nil && minFeeCapBump.Sign() < 0) {
		return nil, nil, ErrInvalidFeeArgs
	}

	newTip := bumped(tipCap, bumpPercent, minTipBump)
	newFee := bumped(feeCap, bumpPercent, minFeeCapBump)

	// feeCap must stay >= tipCap or the transaction is malformed.
	if newFee.Cmp(newTip) < 0 {
		newFee = new(big.Int).Set(newTip)
	}

	return newTip, newFee, nil
}
