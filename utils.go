package zeroex

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/kaifufi/zeroex-sdk-go/chain"
)

// MaxDecimals bounds the token decimals accepted by the amount helpers
const MaxDecimals = 36

// ToBaseUnits converts a human-readable amount ("1.5") into integer base units.
// Amounts with more fractional digits than decimals are rejected rather than truncated.
func ToBaseUnits(amount string, decimals int32) (*big.Int, error) {
	if decimals < 0 || decimals > MaxDecimals {
		return nil, invalidParam("decimals must be between 0 and %d, got: %d", MaxDecimals, decimals)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, invalidParam("invalid amount %q: %v", amount, err)
	}
	if d.IsNegative() {
		return nil, invalidParam("amount must not be negative, got: %s", amount)
	}

	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, invalidParam("amount %s has more than %d decimal places", amount, decimals)
	}

	result := shifted.BigInt()
	if result.Cmp(chain.MaxUint256) > 0 {
		return nil, invalidParam("amount too large for uint256: %s", result.String())
	}
	return result, nil
}

// FromBaseUnits converts integer base units into a decimal amount
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

// ToWei converts an ether amount to wei
func ToWei(ether string) (*big.Int, error) {
	return ToBaseUnits(ether, 18)
}
