// Package ledger holds the small value types shared by every mixer
// component: currency-scaled fixed-point amounts, supported currencies, and
// basis-point splits.
package ledger

import (
	"errors"
	"fmt"
)

// Amount is a currency-scaled integer amount expressed in the currency's
// smallest unit (satoshi, wei, etc.), matching the teacher's own
// int64-minor-units convention for on-chain balances.
type Amount int64

// ErrNegativeAmount is returned whenever an operation would produce a
// negative amount; wallet and pool balances must never go negative.
var ErrNegativeAmount = errors.New("ledger: amount would go negative")

// Add returns a + b.
func (a Amount) Add(b Amount) Amount { return a + b }

// Sub returns a - b, or ErrNegativeAmount if the result would be negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	result := a - b
	if result < 0 {
		return 0, fmt.Errorf("%w: %d - %d", ErrNegativeAmount, a, b)
	}
	return result, nil
}

// MulBasisPoints returns a * bp / 10000, truncating toward zero.
func (a Amount) MulBasisPoints(bp BasisPoints) Amount {
	return Amount(int64(a) * int64(bp) / int64(BasisPointsDenominator))
}

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool { return a > 0 }
