package types

import (
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
)

// Amount is a quantity of any supported currency in base units, 1e8 units per coin.
type Amount int64

const UnitsPerCoin = Amount(btcutil.SatoshiPerBitcoin)

// NewAmount converts a coin value to base units, rounding to the nearest unit.
func NewAmount(coins float64) (Amount, error) {
	a, err := btcutil.NewAmount(coins)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %v: %w", coins, err)
	}
	return Amount(a), nil
}

// MustAmount is NewAmount for constants and tests.
func MustAmount(coins float64) Amount {
	a, err := NewAmount(coins)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) ToCoins() float64 {
	return btcutil.Amount(a).ToBTC()
}

func (a Amount) String() string {
	return strconv.FormatFloat(a.ToCoins(), 'f', -1, 64)
}

// SplitByPercentage returns the payout of every output. The last output receives the
// rounding remainder so the parts always sum to a.
func SplitByPercentage(a Amount, outputs []OutputAddress) []Amount {
	parts := make([]Amount, len(outputs))
	if len(outputs) == 0 {
		return parts
	}
	var assigned Amount
	for i, out := range outputs {
		if i == len(outputs)-1 {
			parts[i] = a - assigned
			break
		}
		parts[i] = Amount(float64(a) * out.Percentage / 100)
		assigned += parts[i]
	}
	return parts
}
