package amount

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceScale is the fixed-point scale for share prices. Share prices are
// always expressed in 18-decimal fixed point regardless of the underlying
// asset's native precision.
var PriceScale = decimal.New(1, 18)

// Amount represents a monetary amount in the underlying asset's native
// integer precision (e.g. 6 decimals for a stablecoin).
type Amount struct {
	value decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{value: decimal.Zero}

// New creates an Amount from a string.
func New(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount: %w", err)
	}
	return Amount{value: d}, nil
}

// NewFromInt creates an Amount from an int64 of base units.
func NewFromInt(i int64) Amount {
	return Amount{value: decimal.NewFromInt(i)}
}

// NewFromDecimal wraps an existing decimal value.
func NewFromDecimal(d decimal.Decimal) Amount {
	return Amount{value: d}
}

// Add adds two amounts.
func (a Amount) Add(other Amount) Amount {
	return Amount{value: a.value.Add(other.value)}
}

// Sub subtracts two amounts.
func (a Amount) Sub(other Amount) Amount {
	return Amount{value: a.value.Sub(other.value)}
}

// Cmp compares two amounts.
func (a Amount) Cmp(other Amount) int {
	return a.value.Cmp(other.value)
}

// IsZero checks if the amount is zero.
func (a Amount) IsZero() bool {
	return a.value.IsZero()
}

// IsPositive checks if the amount is strictly positive.
func (a Amount) IsPositive() bool {
	return a.value.IsPositive()
}

// IsNegative checks if the amount is negative.
func (a Amount) IsNegative() bool {
	return a.value.IsNegative()
}

// LessThan reports whether a < other.
func (a Amount) LessThan(other Amount) bool {
	return a.value.LessThan(other.value)
}

// Decimal returns the underlying decimal value.
func (a Amount) Decimal() decimal.Decimal {
	return a.value
}

// Int64 returns the amount as int64 base units.
func (a Amount) Int64() int64 {
	return a.value.IntPart()
}

// String returns the string representation.
func (a Amount) String() string {
	return a.value.String()
}

// SharePrice computes totalAssets * 1e18 / totalSupply in 18-decimal fixed
// point. The multiplication happens before the division on the
// arbitrary-precision representation, so no intermediate precision is lost.
// An empty vault bootstraps at 1e18 (a 1:1 price).
func SharePrice(totalAssets, totalSupply decimal.Decimal) decimal.Decimal {
	if totalSupply.IsZero() {
		return PriceScale
	}
	return totalAssets.Mul(PriceScale).Div(totalSupply).Truncate(0)
}

// SharesFor converts an asset amount into shares at the given 18-decimal
// fixed-point price, rounding down.
func SharesFor(assets, price decimal.Decimal) (decimal.Decimal, error) {
	if price.IsZero() {
		return decimal.Zero, fmt.Errorf("share price is zero")
	}
	return assets.Mul(PriceScale).Div(price).Truncate(0), nil
}

// AssetsFor converts shares back into an asset amount at the given
// 18-decimal fixed-point price, rounding down.
func AssetsFor(shares, price decimal.Decimal) decimal.Decimal {
	return shares.Mul(price).Div(PriceScale).Truncate(0)
}
