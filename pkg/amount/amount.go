package amount

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Amount is a non-negative integer quantity of the vested asset. Token
// amounts run at 10^27 magnitudes, far past uint64, so the value is kept as
// an exact integer decimal and all schedule math goes through big.Int.
type Amount struct {
	value decimal.Decimal
}

// Zero returns the zero amount.
func Zero() Amount {
	return Amount{value: decimal.Zero}
}

// New creates an Amount from an int64.
func New(v int64) Amount {
	return Amount{value: decimal.NewFromInt(v)}
}

// Parse creates an Amount from its decimal string form.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount: %w", err)
	}
	if d.Exponent() < 0 && !d.Equal(d.Truncate(0)) {
		return Amount{}, fmt.Errorf("invalid amount: %q is not an integer", s)
	}
	if d.Sign() < 0 {
		return Amount{}, fmt.Errorf("invalid amount: %q is negative", s)
	}
	return Amount{value: d.Truncate(0)}, nil
}

// MustParse is Parse for trusted literals; it panics on malformed input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromBigInt creates an Amount from a big integer.
func FromBigInt(v *big.Int) Amount {
	return Amount{value: decimal.NewFromBigInt(v, 0)}
}

// BigInt returns a copy of the amount as a big integer.
func (a Amount) BigInt() *big.Int {
	return a.value.BigInt()
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{value: a.value.Add(b.value)}
}

// Sub returns a - b. The result must not go negative; callers only subtract
// amounts they previously added.
func (a Amount) Sub(b Amount) Amount {
	r := a.value.Sub(b.value)
	if r.Sign() < 0 {
		panic(fmt.Sprintf("amount underflow: %s - %s", a.value, b.value))
	}
	return Amount{value: r}
}

// Cmp compares a and b; -1 if a < b, 0 if equal, 1 if a > b.
func (a Amount) Cmp(b Amount) int {
	return a.value.Cmp(b.value)
}

// LessThan reports whether a < b.
func (a Amount) LessThan(b Amount) bool {
	return a.value.LessThan(b.value)
}

// GreaterThan reports whether a > b.
func (a Amount) GreaterThan(b Amount) bool {
	return a.value.GreaterThan(b.value)
}

// Equal reports whether a == b.
func (a Amount) Equal(b Amount) bool {
	return a.value.Equal(b.value)
}

// IsZero reports whether a == 0.
func (a Amount) IsZero() bool {
	return a.value.IsZero()
}

// MulDiv returns floor(a * num / den) computed exactly. den must be > 0.
// decimal division rounds at a configured precision, which is not safe for
// schedule math at these magnitudes, so the quotient is taken in big.Int.
func MulDiv(a Amount, num, den int64) Amount {
	if den <= 0 {
		panic(fmt.Sprintf("amount: MulDiv by non-positive denominator %d", den))
	}
	prod := new(big.Int).Mul(a.BigInt(), big.NewInt(num))
	return FromBigInt(prod.Quo(prod, big.NewInt(den)))
}

// PercentBP returns floor(a * bp / 10000), the basis-point share of a.
func PercentBP(a Amount, bp uint32) Amount {
	return MulDiv(a, int64(bp), 10_000)
}

// String returns the amount in decimal form.
func (a Amount) String() string {
	return a.value.String()
}

// MarshalJSON encodes the amount as a quoted decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return a.value.MarshalJSON()
}

// UnmarshalJSON decodes a quoted or bare decimal string, rejecting
// fractional and negative values.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	parsed, err := Parse(d.String())
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
