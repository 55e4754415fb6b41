// Package fixed provides the fixed-point amounts used for prices and
// payments. Values are int64 counts of 1e-8 units, the same granularity
// as on-chain coin amounts, so no floating point is involved anywhere.
package fixed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the number of fractional digits carried by an Amount.
const Decimals = 8

// Scale is 10^Decimals.
const Scale int64 = 100_000_000

var (
	ErrNegative = errors.New("amount must not be negative")
	ErrOverflow = errors.New("amount overflows")
	ErrDivZero  = errors.New("division by zero amount")
	ErrSyntax   = errors.New("invalid amount syntax")
)

// Amount is a non-negative fixed-point quantity.
type Amount int64

// FromUnits wraps a raw unit count.
func FromUnits(units int64) Amount { return Amount(units) }

// FromInt converts a whole number.
func FromInt(n int64) (Amount, error) {
	if n < 0 {
		return 0, ErrNegative
	}
	if n > (1<<63-1)/Scale {
		return 0, ErrOverflow
	}
	return Amount(n * Scale), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Parse reads a decimal string such as "12.5" or "0.00000001". More
// than Decimals fractional digits is rejected rather than rounded.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrSyntax
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrNegative
	}
	s = strings.TrimPrefix(s, "+")
	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if hasDot && frac == "" {
		return 0, ErrSyntax
	}
	if len(frac) > Decimals {
		return 0, fmt.Errorf("%w: more than %d decimals", ErrSyntax, Decimals)
	}
	if !digits(whole) || !digits(frac) {
		return 0, ErrSyntax
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, ErrOverflow
	}
	frac += strings.Repeat("0", Decimals-len(frac))
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, ErrSyntax
	}
	if w > ((1<<63-1)-f)/Scale {
		return 0, ErrOverflow
	}
	return Amount(w*Scale + f), nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Units returns the raw unit count.
func (a Amount) Units() int64 { return int64(a) }

// IsZero reports a zero amount.
func (a Amount) IsZero() bool { return a == 0 }

// String renders the amount with all Decimals digits.
func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%08d", sign, v/Scale, v%Scale)
}

// Div returns a / b rounded half-up to Decimals places. It is used to
// turn a fiat amount and a fiat-per-coin price into a coin amount.
func Div(a, b Amount) (Amount, error) {
	if b <= 0 {
		return 0, ErrDivZero
	}
	if a < 0 {
		return 0, ErrNegative
	}
	num, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(uint64(a)), uint256.NewInt(uint64(Scale)))
	if overflow {
		return 0, ErrOverflow
	}
	den := uint256.NewInt(uint64(b))
	half := new(uint256.Int).Rsh(den, 1)
	num.Add(num, half)
	q := new(uint256.Int).Div(num, den)
	if !q.IsUint64() || q.Uint64() > 1<<63-1 {
		return 0, ErrOverflow
	}
	return Amount(q.Uint64()), nil
}

// Mul returns a * b rounded half-up to Decimals places.
func Mul(a, b Amount) (Amount, error) {
	if a < 0 || b < 0 {
		return 0, ErrNegative
	}
	prod, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(uint64(a)), uint256.NewInt(uint64(b)))
	if overflow {
		return 0, ErrOverflow
	}
	scale := uint256.NewInt(uint64(Scale))
	prod.Add(prod, new(uint256.Int).Rsh(scale, 1))
	q := new(uint256.Int).Div(prod, scale)
	if !q.IsUint64() || q.Uint64() > 1<<63-1 {
		return 0, ErrOverflow
	}
	return Amount(q.Uint64()), nil
}

// MarshalJSON encodes the amount as a decimal string so clients never
// round-trip it through a float.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either a decimal string or a bare JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
