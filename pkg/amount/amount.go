// Package amount provides a fixed-point decimal for native chain asset values.
//
// Amounts are stored as integer minor units with a fixed scale of 8 fractional
// digits so that prices, balances and ledger sums compare exactly.
package amount

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Scale is the number of fractional digits carried by an Amount.
const Scale = 8

const unit = 100_000_000

var (
	ErrNegative  = errors.New("amount: negative value")
	ErrPrecision = errors.New("amount: more than 8 fractional digits")
	ErrSyntax    = errors.New("amount: invalid decimal")
	ErrOverflow  = errors.New("amount: value out of range")
)

// Amount is a non-negative decimal in minor units (1e-8).
type Amount int64

// Zero is the empty amount.
const Zero Amount = 0

// FromMinor builds an Amount from minor units.
func FromMinor(minor int64) Amount { return Amount(minor) }

// Minor returns the value in minor units.
func (a Amount) Minor() int64 { return int64(a) }

// MustParse is Parse for constants and tests. It panics on error.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Parse reads a plain decimal such as "0.0001" or "12".
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
	if whole == "" && (!hasDot || frac == "") {
		return 0, ErrSyntax
	}
	if whole == "" {
		whole = "0"
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > Scale {
		return 0, fmt.Errorf("%w: %q", ErrPrecision, s)
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, ErrOverflow
	}
	if w > math.MaxInt64/unit {
		return 0, ErrOverflow
	}
	var f int64
	if frac != "" {
		f, _ = strconv.ParseInt(frac+strings.Repeat("0", Scale-len(frac)), 10, 64)
	}
	total := w*unit + f
	if total < 0 {
		return 0, ErrOverflow
	}
	return Amount(total), nil
}

// FromFloat rounds f to the nearest minor unit.
func FromFloat(f float64) (Amount, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrSyntax
	}
	if f < 0 {
		return 0, ErrNegative
	}
	m := math.Round(f * unit)
	if m > math.MaxInt64 {
		return 0, ErrOverflow
	}
	return Amount(int64(m)), nil
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Float64 returns an approximate float, for metrics and rule evaluation only.
func (a Amount) Float64() float64 {
	return float64(a) / unit
}

// String renders the shortest exact decimal, e.g. "0.0001".
func (a Amount) String() string {
	whole := int64(a) / unit
	frac := int64(a) % unit
	if frac == 0 {
		return strconv.FormatInt(whole, 10)
	}
	fs := strings.TrimRight(fmt.Sprintf("%08d", frac), "0")
	return strconv.FormatInt(whole, 10) + "." + fs
}

// Add returns a+b, failing on overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	s := a + b
	if s < a {
		return 0, ErrOverflow
	}
	return s, nil
}

// Sub returns a-b. It fails rather than going negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b > a {
		return 0, ErrNegative
	}
	return a - b, nil
}

// Cmp returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (a Amount) IsZero() bool { return a == 0 }

// MarshalJSON encodes the amount as a JSON number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*a = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	// Exponent notation comes from float encoders on the other side of the wire.
	if strings.ContainsAny(s, "eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrSyntax, s)
		}
		v, err := FromFloat(f)
		if err != nil {
			return err
		}
		*a = v
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// UnmarshalText parses a decimal string, so amounts can be read from
// environment variables and YAML scalars.
func (a *Amount) UnmarshalText(b []byte) error {
	v, err := Parse(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Value stores the amount as a decimal string (NUMERIC / TEXT columns).
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan reads NUMERIC, TEXT, REAL or INTEGER columns.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = 0
		return nil
	case string:
		p, err := Parse(v)
		if err != nil {
			return err
		}
		*a = p
		return nil
	case []byte:
		p, err := Parse(string(v))
		if err != nil {
			return err
		}
		*a = p
		return nil
	case float64:
		p, err := FromFloat(v)
		if err != nil {
			return err
		}
		*a = p
		return nil
	case int64:
		if v < 0 {
			return ErrNegative
		}
		if v > math.MaxInt64/unit {
			return ErrOverflow
		}
		*a = Amount(v * unit)
		return nil
	default:
		return fmt.Errorf("amount: cannot scan %T", src)
	}
}
