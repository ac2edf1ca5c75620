// Package money holds the decimal helpers every balance, price and quantity goes through.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RoundingMode selects how Round drops digits past the requested precision.
type RoundingMode uint8

const (
	RoundDown     RoundingMode = iota // toward zero
	RoundUp                           // away from zero
	RoundHalfUp                       // half away from zero
	RoundHalfEven                     // banker's rounding
)

// ArithmeticError reports an operation that has no decimal result.
type ArithmeticError struct {
	Op  string
	Msg string
}

func (e *ArithmeticError) Error() string {
	return fmt.Sprintf("arithmetic error in %s: %s", e.Op, e.Msg)
}

// ErrDivisionByZero is returned by Div when the divisor is zero.
var ErrDivisionByZero error = &ArithmeticError{Op: "div", Msg: "division by zero"}

// Zero is a convenience alias for decimal.Zero.
var Zero = decimal.Zero

// Parse reads a decimal from its string form.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// FromInt builds a decimal from an integer.
func FromInt(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

// Div divides a by b. The quotient keeps decimal.DivisionPrecision digits.
func Div(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	return a.Div(b), nil
}

// Round rounds d to places fractional digits using mode.
func Round(d decimal.Decimal, mode RoundingMode, places int32) decimal.Decimal {
	switch mode {
	case RoundUp:
		return d.RoundUp(places)
	case RoundHalfUp:
		return d.Round(places)
	case RoundHalfEven:
		return d.RoundBank(places)
	default:
		return d.RoundDown(places)
	}
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Format renders d without trailing zero padding, so 1.50 and 1.5 print the same.
func Format(d decimal.Decimal) string {
	return d.String()
}

// Equal compares by value, ignoring scale.
func Equal(a, b decimal.Decimal) bool {
	return a.Cmp(b) == 0
}
