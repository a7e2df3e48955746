package domain

import (
	"math"

	"github.com/shopspring/decimal"
)

const (
	// Epsilon is the tolerance used when comparing GPU amounts.
	Epsilon = 1.0e-6
)

var (
	EpsilonDecimal = decimal.NewFromFloat(Epsilon)
)

// ValidAmount reports whether amount is a positive finite number.
func ValidAmount(amount float64) bool {
	return amount > 0 && !math.IsInf(amount, 0) && !math.IsNaN(amount)
}

// SumAmounts adds amounts without accumulating binary floating point error.
func SumAmounts(amounts ...float64) float64 {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(decimal.NewFromFloat(a))
	}
	return total.InexactFloat64()
}

// Sub returns a-b computed in decimal arithmetic.
func Sub(a, b float64) float64 {
	return decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).InexactFloat64()
}

// EqualWithTolerance returns true if a and b are within Epsilon of each other.
func EqualWithTolerance(a, b float64) bool {
	diff := decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b))
	return diff.Abs().LessThanOrEqual(EpsilonDecimal)
}

// GreaterOrEqual returns true if a >= b, treating values within Epsilon as equal.
func GreaterOrEqual(a, b float64) bool {
	return a > b || EqualWithTolerance(a, b)
}

// Exceeds returns true if a is greater than b by more than Epsilon.
func Exceeds(a, b float64) bool {
	return !GreaterOrEqual(b, a)
}
