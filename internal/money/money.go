// Package money holds the USD rounding and delta-validation rules shared by
// the ledger write path and the balance-integrity sweep.
package money

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Defaults; overridable through the integrity section of the config file.
const (
	// MaxAbsDeltaUSD caps a single balance delta. Anything larger is treated
	// as corrupted or malicious input, never applied.
	MaxAbsDeltaUSD = 1_000_000

	// DriftToleranceUSD absorbs per-entry rounding noise when comparing a
	// cached balance against the recalculated one.
	DriftToleranceUSD = 0.02
)

// roundNudge compensates for IEEE-754 representation error so that values
// sitting exactly on a .xx5 boundary (e.g. 1.005, stored as 1.00499999...)
// still round up.
const roundNudge = 1e-9

// Round2 rounds v to 2 decimal places, half up, nudging by a tiny epsilon
// first: Round2(1.005) = 1.01, Round2(1.004) = 1.00.
func Round2(v float64) float64 {
	if v < 0 {
		return -Round2(-v)
	}
	return math.Round((v+roundNudge)*100) / 100
}

// Round2Decimal applies the Round2 rule to a decimal value.
func Round2Decimal(d decimal.Decimal) decimal.Decimal {
	f, _ := d.Float64()
	return decimal.NewFromFloat(Round2(f))
}

// ValidateDelta rejects a balance delta that must never reach storage: NaN,
// ±Inf, or an absolute value above maxAbs. context is free text used only in
// the error message. maxAbs <= 0 falls back to MaxAbsDeltaUSD.
func ValidateDelta(amount float64, context string, maxAbs float64) error {
	if maxAbs <= 0 {
		maxAbs = MaxAbsDeltaUSD
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return fmt.Errorf("%s: delta is not a finite number", context)
	}
	if math.Abs(amount) > maxAbs {
		return fmt.Errorf("%s: delta %.2f exceeds safety ceiling %.0f", context, amount, maxAbs)
	}
	return nil
}
