package domain

import "math"

// Frequency describes how often a transaction recurs. A one-time
// transaction counts in full toward the single month its date falls in;
// every other frequency is pro-rated to a monthly equivalent.
type Frequency string

const (
	OneTime   Frequency = "one-time"
	Weekly    Frequency = "weekly"
	Biweekly  Frequency = "biweekly"
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
	Annual    Frequency = "annual"
)

// Valid reports whether f is one of the known frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case OneTime, Weekly, Biweekly, Monthly, Quarterly, Annual:
		return true
	}
	return false
}

// Recurring reports whether f repeats indefinitely from its date forward.
func (f Frequency) Recurring() bool {
	return f.Valid() && f != OneTime
}

// MonthlyFactor returns the occurrences-per-year / 12 multiplier for f.
// Unknown frequencies yield 0, so malformed records contribute nothing to
// totals instead of poisoning them; callers that care log the record.
func (f Frequency) MonthlyFactor() float64 {
	switch f {
	case Weekly:
		return 52.0 / 12.0
	case Biweekly:
		return 26.0 / 12.0
	case Monthly:
		return 1
	case Quarterly:
		return 1.0 / 3.0
	case Annual:
		return 1.0 / 12.0
	case OneTime:
		return 1
	}
	return 0
}

// MonthlyEquivalent converts an amount at the given frequency into its
// average monthly contribution. Non-finite amounts degrade to 0.
func MonthlyEquivalent(amount float64, f Frequency) float64 {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0
	}
	return amount * f.MonthlyFactor()
}
