package limits

import (
	"github.com/shopspring/decimal"

	"github.com/sentinel/risk-engine/internal/model"
)

// severityTiers is checked top-down; the first bound strictly exceeded wins.
var severityTiers = []struct {
	bound    decimal.Decimal
	severity model.Severity
}{
	{decimal.NewFromFloat(2.0), model.SeverityCritical},
	{decimal.NewFromFloat(1.5), model.SeverityHigh},
	{decimal.NewFromFloat(1.2), model.SeverityMedium},
}

// ExceedanceRatio returns |actual / threshold|. A zero threshold saturates:
// the ratio is reported as ok=false and callers treat any non-zero actual
// as maximally severe.
func ExceedanceRatio(actual, threshold decimal.Decimal) (ratio decimal.Decimal, ok bool) {
	if threshold.IsZero() {
		return decimal.Zero, false
	}
	return actual.Div(threshold).Abs(), true
}

// Classify tiers a violation by its exceedance ratio: >2.0 CRITICAL,
// >1.5 HIGH, >1.2 MEDIUM, otherwise LOW.
//
// With a zero threshold, a non-zero actual is CRITICAL and a zero actual
// is LOW.
func Classify(actual, threshold decimal.Decimal) model.Severity {
	ratio, ok := ExceedanceRatio(actual, threshold)
	if !ok {
		if actual.IsZero() {
			return model.SeverityLow
		}
		return model.SeverityCritical
	}
	for _, tier := range severityTiers {
		if ratio.GreaterThan(tier.bound) {
			return tier.severity
		}
	}
	return model.SeverityLow
}
