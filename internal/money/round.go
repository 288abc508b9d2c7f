// Package money provides currency rounding helpers and the round-off policy
// used when customers settle invoices with whole-unit cash amounts.
package money

import (
	"github.com/shopspring/decimal"
)

// Places is the currency precision used for storage and comparison.
const Places = 2

// DefaultRoundOffThreshold is the largest integral overpayment waived by default.
var DefaultRoundOffThreshold = decimal.NewFromInt(1)

// Cent is the smallest currency unit at Places precision.
var Cent = decimal.New(1, -Places)

// Round rounds x half-up to currency precision.
func Round(x decimal.Decimal) decimal.Decimal {
	return x.Round(Places)
}

// Sum adds the amounts and rounds the result.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return Round(total)
}

// RoundOff describes the outcome of applying the round-off policy to a payment.
type RoundOff struct {
	AdjustedAmount decimal.Decimal
	RoundOff       decimal.Decimal
	Applied        bool
}

// Policy decides whether a small integral overpayment is absorbed.
type Policy struct {
	Threshold decimal.Decimal
}

// NewPolicy returns a policy with the given threshold. A negative threshold
// falls back to DefaultRoundOffThreshold.
func NewPolicy(threshold decimal.Decimal) Policy {
	if threshold.IsNegative() {
		threshold = DefaultRoundOffThreshold
	}
	return Policy{Threshold: Round(threshold)}
}

// DefaultPolicy returns the policy with DefaultRoundOffThreshold.
func DefaultPolicy() Policy {
	return NewPolicy(DefaultRoundOffThreshold)
}

// Compute applies the policy to a payment against the remaining balance.
// Only integral payments that exceed the balance by at most the threshold are
// adjusted down to the balance; everything else is returned unchanged.
func (p Policy) Compute(paymentAmount, remainingBalance decimal.Decimal) RoundOff {
	amount := Round(paymentAmount)
	remaining := Round(remainingBalance)
	unchanged := RoundOff{AdjustedAmount: amount, RoundOff: decimal.Zero}

	if !amount.IsInteger() {
		return unchanged
	}
	difference := amount.Sub(remaining)
	if difference.IsNegative() || difference.GreaterThan(p.Threshold) {
		return unchanged
	}
	return RoundOff{
		AdjustedAmount: remaining,
		RoundOff:       Round(difference),
		Applied:        true,
	}
}

// ComputeRoundOff applies the default policy.
func ComputeRoundOff(paymentAmount, remainingBalance decimal.Decimal) RoundOff {
	return DefaultPolicy().Compute(paymentAmount, remainingBalance)
}
