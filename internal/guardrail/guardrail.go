// Package guardrail enforces the mission cost ceiling: accumulated cost may
// not exceed a fixed ratio of accumulated revenue.
package guardrail

import "fmt"

// Guardrail evaluates the cost-to-revenue ratio against a ceiling. Epsilon is
// the revenue floor used while revenue is still zero, so early cycles are
// judged against a small but finite denominator instead of dividing by zero.
type Guardrail struct {
	MaxCostRatio float64
	Epsilon      float64
}

// Result is one guardrail evaluation. Ratio is always populated, Violated
// only when the ratio strictly exceeds the ceiling.
type Result struct {
	Ratio    float64
	Violated bool
	Reason   string
}

// Evaluate checks accumulated cost against accumulated revenue. A ratio equal
// to the ceiling passes; only strictly greater trips the guardrail.
func (g Guardrail) Evaluate(cost, revenue float64) Result {
	denom := revenue
	if denom < g.Epsilon {
		denom = g.Epsilon
	}
	ratio := cost / denom
	r := Result{Ratio: ratio}
	if ratio > g.MaxCostRatio {
		r.Violated = true
		r.Reason = fmt.Sprintf("cost ratio %.4f exceeds ceiling %.2f", ratio, g.MaxCostRatio)
	}
	return r
}
