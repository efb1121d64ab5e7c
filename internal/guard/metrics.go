package guard

import "math"

const (
	securityPenalty = 0.1
	lintPenalty     = 0.02
)

// ComputeMetrics scores a check result. It is pure: equal inputs give equal
// metrics.
func ComputeMetrics(c CheckResult, tau int) Metrics {
	violations := len(SortedSet(c.SecurityViolations))
	cri := c.PassRate() - securityPenalty*float64(violations) - lintPenalty*float64(len(c.LinterErrors))
	return Metrics{
		CRI:     clamp(cri, 0, 1),
		SADFlag: violations > 0,
		Tau:     tau,
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
