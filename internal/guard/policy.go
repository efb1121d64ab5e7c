package guard

import (
	"fmt"
	"math"
)

const (
	DefaultTauMax         = 3
	DefaultOKThreshold    = 0.9
	DefaultPlateauEpsilon = 0.05
)

// Policy holds the decision thresholds and the loop budget.
type Policy struct {
	TauMax           int
	OKThreshold      float64
	PlateauEpsilon   float64
	EarlyStopPlateau bool
}

func DefaultPolicy() Policy {
	return Policy{
		TauMax:           DefaultTauMax,
		OKThreshold:      DefaultOKThreshold,
		PlateauEpsilon:   DefaultPlateauEpsilon,
		EarlyStopPlateau: true,
	}
}

// Validate rejects thresholds outside their domains. A TauMax of zero is
// allowed and yields an empty ABSTAIN run.
func (p Policy) Validate() error {
	if p.TauMax < 0 {
		return fmt.Errorf("tau_max must not be negative, got %d", p.TauMax)
	}
	if p.OKThreshold < 0 || p.OKThreshold > 1 {
		return fmt.Errorf("ok_threshold must be within [0,1], got %g", p.OKThreshold)
	}
	if p.PlateauEpsilon < 0 {
		return fmt.Errorf("plateau_epsilon must not be negative, got %g", p.PlateauEpsilon)
	}
	return nil
}

// Decide maps one candidate's signals to a decision. Rules are evaluated in
// priority order:
//
//  1. an indeterminate scan is ABSTAIN, whatever else is known;
//  2. a security finding is VETO, whatever the oracle or the tests say;
//  3. a resolved oracle verdict is OK, an unresolved or failed one ABSTAIN;
//  4. with no usable oracle verdict, a run at or above the threshold with no
//     failing tests is OK and anything else ABSTAINs.
func (p Policy) Decide(c CheckResult, m Metrics, gt *GroundTruthEval) Decision {
	if c.SecurityScanFailed {
		return Abstain
	}
	if m.SADFlag {
		return Veto
	}
	if gt != nil {
		switch gt.EvalStatus() {
		case EvalResolved:
			return OK
		case EvalUnresolved, EvalError:
			return Abstain
		}
	}
	if m.CRI >= p.OKThreshold && c.TestsFailed == 0 {
		return OK
	}
	return Abstain
}

// ShouldStop applies the stop conditions to a trace in order: a terminal
// decision, a CRI plateau between the last two records, then the tau budget.
func (p Policy) ShouldStop(iterations []IterationRecord) (StopReason, bool) {
	n := len(iterations)
	if n == 0 {
		return "", false
	}
	last := iterations[n-1]
	if last.Decision.Terminal() {
		return StopTerminal, true
	}
	if p.EarlyStopPlateau && n >= 2 {
		delta := math.Abs(last.Metrics.CRI - iterations[n-2].Metrics.CRI)
		if delta < p.PlateauEpsilon {
			return StopPlateau, true
		}
	}
	if last.TauStep >= p.TauMax {
		return StopBudget, true
	}
	return "", false
}
