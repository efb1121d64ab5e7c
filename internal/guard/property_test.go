package guard_test

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/signalnine/tauguard/internal/guard"
)

func genChecks(total, failed, violations, lint int, scanFailed bool) guard.CheckResult {
	if failed > total {
		failed = total
	}
	c := guard.CheckResult{TotalTests: total, TestsFailed: failed, SecurityScanFailed: scanFailed}
	for i := 0; i < violations; i++ {
		c.SecurityViolations = append(c.SecurityViolations, fmt.Sprintf("RULE_%d", i))
	}
	for i := 0; i < lint; i++ {
		c.LinterErrors = append(c.LinterErrors, fmt.Sprintf("line %d", i))
	}
	return c
}

// groundTruth maps 0..4 to no oracle, resolved, unresolved, apply failure and
// unknown.
func groundTruth(kind int) *guard.GroundTruthEval {
	var gt guard.GroundTruthEval
	switch kind {
	case 0:
		return nil
	case 1:
		gt = guard.NewGroundTruth(boolPtr(true), "")
	case 2:
		gt = guard.NewGroundTruth(boolPtr(false), "")
	case 3:
		gt = guard.NewGroundTruth(nil, "PATCH_APPLY_FAILED")
	default:
		gt = guard.NewGroundTruth(nil, "")
	}
	return &gt
}

func newProperties() *gopter.Properties {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	return gopter.NewProperties(params)
}

func TestMetricsProperties(t *testing.T) {
	props := newProperties()
	p := guard.DefaultPolicy()

	props.Property("cri stays within [0,1]", prop.ForAll(
		func(total, failed, violations, lint int) bool {
			m := guard.ComputeMetrics(genChecks(total, failed, violations, lint, false), 1)
			return m.CRI >= 0 && m.CRI <= 1
		},
		gen.IntRange(0, 50), gen.IntRange(0, 50), gen.IntRange(0, 15), gen.IntRange(0, 80),
	))

	props.Property("an indeterminate scan always abstains", prop.ForAll(
		func(total, failed, violations, gtKind int) bool {
			c := genChecks(total, failed, violations, 0, true)
			return p.Decide(c, guard.ComputeMetrics(c, 1), groundTruth(gtKind)) == guard.Abstain
		},
		gen.IntRange(0, 20), gen.IntRange(0, 20), gen.IntRange(0, 5), gen.IntRange(0, 4),
	))

	props.Property("a finding on a certified scan always vetoes", prop.ForAll(
		func(total, failed, violations, lint, gtKind int) bool {
			c := genChecks(total, failed, violations, lint, false)
			m := guard.ComputeMetrics(c, 1)
			return m.SADFlag && p.Decide(c, m, groundTruth(gtKind)) == guard.Veto
		},
		gen.IntRange(0, 20), gen.IntRange(0, 20), gen.IntRange(1, 5), gen.IntRange(0, 10), gen.IntRange(0, 4),
	))

	props.Property("metrics and decisions are pure", prop.ForAll(
		func(total, failed, violations, lint, gtKind int, scanFailed bool) bool {
			c := genChecks(total, failed, violations, lint, scanFailed)
			m1, m2 := guard.ComputeMetrics(c, 2), guard.ComputeMetrics(c, 2)
			gt := groundTruth(gtKind)
			return m1 == m2 && p.Decide(c, m1, gt) == p.Decide(c, m2, gt)
		},
		gen.IntRange(0, 20), gen.IntRange(0, 20), gen.IntRange(0, 5), gen.IntRange(0, 10), gen.IntRange(0, 4), gen.Bool(),
	))

	props.Property("reconciliation keeps local security authority", prop.ForAll(
		func(total, failed, violations, gtKind int, scanFailed bool) bool {
			c := genChecks(total, failed, violations, 0, scanFailed)
			got := p.Reconcile(localRecord(c, 1), groundTruth(gtKind))
			carried := reflect.DeepEqual(guard.SortedSet(c.SecurityViolations), guard.SortedSet(got.Checks.SecurityViolations)) &&
				got.Checks.SecurityScanFailed == scanFailed
			switch {
			case scanFailed:
				return carried && got.Decision == guard.Abstain
			case violations > 0:
				return carried && got.Decision == guard.Veto
			default:
				return carried
			}
		},
		gen.IntRange(0, 20), gen.IntRange(0, 20), gen.IntRange(0, 4), gen.IntRange(0, 4), gen.Bool(),
	))

	props.TestingRun(t)
}

func TestRecordEncodingIsStable(t *testing.T) {
	props := newProperties()
	props.Property("encoding a record twice yields the same bytes", prop.ForAll(
		func(total, failed, violations, lint, tau int) bool {
			c := genChecks(total, failed, violations, lint, false).Normalize()
			rec := localRecord(c, tau)
			a, errA := json.Marshal(rec)
			b, errB := json.Marshal(rec)
			return errA == nil && errB == nil && string(a) == string(b)
		},
		gen.IntRange(0, 20), gen.IntRange(0, 20), gen.IntRange(0, 5), gen.IntRange(0, 10), gen.IntRange(0, 5),
	))
	props.TestingRun(t)
}

func TestPlateauLaw(t *testing.T) {
	props := newProperties()
	props.Property("two non-terminal steps within epsilon stop the loop", prop.ForAll(
		func(first, delta int) bool {
			// CRIs in hundredths, both below the OK threshold.
			second := first + delta
			chk := &scriptedChecker{results: []guard.CheckResult{
				checks(first, 100), checks(second, 100), checks(100, 100),
			}}
			e := newEngine(&scriptedGenerator{}, &recordingApplier{}, chk, 6)
			res := e.RunWrapped(context.Background(), task, "/work")
			return len(res.Iterations) == 2 && res.StopReason == guard.StopPlateau && chk.calls == 2
		},
		gen.IntRange(4, 80), gen.IntRange(-4, 4),
	))
	props.TestingRun(t)
}
