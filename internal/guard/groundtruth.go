package guard

import "strings"

// ResolvedStatus is the oracle's verdict label.
type ResolvedStatus string

const (
	StatusResolved         ResolvedStatus = "RESOLVED"
	StatusUnresolved       ResolvedStatus = "UNRESOLVED"
	StatusPatchApplyFailed ResolvedStatus = "PATCH_APPLY_FAILED"
	StatusUnknown          ResolvedStatus = ""
)

// EvalStatus is the collapsed view of a GroundTruthEval.
type EvalStatus string

const (
	EvalResolved   EvalStatus = "resolved"
	EvalUnresolved EvalStatus = "unresolved"
	EvalError      EvalStatus = "error"
	EvalUnknown    EvalStatus = "unknown"
)

// GroundTruthEval is an external oracle's evaluation of a candidate. Resolved
// is nil when the oracle did not say.
type GroundTruthEval struct {
	Resolved       *bool          `json:"resolved"`
	ResolvedStatus ResolvedStatus `json:"resolved_status,omitempty"`
}

// NewGroundTruth normalizes raw oracle fields. The status is upper-cased and
// common aliases are folded; a missing resolved flag is derived from the
// status, and resolved=false without a status means UNRESOLVED.
func NewGroundTruth(resolved *bool, status string) GroundTruthEval {
	st := normalizeStatus(status)
	if resolved == nil && st != StatusUnknown {
		v := st == StatusResolved
		resolved = &v
	}
	if resolved != nil && !*resolved && st == StatusUnknown {
		st = StatusUnresolved
	}
	var r *bool
	if resolved != nil {
		v := *resolved
		r = &v
	}
	return GroundTruthEval{Resolved: r, ResolvedStatus: st}
}

func normalizeStatus(s string) ResolvedStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return StatusUnknown
	case "RESOLVED", "PASS", "PASSED", "RESOLVED_FULL":
		return StatusResolved
	case "UNRESOLVED", "FAIL", "FAILED", "RESOLVED_NO", "RESOLVED_PARTIAL":
		return StatusUnresolved
	case "PATCH_APPLY_FAILED", "PATCH_FAILED", "APPLY_FAILED":
		return StatusPatchApplyFailed
	default:
		return StatusUnknown
	}
}

// EvalStatus derives the collapsed status. Resolved=true wins over any label.
func (g GroundTruthEval) EvalStatus() EvalStatus {
	if g.Resolved != nil && *g.Resolved {
		return EvalResolved
	}
	switch g.ResolvedStatus {
	case StatusUnresolved:
		return EvalUnresolved
	case StatusPatchApplyFailed:
		return EvalError
	}
	return EvalUnknown
}
