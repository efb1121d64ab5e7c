package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/tauguard/internal/guard"
)

func TestRecorderCountsDecisions(t *testing.T) {
	r := NewRecorder()
	r.ObserveStep("m", guard.Wrapped, guard.IterationRecord{Decision: guard.Abstain, Metrics: guard.Metrics{CRI: 0.5}}, time.Second)
	r.ObserveStep("m", guard.Wrapped, guard.IterationRecord{Decision: guard.OK, Metrics: guard.Metrics{CRI: 1}}, 2*time.Second)
	r.ObserveStep("m", guard.Baseline, guard.IterationRecord{Decision: guard.Veto}, time.Second)
	r.ObserveRun(&guard.RunResult{Model: "m", Kind: guard.Wrapped, StopReason: guard.StopTerminal})
	r.AddTokens("m", 100, 20)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.decisions.WithLabelValues("m", "wrapped", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.decisions.WithLabelValues("m", "wrapped", "ABSTAIN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.decisions.WithLabelValues("m", "baseline", "VETO")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.stops.WithLabelValues("m", "wrapped", "terminal")))
	assert.Equal(t, 100.0, testutil.ToFloat64(r.tokens.WithLabelValues("m", "input")))
	assert.Equal(t, 2, testutil.CollectAndCount(r.cri))
}

func TestWriteTextfile(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder()
	r.ObserveStep("m", guard.Wrapped, guard.IterationRecord{Decision: guard.OK, Metrics: guard.Metrics{CRI: 1}}, time.Second)
	require.NoError(t, r.WriteTextfile(dir))

	data, err := os.ReadFile(filepath.Join(dir, MetricsFile))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `tauguard_decisions_total{decision="OK",kind="wrapped",model="m"} 1`))
}
