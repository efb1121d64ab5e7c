// Package telemetry exports per-run Prometheus metrics as a textfile.
package telemetry

import (
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/signalnine/tauguard/internal/guard"
)

// MetricsFile is the textfile written into a run directory.
const MetricsFile = "metrics.prom"

// Recorder owns a private registry so concurrent runs in one process never
// share counters.
type Recorder struct {
	registry *prometheus.Registry

	decisions    *prometheus.CounterVec
	cri          *prometheus.HistogramVec
	stepDuration *prometheus.HistogramVec
	stops        *prometheus.CounterVec
	tokens       *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tauguard_decisions_total",
			Help: "Tau-step decisions by model, run kind and decision",
		}, []string{"model", "kind", "decision"}),
		cri: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tauguard_cri",
			Help:    "Composite reliability index of each tau step",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"model", "kind"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tauguard_step_duration_seconds",
			Help:    "Wall time of one tau step",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"model"}),
		stops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tauguard_runs_total",
			Help: "Finished runs by model, run kind and stop reason",
		}, []string{"model", "kind", "stop_reason"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tauguard_tokens_total",
			Help: "Model tokens by model and direction",
		}, []string{"model", "direction"}),
	}
}

// ObserveStep records one tau step.
func (r *Recorder) ObserveStep(model string, kind guard.RunKind, rec guard.IterationRecord, elapsed time.Duration) {
	r.decisions.WithLabelValues(model, string(kind), string(rec.Decision)).Inc()
	r.cri.WithLabelValues(model, string(kind)).Observe(rec.Metrics.CRI)
	r.stepDuration.WithLabelValues(model).Observe(elapsed.Seconds())
}

// ObserveRun records a finished run.
func (r *Recorder) ObserveRun(run *guard.RunResult) {
	r.stops.WithLabelValues(run.Model, string(run.Kind), string(run.StopReason)).Inc()
}

// AddTokens adds token usage for a model.
func (r *Recorder) AddTokens(model string, in, out int) {
	r.tokens.WithLabelValues(model, "input").Add(float64(in))
	r.tokens.WithLabelValues(model, "output").Add(float64(out))
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// WriteTextfile writes the metrics into runDir/metrics.prom.
func (r *Recorder) WriteTextfile(runDir string) error {
	return prometheus.WriteToTextfile(filepath.Join(runDir, MetricsFile), r.registry)
}
