package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	RunsTotal         *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	RunFRs            prometheus.Histogram
	RunErroredBatches prometheus.Counter
	FRsTotal          *prometheus.CounterVec
	FRPulseMatches    prometheus.Histogram
	FRIdeaMatches     prometheus.Histogram
	StagesTotal       *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_runs_total",
			Help: "Total triage runs by product and outcome.",
		}, []string{"product", "outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_run_duration_seconds",
			Help:    "Duration of triage runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~2048s
		}, []string{"product", "outcome"}),
		RunFRs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_run_feature_requests",
			Help:    "Feature requests processed per run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 .. ~512
		}),
		RunErroredBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_run_errored_batches_total",
			Help: "Total batches that failed and were survived.",
		}),
		FRsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_feature_requests_total",
			Help: "Total feature requests processed by alignment verdict.",
		}, []string{"verdict"}),
		FRPulseMatches: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_fr_pulse_matches",
			Help:    "Surviving pulse matches per feature request.",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0 .. 10
		}),
		FRIdeaMatches: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_fr_idea_matches",
			Help:    "Surviving idea matches per feature request.",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0 .. 10
		}),
		StagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_stages_total",
			Help: "Total matching-stage executions by stage and status.",
		}, []string{"stage", "status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_stage_duration_seconds",
			Help:    "Duration of matching-stage completion calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}, []string{"stage"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunFRs,
		m.RunErroredBatches,
		m.FRsTotal,
		m.FRPulseMatches,
		m.FRIdeaMatches,
		m.StagesTotal,
		m.StageDuration,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnStage: func(stage string, duration float64, failed bool) {
			status := "success"
			if failed {
				status = "error"
			}
			m.StagesTotal.WithLabelValues(stage, status).Inc()
			m.StageDuration.WithLabelValues(stage).Observe(duration)
		},
		OnFR: func(r *FRResult) {
			m.FRsTotal.WithLabelValues(string(r.Alignment.Verdict)).Inc()
			m.FRPulseMatches.Observe(float64(len(r.Pulses.Matches)))
			m.FRIdeaMatches.Observe(float64(len(r.Ideas.Matches)))
		},
		OnRun: func(ev *RunEvent) {
			m.RunsTotal.WithLabelValues(ev.Product, string(ev.Outcome)).Inc()
			m.RunDuration.WithLabelValues(ev.Product, string(ev.Outcome)).Observe(ev.Duration)
			m.RunFRs.Observe(float64(ev.FRCount))
			m.RunErroredBatches.Add(float64(ev.ErroredBatches))
		},
	}
}
