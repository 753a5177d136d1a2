package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage pipeline.
type Metrics struct {
	SubmitsTotal             *prometheus.CounterVec
	AssessmentsTotal         *prometheus.CounterVec
	AssessmentsDegradedTotal prometheus.Counter
	ClassifyRetriesTotal     *prometheus.CounterVec
	EscalationsTotal         *prometheus.CounterVec
	NotificationsTotal       *prometheus.CounterVec
	ReportsTotal             *prometheus.CounterVec
	StageDuration            *prometheus.HistogramVec
	PipelineDuration         *prometheus.HistogramVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medassist_submits_total",
			Help: "Total case submissions by outcome (processed, cached, shared, error).",
		}, []string{"outcome"}),
		AssessmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medassist_assessments_total",
			Help: "Total risk assessments by final risk level.",
		}, []string{"risk_level"}),
		AssessmentsDegradedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medassist_assessments_degraded_total",
			Help: "Assessments that degraded to unknown after exhausting retries.",
		}),
		ClassifyRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medassist_classify_retries_total",
			Help: "Failed classification attempts by cause (transport, malformed).",
		}, []string{"cause"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medassist_escalations_total",
			Help: "Escalation policy decisions by state.",
		}, []string{"state"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medassist_notifications_total",
			Help: "Notification dispatch outcomes by final status.",
		}, []string{"status"}),
		ReportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medassist_reports_total",
			Help: "Report artifacts by source (rendered, cached).",
		}, []string{"source"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medassist_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~40s
		}, []string{"stage"}),
		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medassist_pipeline_duration_seconds",
			Help:    "End-to-end pipeline run duration by final risk level.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s .. ~51s
		}, []string{"risk_level"}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.AssessmentsTotal,
		m.AssessmentsDegradedTotal,
		m.ClassifyRetriesTotal,
		m.EscalationsTotal,
		m.NotificationsTotal,
		m.ReportsTotal,
		m.StageDuration,
		m.PipelineDuration,
	)

	return m
}
