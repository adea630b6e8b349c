package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RequestTotal      *prometheus.CounterVec
	RequestDurationMs *prometheus.HistogramVec
	AttemptTotal      *prometheus.CounterVec
	FailoverTotal     *prometheus.CounterVec
	RateLimitHitTotal *prometheus.CounterVec
	PairDisabledTotal *prometheus.CounterVec
	TokensTotal       *prometheus.CounterVec
	TaskDroppedTotal  prometheus.Counter
}

// NewMetrics creates the gateway metrics on reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		RequestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_request_total",
			Help: "Total number of chat completion requests by terminal status.",
		}, []string{"model", "provider", "status"}),

		RequestDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchboard_request_duration_ms",
			Help:    "Total request duration in milliseconds (including provider latency).",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
		}, []string{"model", "provider"}),

		AttemptTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_attempt_total",
			Help: "Upstream attempts by provider, canonical model and outcome.",
		}, []string{"provider", "model", "outcome"}),

		FailoverTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_failover_total",
			Help: "Times a request moved on to the next candidate provider.",
		}, []string{"model"}),

		RateLimitHitTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_rate_limit_hit_total",
			Help: "Requests rejected by admission control.",
		}, []string{"dimension", "model"}),

		PairDisabledTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_pair_disabled_total",
			Help: "Provider/model pairs that reached the failure threshold.",
		}, []string{"provider", "model"}),

		TokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_tokens_total",
			Help: "Total tokens reported by providers.",
		}, []string{"model", "direction"}),

		TaskDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_background_task_dropped_total",
			Help: "Bookkeeping tasks dropped because the background queue was full.",
		}),
	}
}

// RecordRequest records metrics for a completed request.
func (m *Metrics) RecordRequest(labels RequestLabels) {
	if m == nil {
		return
	}
	m.RequestTotal.WithLabelValues(labels.Model, labels.Provider, labels.Status).Inc()
	m.RequestDurationMs.WithLabelValues(labels.Model, labels.Provider).Observe(labels.DurationMs)

	if labels.PromptTokens > 0 {
		m.TokensTotal.WithLabelValues(labels.Model, "prompt").Add(float64(labels.PromptTokens))
	}
	if labels.CompletionTokens > 0 {
		m.TokensTotal.WithLabelValues(labels.Model, "completion").Add(float64(labels.CompletionTokens))
	}
}

// RecordAttempt counts one upstream attempt. outcome is "success", "failure" or "canceled".
func (m *Metrics) RecordAttempt(provider, model, outcome string) {
	if m == nil {
		return
	}
	m.AttemptTotal.WithLabelValues(provider, model, outcome).Inc()
}

func (m *Metrics) RecordFailover(model string) {
	if m == nil {
		return
	}
	m.FailoverTotal.WithLabelValues(model).Inc()
}

// RecordRateLimitHit counts a rejection. dimension is "model_rpm" or "key_rpm".
func (m *Metrics) RecordRateLimitHit(dimension, model string) {
	if m == nil {
		return
	}
	m.RateLimitHitTotal.WithLabelValues(dimension, model).Inc()
}

func (m *Metrics) RecordPairDisabled(provider, model string) {
	if m == nil {
		return
	}
	m.PairDisabledTotal.WithLabelValues(provider, model).Inc()
}

func (m *Metrics) RecordTaskDropped() {
	if m == nil {
		return
	}
	m.TaskDroppedTotal.Inc()
}

// RequestLabels holds the label values for recording a request.
type RequestLabels struct {
	Model            string
	Provider         string
	Status           string
	DurationMs       float64
	PromptTokens     int
	CompletionTokens int
}
