package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's prometheus collectors.
type Metrics struct {
	callDuration  *prometheus.HistogramVec
	calls         *prometheus.CounterVec
	detectionRuns *prometheus.CounterVec
	sections      *prometheus.GaugeVec
}

// NewMetrics registers the engine collectors with reg. A nil reg creates
// unregistered collectors, which keeps tests independent of each other.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veloengine_call_duration_seconds",
			Help:    "Engine call duration in seconds by call name",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}, []string{"call"}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veloengine_calls_total",
			Help: "Engine calls by call name and outcome",
		}, []string{"call", "outcome"}),
		detectionRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veloengine_detection_runs_total",
			Help: "Section detection runs by outcome",
		}, []string{"outcome"}),
		sections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "veloengine_sections",
			Help: "Stored sections by origin",
		}, []string{"origin"}),
	}
}
