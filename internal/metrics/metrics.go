// Package metrics exposes Prometheus collectors for the relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "buildrelay"

// Exchange outcomes.
const (
	OutcomeCompleted     = "completed"
	OutcomeCanceled      = "canceled"
	OutcomeStreamError   = "stream_error"
	OutcomeUpstreamError = "upstream_error"
	OutcomeLimitReached  = "limit_reached"
	OutcomeNotFound      = "not_found"
	OutcomeError         = "error"
)

var (
	exchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Total number of agent exchanges by outcome",
		},
		[]string{"outcome"},
	)

	exchangesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exchanges_active",
			Help:      "Number of agent exchanges currently streaming",
		},
	)

	exchangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Duration of streamed agent exchanges in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of agent events relayed by message kind",
		},
		[]string{"kind"},
	)

	malformedFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Total number of upstream frames that failed to decode",
		},
	)

	quotaChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_checks_total",
			Help:      "Total number of quota checks by result",
		},
		[]string{"result"}, // result: allowed, limited
	)

	allMetrics = []prometheus.Collector{
		exchangesTotal,
		exchangesActive,
		exchangeDuration,
		eventsTotal,
		malformedFramesTotal,
		quotaChecksTotal,
	}
)

// NewRegistry returns a registry holding the relay collectors plus Go runtime
// and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ExchangeStarted marks the start of a streamed exchange.
func ExchangeStarted() {
	exchangesActive.Inc()
}

// ExchangeFinished records the end of a streamed exchange.
func ExchangeFinished(outcome string, d time.Duration) {
	exchangesActive.Dec()
	exchangesTotal.WithLabelValues(outcome).Inc()
	exchangeDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ExchangeRejected records an exchange that failed before streaming began.
func ExchangeRejected(outcome string) {
	exchangesTotal.WithLabelValues(outcome).Inc()
}

// EventRelayed counts one forwarded agent event.
func EventRelayed(kind string) {
	eventsTotal.WithLabelValues(kind).Inc()
}

// MalformedFrame counts one skipped upstream frame.
func MalformedFrame() {
	malformedFramesTotal.Inc()
}

// QuotaChecked counts one quota decision.
func QuotaChecked(limited bool) {
	result := "allowed"
	if limited {
		result = "limited"
	}
	quotaChecksTotal.WithLabelValues(result).Inc()
}
