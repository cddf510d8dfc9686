// Registers:
//
//	#ratedash_fetch_total{provenance}
//	#ratedash_upstream_failures_total{reason}
//	#ratedash_upstream_duration_seconds
//	#ratedash_notify_failures_total{sender}
//	#ratedash_audit_write_failures_total
//	#go_* and process_* system metrics
//
// on a private registry exposed through Handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once             sync.Once
	registry         *prometheus.Registry
	fetchTotal       *prometheus.CounterVec
	upstreamFailures *prometheus.CounterVec
	upstreamDuration prometheus.Histogram
	notifyFailures   *prometheus.CounterVec
	auditFailures    prometheus.Counter
)

// Init creates the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		fetchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratedash_fetch_total",
				Help: "Rate tables returned, by provenance",
			},
			[]string{"provenance"},
		)

		upstreamFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratedash_upstream_failures_total",
				Help: "Failed upstream attempts, by reason",
			},
			[]string{"reason"},
		)

		upstreamDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratedash_upstream_duration_seconds",
			Help:    "Upstream request latency",
			Buckets: prometheus.DefBuckets,
		})

		notifyFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratedash_notify_failures_total",
				Help: "Observer deliveries that failed, by sender",
			},
			[]string{"sender"},
		)

		auditFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratedash_audit_write_failures_total",
			Help: "Trace records that could not be appended",
		})

		registry.MustRegister(
			fetchTotal,
			upstreamFailures,
			upstreamDuration,
			notifyFailures,
			auditFailures,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func incFetch(provenance string) {
	if fetchTotal != nil {
		fetchTotal.WithLabelValues(provenance).Inc()
	}
}

func incUpstreamFailure(reason string) {
	if upstreamFailures != nil {
		upstreamFailures.WithLabelValues(reason).Inc()
	}
}

func observeUpstream(seconds float64) {
	if upstreamDuration != nil {
		upstreamDuration.Observe(seconds)
	}
}

func incNotifyFailure(sender string) {
	if notifyFailures != nil {
		notifyFailures.WithLabelValues(sender).Inc()
	}
}

func incAuditFailure() {
	if auditFailures != nil {
		auditFailures.Inc()
	}
}
