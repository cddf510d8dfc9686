package metrics

import (
	"time"

	"ratedash/logger"
)

// Names of the outcome metrics emitted by this package.
const (
	MetricRatesReturned      = "rates_returned"
	MetricUpstreamDuration   = "upstream_duration_ms"
	MetricUpstreamFailures   = "upstream_failures"
	MetricNotifyFailures     = "notify_failures"
	MetricAuditWriteFailures = "audit_write_failures"
)

// RecordFetch counts a returned table and reports how long the upstream
// attempt behind it took.
func RecordFetch(log *logger.Log, provenance string, upstream time.Duration) {
	incFetch(provenance)
	observeUpstream(upstream.Seconds())
	EmitMetric(log, "proxy", MetricRatesReturned, 1, "counter", logger.Fields{"provenance": provenance, "unit": "count"})
	EmitMetric(log, "proxy", MetricUpstreamDuration, upstream.Milliseconds(), "gauge", logger.Fields{"unit": "milliseconds"})
}

// RecordUpstreamFailure counts a failed upstream attempt.
func RecordUpstreamFailure(log *logger.Log, reason string) {
	incUpstreamFailure(reason)
	EmitMetric(log, "gateway", MetricUpstreamFailures, 1, "counter", logger.Fields{"reason": reason, "unit": "count"})
}

// RecordNotifyFailure counts an observer delivery that did not succeed.
func RecordNotifyFailure(log *logger.Log, sender string) {
	incNotifyFailure(sender)
	EmitMetric(log, "notifier", MetricNotifyFailures, 1, "counter", logger.Fields{"sender": sender, "unit": "count"})
}

// RecordAuditFailure counts a trace record that could not be written.
func RecordAuditFailure(log *logger.Log) {
	incAuditFailure()
	EmitMetric(log, "audit", MetricAuditWriteFailures, 1, "counter", logger.Fields{"unit": "count"})
}
