package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"ratedash/logger"
)

// capturePublishes enables a fake CloudWatch client with a 50ms interval and
// returns the published batches plus a clock offset setter.
func capturePublishes(t *testing.T) (*[][]cwtypes.MetricDatum, func(offset time.Duration) time.Time) {
	t.Helper()

	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{client: &cloudwatch.Client{}, namespace: "RateDash"})
	t.Cleanup(func() { cwState.Store(prevState) })

	resetPendingSeries()
	t.Cleanup(resetPendingSeries)

	originalInterval := cloudWatchPublishInterval
	cloudWatchPublishInterval = 50 * time.Millisecond
	t.Cleanup(func() { cloudWatchPublishInterval = originalInterval })

	base := time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)
	at := func(offset time.Duration) time.Time {
		now := base.Add(offset)
		timeNow = func() time.Time { return now }
		return now
	}
	at(0)
	t.Cleanup(func() { timeNow = time.Now })

	batches := &[][]cwtypes.MetricDatum{}
	publishMetricsFunc = func(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
		*batches = append(*batches, append([]cwtypes.MetricDatum(nil), data...))
	}
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	return batches, at
}

func fetchOutcome(provenance string, at time.Time) Metric {
	return Metric{
		Timestamp: at,
		Component: "proxy",
		Name:      MetricRatesReturned,
		Type:      "counter",
		Fields:    logger.Fields{"provenance": provenance, "unit": "count"},
	}
}

func dimension(d []cwtypes.MetricDatum, name string) string {
	for _, dim := range d[0].Dimensions {
		if aws.ToString(dim.Name) == name {
			return aws.ToString(dim.Value)
		}
	}
	return ""
}

func TestCounterSumsIncrementsHeldByInterval(t *testing.T) {
	batches, at := capturePublishes(t)

	publishMetricDatum(fetchOutcome("synthetic", at(0)), 1)
	publishMetricDatum(fetchOutcome("synthetic", at(20*time.Millisecond)), 1)
	publishMetricDatum(fetchOutcome("synthetic", at(30*time.Millisecond)), 1)

	if len(*batches) != 1 {
		t.Fatalf("expected 1 publish inside the interval, got %d", len(*batches))
	}
	if v := aws.ToFloat64((*batches)[0][0].Value); v != 1 {
		t.Fatalf("first publish value = %v, want 1", v)
	}

	publishMetricDatum(fetchOutcome("synthetic", at(60*time.Millisecond)), 1)
	if len(*batches) != 2 {
		t.Fatalf("expected a second publish after the interval, got %d", len(*batches))
	}
	if v := aws.ToFloat64((*batches)[1][0].Value); v != 3 {
		t.Fatalf("held increments lost: value = %v, want 3", v)
	}
}

func TestProvenanceSeriesPublishIndependently(t *testing.T) {
	batches, at := capturePublishes(t)

	publishMetricDatum(fetchOutcome("live", at(0)), 1)
	publishMetricDatum(fetchOutcome("synthetic", at(time.Millisecond)), 1)

	if len(*batches) != 2 {
		t.Fatalf("live and synthetic should not share a throttle, got %d publishes", len(*batches))
	}
	if got := dimension((*batches)[0], "provenance"); got != "live" {
		t.Fatalf("first provenance dimension = %q", got)
	}
	if got := dimension((*batches)[1], "provenance"); got != "synthetic" {
		t.Fatalf("second provenance dimension = %q", got)
	}
	if got := dimension((*batches)[0], "component"); got != "proxy" {
		t.Fatalf("component dimension = %q", got)
	}
}

func TestGaugeSendsLatestValueAndKnownDimensions(t *testing.T) {
	batches, at := capturePublishes(t)

	latency := func(ms float64, offset time.Duration) {
		publishMetricDatum(Metric{
			Timestamp: at(offset),
			Component: "proxy",
			Name:      MetricUpstreamDuration,
			Type:      "gauge",
			Fields:    logger.Fields{"unit": "milliseconds", "trace_id": "3f1c"},
		}, ms)
	}
	latency(40, 0)
	latency(900, 10*time.Millisecond)
	latency(55, 70*time.Millisecond)

	if len(*batches) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(*batches))
	}
	second := (*batches)[1][0]
	if v := aws.ToFloat64(second.Value); v != 55 {
		t.Fatalf("gauge value = %v, want latest 55", v)
	}
	if second.Unit != cwtypes.StandardUnitMilliseconds {
		t.Fatalf("unit = %v", second.Unit)
	}
	if len(second.Dimensions) != 1 {
		t.Fatalf("only component should be a dimension, got %d", len(second.Dimensions))
	}
}

func TestUpstreamFailuresSplitByReason(t *testing.T) {
	batches, at := capturePublishes(t)

	for _, reason := range []string{"unavailable", "malformed", "unavailable"} {
		publishMetricDatum(Metric{
			Timestamp: at(0),
			Component: "gateway",
			Name:      MetricUpstreamFailures,
			Type:      "counter",
			Fields:    logger.Fields{"reason": reason},
		}, 1)
	}
	if len(*batches) != 2 {
		t.Fatalf("expected one publish per reason, got %d", len(*batches))
	}
	if got := dimension((*batches)[1], "reason"); got != "malformed" {
		t.Fatalf("reason dimension = %q", got)
	}
}

func TestPublishSkippedWithoutClient(t *testing.T) {
	batches, at := capturePublishes(t)
	cwState.Store(&cloudWatchState{namespace: "RateDash"})

	publishMetricDatum(fetchOutcome("live", at(0)), 1)
	if len(*batches) != 0 {
		t.Fatalf("published without a client")
	}
}

func TestToFloat64(t *testing.T) {
	if v, ok := toFloat64(int64(3)); !ok || v != 3 {
		t.Fatalf("int64 conversion failed: %v %v", v, ok)
	}
	if _, ok := toFloat64("3"); ok {
		t.Fatalf("string should not convert")
	}
}
