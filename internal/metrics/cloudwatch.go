package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"ratedash/logger"
)

type cloudWatchState struct {
	client    *cloudwatch.Client
	namespace string
	dashboard string
	region    string
}

var cwState atomic.Pointer[cloudWatchState]

// dimensionKeys are the metric fields that split a metric into separate
// CloudWatch series. Other fields stay in the log and the dashboard store.
var dimensionKeys = []string{"provenance", "reason", "sender"}

// pendingSeries accumulates one metric series between publishes.
type pendingSeries struct {
	name  string
	dims  []cwtypes.Dimension
	unit  cwtypes.StandardUnit
	value float64
	sent  time.Time
}

var (
	// cloudWatchPublishInterval limits how often a single series is sent.
	cloudWatchPublishInterval = time.Minute
	timeNow                   = time.Now
	publishMetricsFunc        = publishMetrics

	publishMu sync.Mutex
	pending   = make(map[string]*pendingSeries)
)

func init() {
	cwState.Store(&cloudWatchState{namespace: "RateDash", dashboard: "RateDash"})
}

// InitCloudWatch creates the CloudWatch client and the service dashboard. When
// AWS configuration cannot be loaded publishing stays disabled.
func InitCloudWatch(ctx context.Context, region, namespace string) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	state := *cwState.Load()
	state.client = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		state.namespace = namespace
		state.dashboard = namespace
	}
	state.region = cfg.Region
	if state.region == "" {
		state.region = region
	}
	cwState.Store(&state)

	log.WithFields(logger.Fields{"region": state.region, "namespace": state.namespace}).Info("initialized CloudWatch client")

	if err := createDashboard(ctx, &state); err != nil {
		log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}

// EmitMetric logs the metric, hands it to registered handlers and publishes
// numeric values to CloudWatch when configured.
func EmitMetric(log *logger.Log, component string, metric string, value interface{}, metricType string, fields logger.Fields) {
	event, ok := recordMetric(log, component, metric, value, metricType, fields)
	if !ok {
		return
	}
	numeric, ok := toFloat64(event.Value)
	if !ok {
		return
	}
	publishMetricDatum(event, numeric)
}

func createDashboard(ctx context.Context, state *cloudWatchState) error {
	if state == nil || state.client == nil {
		return nil
	}

	metricsRows := [][]string{
		{state.namespace, MetricRatesReturned, "component", "proxy", "provenance", "live"},
		{state.namespace, MetricRatesReturned, "component", "proxy", "provenance", "synthetic"},
		{state.namespace, MetricUpstreamFailures, "component", "gateway", "reason", "unavailable"},
		{state.namespace, MetricUpstreamFailures, "component", "gateway", "reason", "malformed"},
		{state.namespace, MetricNotifyFailures, "component", "notifier", "sender", "webhook"},
		{state.namespace, MetricNotifyFailures, "component", "notifier", "sender", "kafka"},
		{state.namespace, MetricAuditWriteFailures, "component", "audit"},
	}
	body, err := json.Marshal(map[string]interface{}{
		"widgets": []interface{}{map[string]interface{}{
			"type":   "metric",
			"width":  24,
			"height": 6,
			"properties": map[string]interface{}{
				"metrics": metricsRows,
				"period":  60,
				"stat":    "Sum",
				"region":  state.region,
				"title":   "Rate fetch outcomes",
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("encode dashboard: %w", err)
	}

	_, err = state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboard),
		DashboardBody: aws.String(string(body)),
	})
	return err
}

// publishMetricDatum folds value into its series and sends the series once
// per interval. Counters are summed between sends so throttled increments
// are not lost; gauges send their latest value.
func publishMetricDatum(metric Metric, value float64) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	dims := metricDimensions(metric)
	key := seriesKey(metric.Name, dims)
	now := timeNow()

	publishMu.Lock()
	series, ok := pending[key]
	if !ok {
		series = &pendingSeries{name: metric.Name, dims: dims, unit: metricUnit(metric)}
		pending[key] = series
	}
	if metric.Type == "counter" {
		series.value += value
	} else {
		series.value = value
	}
	if !series.sent.IsZero() && now.Sub(series.sent) < cloudWatchPublishInterval {
		publishMu.Unlock()
		return
	}
	datum := cwtypes.MetricDatum{
		MetricName: aws.String(series.name),
		Dimensions: series.dims,
		Unit:       series.unit,
		Value:      aws.Float64(series.value),
		Timestamp:  aws.Time(metric.Timestamp),
	}
	series.value = 0
	series.sent = now
	publishMu.Unlock()

	publishMetricsFunc(context.Background(), state, []cwtypes.MetricDatum{datum})
}

func metricDimensions(metric Metric) []cwtypes.Dimension {
	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(metric.Component)}}
	for _, k := range dimensionKeys {
		if v, ok := metric.Fields[k].(string); ok && v != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(v)})
		}
	}
	return dims
}

func seriesKey(name string, dims []cwtypes.Dimension) string {
	var b strings.Builder
	b.WriteString(name)
	for _, d := range dims {
		b.WriteString("|")
		b.WriteString(aws.ToString(d.Name))
		b.WriteString("=")
		b.WriteString(aws.ToString(d.Value))
	}
	return b.String()
}

func metricUnit(metric Metric) cwtypes.StandardUnit {
	if raw, ok := metric.Fields["unit"].(string); ok {
		if parsed, found := metricUnitFromString(raw); found {
			return parsed
		}
	}
	return cwtypes.StandardUnitCount
}

func publishMetrics(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	if state == nil || state.client == nil || len(data) == 0 {
		return
	}
	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
	}
}

func resetPendingSeries() {
	publishMu.Lock()
	pending = make(map[string]*pendingSeries)
	publishMu.Unlock()
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func metricUnitFromString(unit string) (cwtypes.StandardUnit, bool) {
	switch strings.ToLower(unit) {
	case "count":
		return cwtypes.StandardUnitCount, true
	case "milliseconds":
		return cwtypes.StandardUnitMilliseconds, true
	case "bytes":
		return cwtypes.StandardUnitBytes, true
	case "percent":
		return cwtypes.StandardUnitPercent, true
	default:
		return cwtypes.StandardUnitCount, false
	}
}
