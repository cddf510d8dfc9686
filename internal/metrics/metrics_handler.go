package metrics

import (
	"sync"
	"time"

	"ratedash/logger"
)

// Metric is a structured metric event. Fields never contain the metric,
// metric_type or value keys; those live on the struct itself.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// MetricHandler receives every emitted metric, synchronously.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registration. Zero is never issued.
type MetricHandlerID uint64

var (
	handlersMu sync.RWMutex
	handlers   = make(map[MetricHandlerID]MetricHandler)
	lastID     MetricHandlerID
)

// RegisterMetricHandler subscribes handler to emitted metrics. A nil handler
// is ignored and yields a zero id.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	handlersMu.Lock()
	defer handlersMu.Unlock()
	lastID++
	handlers[lastID] = handler
	return lastID
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	handlersMu.Lock()
	delete(handlers, id)
	handlersMu.Unlock()
}

func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	own := make(logger.Fields, len(fields))
	logFields := make(logger.Fields, len(fields)+3)
	for k, v := range fields {
		own[k] = v
		logFields[k] = v
	}
	logFields["metric"] = name
	logFields["metric_type"] = metricType
	logFields["value"] = value
	log.WithComponent(component).WithFields(logFields).Debug("metric")

	metric := Metric{
		Timestamp: timeNow(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    own,
	}

	handlersMu.RLock()
	subscribers := make([]MetricHandler, 0, len(handlers))
	for _, h := range handlers {
		subscribers = append(subscribers, h)
	}
	handlersMu.RUnlock()

	for _, h := range subscribers {
		h(metric)
	}
	return metric, true
}
