package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"ratedash/internal/metrics"
	"ratedash/logger"
	"ratedash/models"
)

const defaultHistory = 200

// ring keeps the newest entries up to a fixed capacity, overwriting the oldest.
type ring[T any] struct {
	mu    sync.RWMutex
	items []T
	next  int
	full  bool
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = defaultHistory
	}
	return &ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.mu.Lock()
	r.items[r.next] = v
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// collect returns the retained entries oldest first, keeping those keep
// accepts. A nil keep accepts everything.
func (r *ring[T]) collect(keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ordered := r.items[:r.next]
	if r.full {
		ordered = append(append(make([]T, 0, len(r.items)), r.items[r.next:]...), r.items[:r.next]...)
	}
	out := make([]T, 0, len(ordered))
	for _, v := range ordered {
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// outcomeTotals counts what the proxy has returned since the server started.
type outcomeTotals struct {
	Live             int64            `json:"live"`
	Synthetic        int64            `json:"synthetic"`
	UpstreamFailures map[string]int64 `json:"upstream_failures"`
	AuditFailures    int64            `json:"audit_failures"`
	NotifyFailures   int64            `json:"notify_failures"`
}

type metricFilter struct {
	Component  string
	Name       string
	Provenance string
}

func (f metricFilter) match(m metrics.Metric) bool {
	if f.Component != "" && m.Component != f.Component {
		return false
	}
	if f.Name != "" && m.Name != f.Name {
		return false
	}
	if f.Provenance != "" && fieldString(m.Fields, "provenance") != f.Provenance {
		return false
	}
	return true
}

// metricStore is the metric handler behind /api/metrics. It keeps recent
// metric events and running fetch outcome totals.
type metricStore struct {
	recent *ring[metrics.Metric]

	mu     sync.Mutex
	totals outcomeTotals
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{
		recent: newRing[metrics.Metric](limit),
		totals: outcomeTotals{UpstreamFailures: make(map[string]int64)},
	}
}

func (s *metricStore) handle(m metrics.Metric) {
	s.recent.push(m)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch m.Name {
	case metrics.MetricRatesReturned:
		switch models.Provenance(fieldString(m.Fields, "provenance")) {
		case models.ProvenanceLive:
			s.totals.Live++
		case models.ProvenanceSynthetic:
			s.totals.Synthetic++
		}
	case metrics.MetricUpstreamFailures:
		s.totals.UpstreamFailures[fieldString(m.Fields, "reason")]++
	case metrics.MetricAuditWriteFailures:
		s.totals.AuditFailures++
	case metrics.MetricNotifyFailures:
		s.totals.NotifyFailures++
	}
}

func (s *metricStore) snapshot(f metricFilter) []metrics.Metric {
	return s.recent.collect(f.match)
}

func (s *metricStore) outcomes() outcomeTotals {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.totals
	out.UpstreamFailures = make(map[string]int64, len(s.totals.UpstreamFailures))
	for k, v := range s.totals.UpstreamFailures {
		out.UpstreamFailures[k] = v
	}
	return out
}

// logRecord is one captured log entry as served by /api/logs. Entries logged
// with a trace_id field carry it at the top level so a request can be
// followed from the trace log.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`

	level logrus.Level
}

type logFilter struct {
	// MinLevel is the least severe level kept; logrus orders severe first.
	MinLevel  logrus.Level
	Component string
	TraceID   string
}

func (f logFilter) match(r logRecord) bool {
	if r.level > f.MinLevel {
		return false
	}
	if f.Component != "" && r.Component != f.Component {
		return false
	}
	return f.TraceID == "" || r.TraceID == f.TraceID
}

// logStore is a logrus hook holding the most recent log entries.
type logStore struct {
	recent  *ring[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	ls := &logStore{recent: newRing[logRecord](limit)}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		level:     entry.Level,
	}
	for k, v := range entry.Data {
		switch k {
		case "component":
			record.Component = fmt.Sprint(v)
		case logger.TraceIDKey:
			record.TraceID = fmt.Sprint(v)
		default:
			if record.Fields == nil {
				record.Fields = make(map[string]interface{}, len(entry.Data))
			}
			record.Fields[k] = flattenField(v)
		}
	}

	s.recent.push(record)
	return nil
}

func (s *logStore) snapshot(f logFilter) []logRecord {
	return s.recent.collect(f.match)
}

func (s *logStore) close() {
	s.enabled.Store(false)
}

// flattenField turns errors and Stringers into plain strings so records
// encode cleanly.
func flattenField(v interface{}) interface{} {
	switch val := v.(type) {
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	default:
		return val
	}
}

func fieldString(fields map[string]interface{}, key string) string {
	s, _ := fields[key].(string)
	return s
}
