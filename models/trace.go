package models

import "time"

// Provenance identifies where a returned rate table came from.
type Provenance string

const (
	ProvenanceLive      Provenance = "live"
	ProvenanceSynthetic Provenance = "synthetic"
)

// Auth indicator values recorded in place of the token itself, under
// AuthHeaderKey in TraceEvent.Headers.
const (
	AuthHeaderKey = "authorization"
	AuthSet       = "set"
	AuthMissing   = "missing"
)

// TraceQuery records the query parameters forwarded upstream.
type TraceQuery struct {
	Start   string `json:"start"`
	End     string `json:"end"`
	Symbols string `json:"symbols"`
}

// TraceEvent is one audit record per upstream attempt. Records are written
// once and never modified.
type TraceEvent struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"ts"`
	Method     string            `json:"method"`
	URLBase    string            `json:"url_base"`
	Status     *int              `json:"status"`
	DurationMs int64             `json:"duration_ms"`
	Headers    map[string]string `json:"headers"`
	Query      TraceQuery        `json:"qs"`
	Error      string            `json:"error,omitempty"`
	Provenance Provenance        `json:"provenance,omitempty"`
}

// FailureRecord is the minimal record written when a full trace cannot be.
type FailureRecord struct {
	Timestamp time.Time `json:"ts"`
	Error     string    `json:"error"`
}
