package backends

import (
	"context"
	"encoding/json"
	"time"
)

// RangeQuerier runs a backend-specific query over [start, end] and returns the
// backend's result payload.
type RangeQuerier interface {
	QueryRange(ctx context.Context, query string, start, end time.Time) (json.RawMessage, error)
}

// MetricPoint represents a single metric sample.
type MetricPoint struct {
	Timestamp time.Time
	Value     float64
}

// Series is one labelled metric series.
type Series struct {
	Labels map[string]string
	Points []MetricPoint
}

// Latest returns the last sample of the series, if any.
func (s Series) Latest() (MetricPoint, bool) {
	if len(s.Points) == 0 {
		return MetricPoint{}, false
	}
	return s.Points[len(s.Points)-1], true
}

// LogLine is a single log line from a stream.
type LogLine struct {
	Timestamp time.Time         `json:"timestamp"`
	Line      string            `json:"line"`
	Labels    map[string]string `json:"labels"`
}

// LogEntry represents aggregated log volume used for anomaly detection.
type LogEntry struct {
	Timestamp time.Time
	Message   string
	Severity  string
	Count     int
}

// TraceSpan captures essential fields from a trace search hit.
type TraceSpan struct {
	TraceID   string
	SpanID    string
	Service   string
	Operation string
	Duration  time.Duration
	Status    string
	Timestamp time.Time
}
