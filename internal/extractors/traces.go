package extractors

import (
	"fmt"
	"sort"
	"strings"

	"github.com/iamkalio/sre-agent/internal/backends"
	"github.com/iamkalio/sre-agent/internal/models"
)

// TraceAnomaly captures an anomalous span within a trace.
type TraceAnomaly struct {
	Span  backends.TraceSpan
	Score float64
	Mean  float64
}

// TracesExtractor detects slow or failed spans using a z-score heuristic.
type TracesExtractor struct {
	threshold float64
}

// NewTracesExtractor constructs a TracesExtractor with threshold 2.0.
func NewTracesExtractor() *TracesExtractor {
	return &TracesExtractor{threshold: 2.0}
}

// Detect returns spans whose duration significantly exceeds the population
// mean, plus every span with an error status.
func (e *TracesExtractor) Detect(spans []backends.TraceSpan) []TraceAnomaly {
	if len(spans) == 0 {
		return nil
	}

	durations := make([]float64, len(spans))
	for i, span := range spans {
		durations[i] = span.Duration.Seconds()
	}

	avg := mean(durations)
	std := stdDev(durations, avg)
	if std == 0 {
		std = 0.01
	}

	anomalies := make([]TraceAnomaly, 0)
	for i, span := range spans {
		score := (durations[i] - avg) / std
		if score >= e.threshold || strings.EqualFold(span.Status, "error") {
			anomalies = append(anomalies, TraceAnomaly{Span: span, Score: score, Mean: avg})
		}
	}
	return anomalies
}

// Signals summarises the slowest anomalous traces, at most limit of them.
func (e *TracesExtractor) Signals(spans []backends.TraceSpan, limit int) []models.SignalAnomaly {
	anomalies := e.Detect(spans)
	sort.SliceStable(anomalies, func(i, j int) bool { return anomalies[i].Score > anomalies[j].Score })
	if limit > 0 && len(anomalies) > limit {
		anomalies = anomalies[:limit]
	}
	out := make([]models.SignalAnomaly, 0, len(anomalies))
	for _, a := range anomalies {
		out = append(out, models.SignalAnomaly{
			Source:    models.DataTypeTraces,
			Signal:    fmt.Sprintf("%s %s took %s (trace %s)", a.Span.Service, a.Span.Operation, a.Span.Duration, a.Span.TraceID),
			Timestamp: a.Span.Timestamp,
			Score:     round2(a.Score),
		})
	}
	return out
}

func labelSuffix(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
