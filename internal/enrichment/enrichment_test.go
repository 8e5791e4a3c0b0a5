package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/iamkalio/sre-agent/internal/backends"
	"github.com/iamkalio/sre-agent/internal/models"
)

var alertTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeMetrics struct {
	mu      sync.Mutex
	queries []string
	windows []models.TimeRange
	fail    map[string]bool
}

func (f *fakeMetrics) Series(_ context.Context, query string, start, end time.Time, _ time.Duration) ([]backends.Series, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.windows = append(f.windows, models.TimeRange{Start: start, End: end})
	f.mu.Unlock()
	if f.fail[query] {
		return nil, errors.New("prometheus down")
	}
	points := make([]backends.MetricPoint, 0, 10)
	for i := 0; i < 10; i++ {
		v := 1.0
		if i == 9 {
			v = 50
		}
		points = append(points, backends.MetricPoint{Timestamp: start.Add(time.Duration(i) * time.Minute), Value: v})
	}
	return []backends.Series{{Labels: map[string]string{"job": "api"}, Points: points}}, nil
}

type fakeLogs struct {
	lines []backends.LogLine
	err   error
	got   models.TimeRange
	limit int
}

func (f *fakeLogs) Lines(_ context.Context, _ string, start, end time.Time, limit int) (int, []backends.LogLine, error) {
	f.got = models.TimeRange{Start: start, End: end}
	f.limit = limit
	return 1, f.lines, f.err
}

type fakeTraces struct {
	traces []backends.TraceSummary
	err    error
	limit  int
}

func (f *fakeTraces) Search(_ context.Context, _ string, _, _ time.Time, limit int) ([]backends.TraceSummary, error) {
	f.limit = limit
	return f.traces, f.err
}

type fakeKnowledge struct {
	runbooks  []string
	incidents []string
	err       error
	queries   []string
}

func (f *fakeKnowledge) SearchRunbooks(_ context.Context, query string, limit int) ([]string, error) {
	f.queries = append(f.queries, query)
	if limit != 3 {
		return nil, errors.New("unexpected limit")
	}
	return f.runbooks, f.err
}

func (f *fakeKnowledge) SearchIncidents(_ context.Context, query string, limit int) ([]string, error) {
	f.queries = append(f.queries, query)
	return f.incidents, f.err
}

func logLines(n int) []backends.LogLine {
	lines := make([]backends.LogLine, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines, backends.LogLine{Timestamp: alertTime.Add(time.Duration(i) * time.Second), Line: "error: boom"})
	}
	return lines
}

func TestCorrelateSnapshot(t *testing.T) {
	metrics := &fakeMetrics{}
	logs := &fakeLogs{lines: logLines(8)}
	traces := &fakeTraces{traces: []backends.TraceSummary{
		{TraceID: "t1", RootServiceName: "api", DurationMs: 10},
		{TraceID: "t2", RootServiceName: "api", DurationMs: 12},
	}}
	c := NewCorrelator(metrics, logs, traces, CorrelatorConfig{}, nil)

	snap := c.Correlate(context.Background(), "HighErrorRate", alertTime)

	if snap.AlertName != "HighErrorRate" || !snap.AlertTime.Equal(alertTime) {
		t.Fatalf("unexpected header: %+v", snap)
	}
	if len(snap.Metrics) != len(DefaultMetricQueries) {
		t.Fatalf("expected %d metric entries, got %d", len(DefaultMetricQueries), len(snap.Metrics))
	}
	var samples []seriesSample
	if err := json.Unmarshal(snap.Metrics["cpu_spike_total"], &samples); err != nil {
		t.Fatalf("decode metric sample: %v", err)
	}
	if len(samples) != 1 || samples[0].Value != 50 {
		t.Fatalf("expected latest value sample, got %+v", samples)
	}

	wantWindow := models.TimeRange{Start: alertTime.Add(-15 * time.Minute), End: alertTime.Add(5 * time.Minute)}
	if diff := cmp.Diff(wantWindow, logs.got); diff != "" {
		t.Fatalf("log window mismatch (-want +got):\n%s", diff)
	}
	if logs.limit != 50 || traces.limit != 20 {
		t.Fatalf("unexpected limits: logs=%d traces=%d", logs.limit, traces.limit)
	}

	if snap.ErrorLogsCount != 8 || len(snap.ErrorLogsSample) != 5 {
		t.Fatalf("expected 8 error lines with 5 sampled, got %d/%d", snap.ErrorLogsCount, len(snap.ErrorLogsSample))
	}
	if snap.TracesFound != 2 || len(snap.TracesSample) != 2 {
		t.Fatalf("unexpected trace counts: %d/%d", snap.TracesFound, len(snap.TracesSample))
	}

	metricAnomalies := 0
	for _, a := range snap.Anomalies {
		if a.Source == models.DataTypeMetrics {
			metricAnomalies++
		}
	}
	if metricAnomalies != len(DefaultMetricQueries) {
		t.Fatalf("expected one spike per metric query, got %d", metricAnomalies)
	}
}

func TestCorrelateToleratesFailures(t *testing.T) {
	metrics := &fakeMetrics{fail: map[string]bool{"cpu_spike_total": true}}
	logs := &fakeLogs{err: errors.New("loki down")}
	traces := &fakeTraces{err: errors.New("tempo down")}
	c := NewCorrelator(metrics, logs, traces, CorrelatorConfig{}, nil)

	snap := c.Correlate(context.Background(), "HighErrorRate", alertTime)

	if string(snap.Metrics["cpu_spike_total"]) != "[]" {
		t.Fatalf("expected empty data for failed query, got %s", snap.Metrics["cpu_spike_total"])
	}
	if len(snap.Metrics) != len(DefaultMetricQueries) {
		t.Fatalf("expected every query keyed, got %d", len(snap.Metrics))
	}
	if snap.ErrorLogsCount != 0 || len(snap.ErrorLogsSample) != 0 || snap.TracesFound != 0 || len(snap.TracesSample) != 0 {
		t.Fatalf("expected empty log and trace sections, got %+v", snap)
	}
}

func TestCorrelateWithoutSources(t *testing.T) {
	snap := NewCorrelator(nil, nil, nil, CorrelatorConfig{MetricQueries: []string{"up"}}, nil).
		Correlate(context.Background(), "A", alertTime)
	if string(snap.Metrics["up"]) != "[]" || snap.Anomalies == nil {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestBuilderAssemblesContext(t *testing.T) {
	knowledge := &fakeKnowledge{runbooks: []string{"restart"}, incidents: []string{"last week"}}
	c := NewCorrelator(nil, &fakeLogs{lines: logLines(2)}, nil, CorrelatorConfig{MetricQueries: []string{"up"}}, nil)
	alert := models.NormalizedAlert{ID: "a1", Name: "HighErrorRate", Summary: "5xx", Description: "checkout", StartsAt: alertTime}

	ectx, err := NewBuilder(knowledge, c, nil).Build(context.Background(), alert)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if diff := cmp.Diff([]string{"HighErrorRate 5xx checkout", "HighErrorRate 5xx checkout"}, knowledge.queries); diff != "" {
		t.Fatalf("search query mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"restart"}, ectx.RunbookContext); diff != "" {
		t.Fatalf("runbooks mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"last week"}, ectx.PastIncidents); diff != "" {
		t.Fatalf("incidents mismatch (-want +got):\n%s", diff)
	}
	if ectx.Alert.ID != "a1" || ectx.Correlation.ErrorLogsCount != 2 {
		t.Fatalf("unexpected context: %+v", ectx)
	}
}

func TestBuilderSurvivesKnowledgeFailure(t *testing.T) {
	knowledge := &fakeKnowledge{err: errors.New("weaviate down")}
	ectx, err := NewBuilder(knowledge, nil, nil).Build(context.Background(), models.NormalizedAlert{Name: "A", StartsAt: alertTime})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if ectx.RunbookContext == nil || len(ectx.RunbookContext) != 0 || len(ectx.PastIncidents) != 0 {
		t.Fatalf("expected empty knowledge sections, got %+v", ectx)
	}
	if ectx.Correlation.AlertName != "A" {
		t.Fatalf("expected bare correlation header, got %+v", ectx.Correlation)
	}
}

func TestBuilderHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewBuilder(nil, nil, nil).Build(ctx, models.NormalizedAlert{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
