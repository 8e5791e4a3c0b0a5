package enrichment

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iamkalio/sre-agent/internal/backends"
	"github.com/iamkalio/sre-agent/internal/extractors"
	"github.com/iamkalio/sre-agent/internal/models"
)

// DefaultMetricQueries is the PromQL set sampled around every alert.
var DefaultMetricQueries = []string{
	"sum(rate(app_errors_total[5m])) by (error_type)",
	"sum(rate(http_requests_total[5m])) by (status_code)",
	"histogram_quantile(0.95, sum(rate(http_request_duration_seconds_bucket[5m])) by (le))",
	"cpu_spike_total",
	"app_memory_usage_bytes",
	"active_simulations",
}

// DefaultErrorLogQuery selects error lines for the snapshot.
const DefaultErrorLogQuery = `{service_name="sre-playground"} |= "error" | json`

// MetricSource returns labelled metric series.
type MetricSource interface {
	Series(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]backends.Series, error)
}

// LogSource returns log lines.
type LogSource interface {
	Lines(ctx context.Context, query string, start, end time.Time, limit int) (int, []backends.LogLine, error)
}

// TraceSource searches traces.
type TraceSource interface {
	Search(ctx context.Context, tags string, start, end time.Time, limit int) ([]backends.TraceSummary, error)
}

// CorrelatorConfig tunes the snapshot window and sizes.
type CorrelatorConfig struct {
	MetricQueries []string
	ErrorLogQuery string
	Lookback      time.Duration
	Lookahead     time.Duration
	MetricStep    time.Duration
	LogLimit      int
	TraceLimit    int
	SampleSize    int
}

func (c *CorrelatorConfig) setDefaults() {
	if len(c.MetricQueries) == 0 {
		c.MetricQueries = DefaultMetricQueries
	}
	if c.ErrorLogQuery == "" {
		c.ErrorLogQuery = DefaultErrorLogQuery
	}
	if c.Lookback <= 0 {
		c.Lookback = 15 * time.Minute
	}
	if c.Lookahead <= 0 {
		c.Lookahead = 5 * time.Minute
	}
	if c.MetricStep <= 0 {
		c.MetricStep = 30 * time.Second
	}
	if c.LogLimit <= 0 {
		c.LogLimit = 50
	}
	if c.TraceLimit <= 0 {
		c.TraceLimit = 20
	}
	if c.SampleSize <= 0 {
		c.SampleSize = 5
	}
}

// Correlator pulls a cross-signal snapshot around an alert's start time.
type Correlator struct {
	metrics MetricSource
	logs    LogSource
	traces  TraceSource
	cfg     CorrelatorConfig
	logger  *slog.Logger

	metricsExtractor *extractors.MetricExtractor
	logsExtractor    *extractors.LogsExtractor
	tracesExtractor  *extractors.TracesExtractor
}

// NewCorrelator wires the snapshot sources. Any source may be nil.
func NewCorrelator(metrics MetricSource, logs LogSource, traces TraceSource, cfg CorrelatorConfig, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.setDefaults()
	return &Correlator{
		metrics:          metrics,
		logs:             logs,
		traces:           traces,
		cfg:              cfg,
		logger:           logger,
		metricsExtractor: extractors.NewMetricExtractor(),
		logsExtractor:    extractors.NewLogsExtractor(),
		tracesExtractor:  extractors.NewTracesExtractor(),
	}
}

type seriesSample struct {
	Labels    map[string]string `json:"labels"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
}

// Correlate builds the snapshot. A failing sub-query is logged and contributes
// empty data; Correlate itself never fails.
func (c *Correlator) Correlate(ctx context.Context, alertName string, alertTime time.Time) models.CorrelationSnapshot {
	window := models.WindowAround(alertTime, c.cfg.Lookback, c.cfg.Lookahead)
	snapshot := models.CorrelationSnapshot{
		AlertName:       alertName,
		AlertTime:       alertTime,
		Metrics:         make(map[string]json.RawMessage, len(c.cfg.MetricQueries)),
		ErrorLogsSample: []json.RawMessage{},
		TracesSample:    []json.RawMessage{},
		Anomalies:       []models.SignalAnomaly{},
	}

	var (
		mu        sync.Mutex
		anomalies [3][]models.SignalAnomaly
	)

	var g errgroup.Group
	g.Go(func() error {
		metrics, found := c.metricSnapshot(ctx, window)
		mu.Lock()
		snapshot.Metrics = metrics
		anomalies[0] = found
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		count, sample, found := c.errorLogs(ctx, window)
		mu.Lock()
		snapshot.ErrorLogsCount, snapshot.ErrorLogsSample, anomalies[1] = count, sample, found
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		count, sample, found := c.errorTraces(ctx, window)
		mu.Lock()
		snapshot.TracesFound, snapshot.TracesSample, anomalies[2] = count, sample, found
		mu.Unlock()
		return nil
	})
	_ = g.Wait()

	for _, found := range anomalies {
		snapshot.Anomalies = append(snapshot.Anomalies, found...)
	}
	return snapshot
}

func (c *Correlator) metricSnapshot(ctx context.Context, window models.TimeRange) (map[string]json.RawMessage, []models.SignalAnomaly) {
	results := make(map[string]json.RawMessage, len(c.cfg.MetricQueries))
	found := make([]models.SignalAnomaly, 0)
	if c.metrics == nil {
		for _, q := range c.cfg.MetricQueries {
			results[q] = json.RawMessage("[]")
		}
		return results, found
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(4)
	for _, query := range c.cfg.MetricQueries {
		query := query
		g.Go(func() error {
			series, err := c.metrics.Series(ctx, query, window.Start, window.End, c.cfg.MetricStep)
			if err != nil {
				c.logger.Warn("snapshot metric query failed", "query", query, "error", err)
				series = nil
			}

			samples := make([]seriesSample, 0, len(series))
			for _, s := range series {
				if latest, ok := s.Latest(); ok {
					samples = append(samples, seriesSample{Labels: s.Labels, Value: latest.Value, Timestamp: latest.Timestamp})
				}
			}
			raw, err := json.Marshal(samples)
			if err != nil {
				raw = json.RawMessage("[]")
			}
			signals := c.metricsExtractor.Signals(query, series)

			mu.Lock()
			results[query] = raw
			found = append(found, signals...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results, found
}

func (c *Correlator) errorLogs(ctx context.Context, window models.TimeRange) (int, []json.RawMessage, []models.SignalAnomaly) {
	if c.logs == nil {
		return 0, []json.RawMessage{}, nil
	}
	_, lines, err := c.logs.Lines(ctx, c.cfg.ErrorLogQuery, window.Start, window.End, c.cfg.LogLimit)
	if err != nil {
		c.logger.Warn("snapshot error log query failed", "error", err)
		return 0, []json.RawMessage{}, nil
	}

	sample := make([]json.RawMessage, 0, c.cfg.SampleSize)
	for _, line := range lines {
		if len(sample) >= c.cfg.SampleSize {
			break
		}
		if raw, err := json.Marshal(line); err == nil {
			sample = append(sample, raw)
		}
	}
	buckets := backends.BucketLines(lines, time.Minute, "error")
	return len(lines), sample, c.logsExtractor.Signals(buckets)
}

func (c *Correlator) errorTraces(ctx context.Context, window models.TimeRange) (int, []json.RawMessage, []models.SignalAnomaly) {
	if c.traces == nil {
		return 0, []json.RawMessage{}, nil
	}
	traces, err := c.traces.Search(ctx, "", window.Start, window.End, c.cfg.TraceLimit)
	if err != nil {
		c.logger.Warn("snapshot trace search failed", "error", err)
		return 0, []json.RawMessage{}, nil
	}

	sample := make([]json.RawMessage, 0, c.cfg.SampleSize)
	for _, tr := range traces {
		if len(sample) >= c.cfg.SampleSize {
			break
		}
		if raw, err := json.Marshal(tr); err == nil {
			sample = append(sample, raw)
		}
	}
	return len(traces), sample, c.tracesExtractor.Signals(backends.Spans(traces), c.cfg.SampleSize)
}
