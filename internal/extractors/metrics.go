package extractors

import (
	"fmt"
	"math"
	"time"

	"github.com/iamkalio/sre-agent/internal/backends"
	"github.com/iamkalio/sre-agent/internal/models"
)

// MetricAnomaly captures an anomalous metric sample.
type MetricAnomaly struct {
	Timestamp time.Time
	Value     float64
	Score     float64
	Threshold float64
}

// MetricExtractor flags samples whose z-score exceeds a threshold.
type MetricExtractor struct {
	threshold float64
}

// NewMetricExtractor creates a metrics anomaly detector with threshold 2.5.
func NewMetricExtractor() *MetricExtractor {
	return &MetricExtractor{threshold: 2.5}
}

// Detect finds metric anomalies exceeding threshold; a non-positive threshold
// uses the extractor default.
func (e *MetricExtractor) Detect(series []backends.MetricPoint, threshold float64) []MetricAnomaly {
	if len(series) == 0 {
		return nil
	}
	if threshold <= 0 {
		threshold = e.threshold
	}

	values := make([]float64, len(series))
	for i, point := range series {
		values[i] = point.Value
	}
	avg := mean(values)
	std := stdDev(values, avg)
	if std == 0 {
		return nil
	}

	anomalies := make([]MetricAnomaly, 0)
	for _, point := range series {
		score := (point.Value - avg) / std
		if score >= threshold {
			anomalies = append(anomalies, MetricAnomaly{
				Timestamp: point.Timestamp,
				Value:     point.Value,
				Score:     score,
				Threshold: threshold,
			})
		}
	}
	return anomalies
}

// Signals summarises the strongest anomaly of each series of query.
func (e *MetricExtractor) Signals(query string, series []backends.Series) []models.SignalAnomaly {
	out := make([]models.SignalAnomaly, 0)
	for _, s := range series {
		anomalies := e.Detect(s.Points, 0)
		if len(anomalies) == 0 {
			continue
		}
		peak := anomalies[0]
		for _, a := range anomalies[1:] {
			if a.Score > peak.Score {
				peak = a
			}
		}
		out = append(out, models.SignalAnomaly{
			Source:    models.DataTypeMetrics,
			Signal:    fmt.Sprintf("%s%s peaked at %.4g", query, labelSuffix(s.Labels), peak.Value),
			Timestamp: peak.Timestamp,
			Score:     round2(peak.Score),
		})
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func stdDev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		diff := v - mean
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(values)))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
