package backends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// Prometheus runs PromQL through the Prometheus HTTP API.
type Prometheus struct {
	api     promv1.API
	step    time.Duration
	timeout time.Duration
}

// NewPrometheus constructs a Prometheus backend. A nil transport uses the default.
func NewPrometheus(baseURL string, timeout time.Duration, transport http.RoundTripper) (*Prometheus, error) {
	if baseURL == "" {
		return nil, errors.New("prometheus base URL not configured")
	}
	client, err := api.NewClient(api.Config{Address: baseURL, RoundTripper: transport})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Prometheus{api: promv1.NewAPI(client), step: 15 * time.Second, timeout: timeout}, nil
}

type promResult struct {
	Query      string      `json:"query"`
	Status     string      `json:"status"`
	ResultType string      `json:"result_type"`
	Result     model.Value `json:"result"`
	Warnings   []string    `json:"warnings,omitempty"`
}

// QueryRange executes a PromQL range query and returns the matrix payload.
func (p *Prometheus) QueryRange(ctx context.Context, query string, start, end time.Time) (json.RawMessage, error) {
	value, warnings, err := p.queryRange(ctx, query, start, end, p.step)
	if err != nil {
		return nil, err
	}
	return json.Marshal(promResult{
		Query:      query,
		Status:     "success",
		ResultType: value.Type().String(),
		Result:     value,
		Warnings:   warnings,
	})
}

// Series executes a range query and decodes the resulting matrix.
func (p *Prometheus) Series(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Series, error) {
	value, _, err := p.queryRange(ctx, query, start, end, step)
	if err != nil {
		return nil, err
	}
	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("prometheus returned %s, want matrix", value.Type())
	}
	out := make([]Series, 0, len(matrix))
	for _, stream := range matrix {
		labels := make(map[string]string, len(stream.Metric))
		for k, v := range stream.Metric {
			labels[string(k)] = string(v)
		}
		points := make([]MetricPoint, 0, len(stream.Values))
		for _, pair := range stream.Values {
			points = append(points, MetricPoint{Timestamp: pair.Timestamp.Time().UTC(), Value: float64(pair.Value)})
		}
		out = append(out, Series{Labels: labels, Points: points})
	}
	return out, nil
}

func (p *Prometheus) queryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) (model.Value, []string, error) {
	if step <= 0 {
		step = p.step
	}
	value, warnings, err := p.api.QueryRange(ctx, query, promv1.Range{Start: start, End: end, Step: step}, promv1.WithTimeout(p.timeout))
	if err != nil {
		return nil, nil, fmt.Errorf("prometheus query %q: %w", query, err)
	}
	return value, warnings, nil
}
