package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/iamkalio/sre-agent/internal/utils"
)

// Tempo searches traces through the Tempo HTTP API.
type Tempo struct {
	httpBackend
	limit int
}

// NewTempo constructs a Tempo backend.
func NewTempo(baseURL string, timeout time.Duration) *Tempo {
	return &Tempo{httpBackend: newHTTPBackend("tempo", baseURL, timeout), limit: 20}
}

// TraceSummary is one trace search hit as returned by Tempo.
type TraceSummary struct {
	TraceID           string `json:"traceID"`
	RootServiceName   string `json:"rootServiceName"`
	RootTraceName     string `json:"rootTraceName"`
	StartTimeUnixNano string `json:"startTimeUnixNano"`
	DurationMs        int64  `json:"durationMs"`
}

type tempoResult struct {
	Status      string         `json:"status"`
	TracesFound int            `json:"traces_found"`
	Traces      []TraceSummary `json:"traces"`
}

// QueryRange treats query as a Tempo tag filter (logfmt) and searches the window.
func (t *Tempo) QueryRange(ctx context.Context, query string, start, end time.Time) (json.RawMessage, error) {
	traces, err := t.Search(ctx, query, start, end, t.limit)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tempoResult{Status: "success", TracesFound: len(traces), Traces: traces})
}

// Search returns up to limit traces matching tags within the window.
func (t *Tempo) Search(ctx context.Context, tags string, start, end time.Time, limit int) ([]TraceSummary, error) {
	if limit <= 0 {
		limit = t.limit
	}
	params := url.Values{}
	params.Set("start", utils.UnixSeconds(start))
	params.Set("end", utils.UnixSeconds(end))
	params.Set("limit", strconv.Itoa(limit))
	if tags != "" {
		params.Set("tags", tags)
	}

	var resp struct {
		Traces []TraceSummary `json:"traces"`
	}
	if err := t.getJSON(ctx, "/api/search", params, &resp); err != nil {
		return nil, fmt.Errorf("tempo search: %w", err)
	}
	if resp.Traces == nil {
		resp.Traces = []TraceSummary{}
	}
	return resp.Traces, nil
}

// Spans converts trace summaries into root spans for anomaly detection.
func Spans(traces []TraceSummary) []TraceSpan {
	spans := make([]TraceSpan, 0, len(traces))
	for _, tr := range traces {
		spans = append(spans, TraceSpan{
			TraceID:   tr.TraceID,
			Service:   tr.RootServiceName,
			Operation: tr.RootTraceName,
			Duration:  time.Duration(tr.DurationMs) * time.Millisecond,
			Timestamp: parseUnixNano(tr.StartTimeUnixNano),
		})
	}
	return spans
}
