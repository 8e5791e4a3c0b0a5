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

// Loki runs LogQL range queries against the Loki HTTP API.
type Loki struct {
	httpBackend
	limit int
}

// NewLoki constructs a Loki backend.
func NewLoki(baseURL string, timeout time.Duration) *Loki {
	return &Loki{httpBackend: newHTTPBackend("loki", baseURL, timeout), limit: 100}
}

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

type lokiResult struct {
	Query      string    `json:"query"`
	Status     string    `json:"status"`
	Streams    int       `json:"streams"`
	TotalLines int       `json:"total_lines"`
	Lines      []LogLine `json:"lines"`
}

// QueryRange executes a LogQL query and returns up to the default line limit.
func (l *Loki) QueryRange(ctx context.Context, query string, start, end time.Time) (json.RawMessage, error) {
	streams, lines, err := l.Lines(ctx, query, start, end, l.limit)
	if err != nil {
		return nil, err
	}
	return json.Marshal(lokiResult{
		Query:      query,
		Status:     "success",
		Streams:    streams,
		TotalLines: len(lines),
		Lines:      lines,
	})
}

// Lines returns the number of matched streams and up to limit lines across them.
func (l *Loki) Lines(ctx context.Context, query string, start, end time.Time, limit int) (int, []LogLine, error) {
	if limit <= 0 {
		limit = l.limit
	}
	params := url.Values{}
	params.Set("query", query)
	params.Set("start", utils.UnixSeconds(start))
	params.Set("end", utils.UnixSeconds(end))
	params.Set("limit", strconv.Itoa(limit))

	var resp lokiResponse
	if err := l.getJSON(ctx, "/loki/api/v1/query_range", params, &resp); err != nil {
		return 0, nil, fmt.Errorf("loki query %q: %w", query, err)
	}

	lines := make([]LogLine, 0)
	for _, stream := range resp.Data.Result {
		for _, value := range stream.Values {
			if len(lines) >= limit {
				break
			}
			lines = append(lines, LogLine{
				Timestamp: parseUnixNano(value[0]),
				Line:      value[1],
				Labels:    stream.Stream,
			})
		}
	}
	return len(resp.Data.Result), lines, nil
}

// BucketLines aggregates lines into per-interval volume entries.
func BucketLines(lines []LogLine, interval time.Duration, severity string) []LogEntry {
	if interval <= 0 {
		interval = time.Minute
	}
	counts := make(map[time.Time]int)
	order := make([]time.Time, 0)
	for _, line := range lines {
		bucket := line.Timestamp.Truncate(interval)
		if _, ok := counts[bucket]; !ok {
			order = append(order, bucket)
		}
		counts[bucket]++
	}
	entries := make([]LogEntry, 0, len(order))
	for _, bucket := range order {
		entries = append(entries, LogEntry{Timestamp: bucket, Severity: severity, Count: counts[bucket]})
	}
	return entries
}

func parseUnixNano(value string) time.Time {
	ns, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
