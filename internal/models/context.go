package models

import (
	"encoding/json"
	"time"
)

// DataType enumerates signal categories.
type DataType string

const (
	DataTypeMetrics DataType = "metrics"
	DataTypeLogs    DataType = "logs"
	DataTypeTraces  DataType = "traces"
)

// SignalAnomaly is a notable deviation spotted in the enrichment snapshot.
type SignalAnomaly struct {
	Source    DataType  `json:"source"`
	Signal    string    `json:"signal"`
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
}

// CorrelationSnapshot is the cross-signal picture around an alert's start time.
type CorrelationSnapshot struct {
	AlertName       string                     `json:"alert_name"`
	AlertTime       time.Time                  `json:"alert_time"`
	Metrics         map[string]json.RawMessage `json:"metrics"`
	ErrorLogsCount  int                        `json:"error_logs_count"`
	ErrorLogsSample []json.RawMessage          `json:"error_logs_sample"`
	TracesFound     int                        `json:"traces_found"`
	TracesSample    []json.RawMessage          `json:"traces_sample"`
	Anomalies       []SignalAnomaly            `json:"anomalies"`
}

// EnrichmentContext bundles everything known about an alert before reasoning starts.
type EnrichmentContext struct {
	Alert          NormalizedAlert     `json:"alert"`
	RunbookContext []string            `json:"runbook_context"`
	PastIncidents  []string            `json:"past_incidents"`
	Correlation    CorrelationSnapshot `json:"correlation"`
}
