package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity captures alert impact levels.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// ParseSeverity maps a label value onto a Severity, defaulting to warning.
func ParseSeverity(value string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(value))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityInfo:
		return SeverityInfo
	default:
		return SeverityWarning
	}
}

// AlertStatus is the lifecycle state reported by the alert source.
type AlertStatus string

const (
	AlertFiring   AlertStatus = "firing"
	AlertResolved AlertStatus = "resolved"
)

// NormalizedAlert is the internal representation of an alert, independent of its source.
type NormalizedAlert struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Severity     Severity          `json:"severity"`
	Status       AlertStatus       `json:"status"`
	Source       string            `json:"source"`
	Summary      string            `json:"summary"`
	Description  string            `json:"description"`
	Labels       map[string]string `json:"labels"`
	StartsAt     time.Time         `json:"starts_at"`
	EndsAt       *time.Time        `json:"ends_at,omitempty"`
	GeneratorURL string            `json:"generator_url"`
	Fingerprint  string            `json:"fingerprint"`
}

// DedupKey returns the fingerprint, falling back to the alert name.
func (a NormalizedAlert) DedupKey() string {
	if a.Fingerprint != "" {
		return a.Fingerprint
	}
	return a.Name
}

// Firing reports whether the alert should trigger an investigation.
func (a NormalizedAlert) Firing() bool {
	return a.Status == AlertFiring
}

// NewAlertID returns a short opaque alert handle.
func NewAlertID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// TimeRange bounds the signal window for analysis.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// WindowAround returns [at-before, at+after].
func WindowAround(at time.Time, before, after time.Duration) TimeRange {
	return TimeRange{Start: at.Add(-before), End: at.Add(after)}
}

// RawAlert is a single alert in an Alertmanager webhook payload.
type RawAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     string            `json:"startsAt"`
	EndsAt       string            `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
	Fingerprint  string            `json:"fingerprint"`
}

// AlertmanagerPayload is the full Alertmanager webhook body.
type AlertmanagerPayload struct {
	Version           string            `json:"version"`
	GroupKey          string            `json:"groupKey"`
	Status            string            `json:"status"`
	Receiver          string            `json:"receiver"`
	GroupLabels       map[string]string `json:"groupLabels"`
	CommonLabels      map[string]string `json:"commonLabels"`
	CommonAnnotations map[string]string `json:"commonAnnotations"`
	ExternalURL       string            `json:"externalURL"`
	Alerts            []RawAlert        `json:"alerts"`
}
