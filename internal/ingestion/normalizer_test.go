package ingestion

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/iamkalio/sre-agent/internal/models"
)

func testNormalizer(now time.Time) *Normalizer {
	n := 0
	return &Normalizer{
		now: func() time.Time { return now },
		newID: func() string {
			n++
			return []string{"aaaaaaaaaaaa", "bbbbbbbbbbbb", "cccccccccccc"}[(n-1)%3]
		},
	}
}

func TestNormalizeFiringAlert(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC)
	norm := testNormalizer(now)

	got := norm.Normalize(models.RawAlert{
		Status:       "firing",
		Labels:       map[string]string{"alertname": "HighErrorRate", "severity": "CRITICAL", "service": "checkout"},
		Annotations:  map[string]string{"summary": "5xx above 5%", "description": "checkout is failing"},
		StartsAt:     "2024-05-01T12:00:00.123Z",
		GeneratorURL: "http://prometheus/graph",
		Fingerprint:  "fp1",
	})

	want := models.NormalizedAlert{
		ID:           "aaaaaaaaaaaa",
		Name:         "HighErrorRate",
		Severity:     models.SeverityCritical,
		Status:       models.AlertFiring,
		Source:       Source,
		Summary:      "5xx above 5%",
		Description:  "checkout is failing",
		Labels:       map[string]string{"alertname": "HighErrorRate", "severity": "CRITICAL", "service": "checkout"},
		StartsAt:     time.Date(2024, 5, 1, 12, 0, 0, 123000000, time.UTC),
		GeneratorURL: "http://prometheus/graph",
		Fingerprint:  "fp1",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("normalised alert mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC)
	norm := testNormalizer(now)

	got := norm.Normalize(models.RawAlert{
		Status:   "resolved",
		Labels:   map[string]string{"severity": "page"},
		StartsAt: "0001-01-01T00:00:00Z",
		EndsAt:   "2024-05-01T12:04:00Z",
	})

	if got.Name != "unknown" {
		t.Fatalf("expected default name, got %q", got.Name)
	}
	if got.Severity != models.SeverityWarning {
		t.Fatalf("expected unknown severity to map to warning, got %q", got.Severity)
	}
	if got.Status != models.AlertResolved {
		t.Fatalf("expected resolved status, got %q", got.Status)
	}
	if !got.StartsAt.Equal(now) {
		t.Fatalf("expected zero start time to resolve to now, got %v", got.StartsAt)
	}
	if got.EndsAt == nil || !got.EndsAt.Equal(time.Date(2024, 5, 1, 12, 4, 0, 0, time.UTC)) {
		t.Fatalf("unexpected ends_at: %v", got.EndsAt)
	}
	if got.DedupKey() != "unknown" {
		t.Fatalf("expected name fallback dedup key, got %q", got.DedupKey())
	}
}

func TestNormalizePayloadAndFiring(t *testing.T) {
	norm := testNormalizer(time.Now())
	payload := models.AlertmanagerPayload{
		Version: "4",
		Status:  "firing",
		Alerts: []models.RawAlert{
			{Status: "firing", Labels: map[string]string{"alertname": "A"}},
			{Status: "resolved", Labels: map[string]string{"alertname": "B"}},
			{Status: "firing", Labels: map[string]string{"alertname": "C"}},
		},
	}

	alerts := norm.NormalizePayload(payload)
	if len(alerts) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(alerts))
	}
	if alerts[0].EndsAt != nil {
		t.Fatalf("expected no ends_at when absent")
	}

	firing := Firing(alerts)
	names := make([]string, 0, len(firing))
	for _, a := range firing {
		names = append(names, a.Name)
	}
	if diff := cmp.Diff([]string{"A", "C"}, names); diff != "" {
		t.Fatalf("firing filter mismatch (-want +got):\n%s", diff)
	}
}

func TestPrepareManualFillsDefaults(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	norm := testNormalizer(now)

	got := norm.PrepareManual(models.NormalizedAlert{Name: "DiskFull", Severity: "info"})
	if got.ID != "aaaaaaaaaaaa" || got.Status != models.AlertFiring || got.Source != "manual" {
		t.Fatalf("unexpected manual alert: %+v", got)
	}
	if got.Severity != models.SeverityInfo || !got.StartsAt.Equal(now) || got.Labels == nil {
		t.Fatalf("unexpected manual defaults: %+v", got)
	}

	kept := norm.PrepareManual(models.NormalizedAlert{ID: "given", Name: "X"})
	if kept.ID != "given" {
		t.Fatalf("expected caller id kept, got %q", kept.ID)
	}
}
