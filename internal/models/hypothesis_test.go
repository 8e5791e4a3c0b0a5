package models

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNormalizeClampsLikelihood(t *testing.T) {
	h := Hypothesis{Likelihood: 1.7}
	h.Normalize()
	if h.Likelihood != 1 {
		t.Fatalf("expected likelihood clamped to 1, got %f", h.Likelihood)
	}
	if h.Status != HypothesisPending {
		t.Fatalf("expected default status pending, got %q", h.Status)
	}

	h = Hypothesis{Likelihood: -0.2, Status: HypothesisRejected}
	h.Normalize()
	if h.Likelihood != 0 || h.Status != HypothesisRejected {
		t.Fatalf("unexpected normalised hypothesis: %+v", h)
	}
}

func TestNormalizeCanonicalisesStatus(t *testing.T) {
	h := Hypothesis{Status: " Confirmed "}
	h.Normalize()
	if h.Status != HypothesisConfirmed || !h.Status.Valid() {
		t.Fatalf("expected canonical confirmed status, got %q", h.Status)
	}

	h = Hypothesis{Status: "supported"}
	h.Normalize()
	if h.Status.Valid() {
		t.Fatalf("expected %q to be rejected", h.Status)
	}
	if h.Status.Open() {
		t.Fatalf("unknown status must not read as open")
	}
}

func TestSortByLikelihood(t *testing.T) {
	hyps := []Hypothesis{
		{ID: "h1", Likelihood: 0.2},
		{ID: "h2", Likelihood: 0.9},
		{ID: "h3", Likelihood: 0.5},
	}
	SortByLikelihood(hyps)

	got := []string{hyps[0].ID, hyps[1].ID, hyps[2].ID}
	if diff := cmp.Diff([]string{"h2", "h3", "h1"}, got); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if MaxLikelihood(hyps) != 0.9 {
		t.Fatalf("expected max likelihood 0.9")
	}
	if MaxLikelihood(nil) != 0 {
		t.Fatalf("expected zero max likelihood for empty set")
	}
}

func TestDedupKeyFallsBackToName(t *testing.T) {
	a := NormalizedAlert{Name: "HighErrorRate"}
	if a.DedupKey() != "HighErrorRate" {
		t.Fatalf("expected name fallback, got %q", a.DedupKey())
	}
	a.Fingerprint = "fp1"
	if a.DedupKey() != "fp1" {
		t.Fatalf("expected fingerprint, got %q", a.DedupKey())
	}
}

func TestNewAlertIDLength(t *testing.T) {
	id := NewAlertID()
	if len(id) != 12 {
		t.Fatalf("expected 12 char id, got %q", id)
	}
	if id == NewAlertID() {
		t.Fatalf("expected unique ids")
	}
}
