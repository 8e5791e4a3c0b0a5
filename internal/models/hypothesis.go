package models

import (
	"encoding/json"
	"sort"
	"strings"
)

// HypothesisStatus tracks where a hypothesis stands after analysis.
type HypothesisStatus string

const (
	HypothesisPending       HypothesisStatus = "pending"
	HypothesisInvestigating HypothesisStatus = "investigating"
	HypothesisConfirmed     HypothesisStatus = "confirmed"
	HypothesisRejected      HypothesisStatus = "rejected"
	HypothesisInconclusive  HypothesisStatus = "inconclusive"
)

// Open reports whether the hypothesis still needs evidence.
func (s HypothesisStatus) Open() bool {
	return s == HypothesisPending || s == HypothesisInvestigating || s == ""
}

// Valid reports whether s is one of the known statuses.
func (s HypothesisStatus) Valid() bool {
	switch s {
	case HypothesisPending, HypothesisInvestigating, HypothesisConfirmed, HypothesisRejected, HypothesisInconclusive:
		return true
	}
	return false
}

// Query backends understood by the evidence executor.
const (
	ToolPrometheus = "prometheus"
	ToolLoki       = "loki"
	ToolTempo      = "tempo"
)

// InvestigationQuery is a concrete query planned to test a hypothesis.
type InvestigationQuery struct {
	Tool    string `json:"tool"`
	Query   string `json:"query"`
	Purpose string `json:"purpose"`
}

// Hypothesis is a candidate root cause with its test plan.
type Hypothesis struct {
	ID                    string               `json:"id"`
	Title                 string               `json:"title"`
	Description           string               `json:"description"`
	Likelihood            float64              `json:"likelihood"`
	Status                HypothesisStatus     `json:"status"`
	SupportingEvidence    []string             `json:"supporting_evidence"`
	ContradictingEvidence []string             `json:"contradicting_evidence"`
	Queries               []InvestigationQuery `json:"queries"`
	Verdict               string               `json:"verdict"`
}

// Normalize clamps likelihood into [0,1], lower-cases the status and defaults
// an empty status to pending. Unknown statuses are left for Valid to reject.
func (h *Hypothesis) Normalize() {
	h.Likelihood = Clamp(h.Likelihood, 0, 1)
	h.Status = HypothesisStatus(strings.ToLower(strings.TrimSpace(string(h.Status))))
	if h.Status == "" {
		h.Status = HypothesisPending
	}
}

// SortByLikelihood orders hypotheses by descending likelihood, keeping ties stable.
func SortByLikelihood(hypotheses []Hypothesis) {
	sort.SliceStable(hypotheses, func(i, j int) bool {
		return hypotheses[i].Likelihood > hypotheses[j].Likelihood
	})
}

// MaxLikelihood returns the highest likelihood, or zero for an empty set.
func MaxLikelihood(hypotheses []Hypothesis) float64 {
	best := 0.0
	for _, h := range hypotheses {
		if h.Likelihood > best {
			best = h.Likelihood
		}
	}
	return best
}

// TitlesWithStatus lists the titles of hypotheses in the given status.
func TitlesWithStatus(hypotheses []Hypothesis, status HypothesisStatus) []string {
	titles := make([]string, 0)
	for _, h := range hypotheses {
		if h.Status == status {
			titles = append(titles, h.Title)
		}
	}
	return titles
}

// EvidenceRecord is the normalised outcome of one query against one backend.
// Exactly one of Result and Error is set.
type EvidenceRecord struct {
	Tool         string          `json:"tool"`
	Query        string          `json:"query"`
	Purpose      string          `json:"purpose"`
	HypothesisID string          `json:"hypothesis_id"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Failed reports whether the record carries an error instead of a result.
func (e EvidenceRecord) Failed() bool {
	return e.Error != ""
}

// Clamp bounds value into [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
