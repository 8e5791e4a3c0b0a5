package models

import "time"

// InvestigationStatus is the terminal or in-progress outcome of a run.
type InvestigationStatus string

const (
	StatusInvestigating InvestigationStatus = "investigating"
	StatusResolved      InvestigationStatus = "resolved"
	StatusEscalated     InvestigationStatus = "escalated"
)

// Terminal reports whether no further transitions are allowed.
func (s InvestigationStatus) Terminal() bool {
	return s == StatusResolved || s == StatusEscalated
}

// TimelineEntry records a notable moment in the incident.
type TimelineEntry struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Source    string `json:"source"`
}

// EvidenceItem is an evidence citation in a report.
type EvidenceItem struct {
	Tool    string `json:"tool"`
	Query   string `json:"query"`
	Purpose string `json:"purpose"`
	Finding string `json:"finding"`
}

// RCAReport is the structured root cause analysis produced at the end of a run.
type RCAReport struct {
	InvestigationID     string              `json:"investigation_id"`
	AlertName           string              `json:"alert_name"`
	Severity            Severity            `json:"severity"`
	Status              InvestigationStatus `json:"status"`
	Title               string              `json:"title"`
	Summary             string              `json:"summary"`
	RootCause           string              `json:"root_cause"`
	Impact              string              `json:"impact"`
	Timeline            []TimelineEntry     `json:"timeline"`
	Evidence            []EvidenceItem      `json:"evidence"`
	HypothesesEvaluated int                 `json:"hypotheses_evaluated"`
	HypothesesConfirmed []string            `json:"hypotheses_confirmed"`
	HypothesesRejected  []string            `json:"hypotheses_rejected"`
	RecommendedActions  []string            `json:"recommended_actions"`
	RunbookReferences   []string            `json:"runbook_references"`
	Confidence          float64             `json:"confidence"`
	DurationSeconds     float64             `json:"investigation_duration_seconds"`
	Iterations          int                 `json:"iterations"`
	Escalated           bool                `json:"escalated"`
	EscalationReason    string              `json:"escalation_reason,omitempty"`
	GeneratedAt         time.Time           `json:"generated_at"`
}
