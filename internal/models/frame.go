package models

// ImpactLevel grades the blast radius of a problem.
type ImpactLevel string

const (
	ImpactNone     ImpactLevel = "none"
	ImpactLow      ImpactLevel = "low"
	ImpactMedium   ImpactLevel = "medium"
	ImpactHigh     ImpactLevel = "high"
	ImpactCritical ImpactLevel = "critical"
)

// ProblemFrame is the structured definition of the problem under investigation.
type ProblemFrame struct {
	Title               string      `json:"title"`
	What                string      `json:"what"`
	When                string      `json:"when"`
	Where               string      `json:"where"`
	Impact              ImpactLevel `json:"impact"`
	AffectedComponents  []string    `json:"affected_components"`
	InitialObservations []string    `json:"initial_observations"`
	InvestigationScope  string      `json:"investigation_scope"`
	QuestionsToAnswer   []string    `json:"questions_to_answer"`
}
