package models

// InvestigationState is the working memory of one alert's run. It is owned by a
// single goroutine for the lifetime of the run.
type InvestigationState struct {
	Alert          NormalizedAlert
	Context        EnrichmentContext
	Frame          ProblemFrame
	Hypotheses     []Hypothesis
	Evidence       []EvidenceRecord
	Iteration      int
	MaxIterations  int
	RootCauseFound bool
	Confidence     float64
	Status         InvestigationStatus
	Report         *RCAReport
}

// NewInvestigationState seeds the state for a freshly claimed alert.
func NewInvestigationState(alert NormalizedAlert, maxIterations int) *InvestigationState {
	return &InvestigationState{
		Alert:         alert,
		MaxIterations: maxIterations,
		Status:        StatusInvestigating,
	}
}

// QueueEntry is a claimed log entry carrying a decoded alert.
type QueueEntry struct {
	ID    string
	Alert NormalizedAlert
}
