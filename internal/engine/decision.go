package engine

// Decision is the routing outcome after an analyze pass.
type Decision int

const (
	// DecisionInvestigate loops back for another evidence round.
	DecisionInvestigate Decision = iota
	// DecisionReport ends the run as resolved.
	DecisionReport
	// DecisionEscalate ends the run as escalated.
	DecisionEscalate
)

func (d Decision) String() string {
	switch d {
	case DecisionReport:
		return "report"
	case DecisionEscalate:
		return "escalate"
	default:
		return "investigate"
	}
}

// Decide routes the run: a confirmed root cause reports, an exhausted
// iteration budget escalates, anything else investigates again.
func Decide(rootCauseFound bool, iteration, maxIterations int) Decision {
	if rootCauseFound {
		return DecisionReport
	}
	if iteration >= maxIterations {
		return DecisionEscalate
	}
	return DecisionInvestigate
}
