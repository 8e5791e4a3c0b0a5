package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/iamkalio/sre-agent/internal/models"
	"github.com/iamkalio/sre-agent/internal/utils"
)

// Stage names, used in logs and as the Op of stage errors.
const (
	StageEnrich      = "enrich"
	StageFrame       = "frame"
	StageHypothesize = "hypothesize"
	StageInvestigate = "investigate"
	StageAnalyze     = "analyze"
	StageReport      = "report"
	StageEscalate    = "escalate"
)

// ContextBuilder assembles the enrichment context for an alert.
type ContextBuilder interface {
	Build(ctx context.Context, alert models.NormalizedAlert) (models.EnrichmentContext, error)
}

// Reasoner produces the structured artefacts of a run.
type Reasoner interface {
	Frame(ctx context.Context, ectx models.EnrichmentContext) (models.ProblemFrame, error)
	Hypothesize(ctx context.Context, frame models.ProblemFrame, ectx models.EnrichmentContext) ([]models.Hypothesis, error)
	Rerank(ctx context.Context, hypotheses []models.Hypothesis, evidence []models.EvidenceRecord) ([]models.Hypothesis, error)
	Report(ctx context.Context, state *models.InvestigationState) (models.RCAReport, error)
}

// EvidenceGatherer runs hypothesis queries.
type EvidenceGatherer interface {
	ExecuteAll(ctx context.Context, hypotheses []models.Hypothesis, alertTime time.Time) []models.EvidenceRecord
}

// MachineConfig tunes the state machine.
type MachineConfig struct {
	MaxIterations       int
	ConfidenceThreshold float64
}

// Machine drives one alert through enrich, frame, hypothesize, a bounded
// investigate/analyze loop and a terminal report or escalation.
type Machine struct {
	builder  ContextBuilder
	reasoner Reasoner
	evidence EvidenceGatherer
	rules    *RuleEngine
	cfg      MachineConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewMachine wires the state machine. rules may be nil.
func NewMachine(builder ContextBuilder, reasoner Reasoner, evidence EvidenceGatherer, rules *RuleEngine, cfg MachineConfig, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 6
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.7
	}
	return &Machine{
		builder:  builder,
		reasoner: reasoner,
		evidence: evidence,
		rules:    rules,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// stateUpdate is a partial update returned by a stage. Nil fields are left
// untouched; Evidence is appended rather than replaced.
type stateUpdate struct {
	Context        *models.EnrichmentContext
	Frame          *models.ProblemFrame
	Hypotheses     []models.Hypothesis
	Evidence       []models.EvidenceRecord
	Iteration      *int
	RootCauseFound *bool
	Confidence     *float64
	Status         models.InvestigationStatus
	Report         *models.RCAReport
}

func apply(state *models.InvestigationState, u stateUpdate) {
	if u.Context != nil {
		state.Context = *u.Context
	}
	if u.Frame != nil {
		state.Frame = *u.Frame
	}
	if u.Hypotheses != nil {
		state.Hypotheses = u.Hypotheses
	}
	state.Evidence = append(state.Evidence, u.Evidence...)
	if u.Iteration != nil {
		state.Iteration = *u.Iteration
	}
	if u.RootCauseFound != nil {
		state.RootCauseFound = *u.RootCauseFound
	}
	if u.Confidence != nil {
		state.Confidence = *u.Confidence
	}
	// Terminal statuses are final.
	if u.Status != "" && !state.Status.Terminal() {
		state.Status = u.Status
	}
	if u.Report != nil {
		state.Report = u.Report
	}
}

type stageFunc func(ctx context.Context, state *models.InvestigationState) (stateUpdate, error)

// Run investigates alert to a terminal state. Any stage error aborts the run.
func (m *Machine) Run(ctx context.Context, alert models.NormalizedAlert) (*models.InvestigationState, error) {
	state := models.NewInvestigationState(alert, m.cfg.MaxIterations)
	started := m.now()
	logger := m.logger.With(slog.String("alert_id", alert.ID), slog.String("alert_name", alert.Name))

	step := func(name string, fn stageFunc) error {
		if err := ctx.Err(); err != nil {
			return utils.NewAppError(name, "investigation aborted", err)
		}
		logger.Debug("stage started", slog.String("stage", name), slog.Int("iteration", state.Iteration))
		update, err := fn(ctx, state)
		if err != nil {
			return utils.NewAppError(name, "investigation aborted", err)
		}
		apply(state, update)
		return nil
	}

	for _, s := range []struct {
		name string
		fn   stageFunc
	}{
		{StageEnrich, m.enrich},
		{StageFrame, m.frame},
		{StageHypothesize, m.hypothesize},
	} {
		if err := step(s.name, s.fn); err != nil {
			return state, err
		}
	}

	for {
		if err := step(StageInvestigate, m.investigate); err != nil {
			return state, err
		}
		if err := step(StageAnalyze, m.analyze); err != nil {
			return state, err
		}

		decision := Decide(state.RootCauseFound, state.Iteration, state.MaxIterations)
		logger.Info("analysis routed",
			slog.String("decision", decision.String()),
			slog.Int("iteration", state.Iteration),
			slog.Float64("confidence", state.Confidence))

		switch decision {
		case DecisionReport:
			err := step(StageReport, m.finish(started, false))
			return state, err
		case DecisionEscalate:
			err := step(StageEscalate, m.finish(started, true))
			return state, err
		}
	}
}

func (m *Machine) enrich(ctx context.Context, state *models.InvestigationState) (stateUpdate, error) {
	ectx, err := m.builder.Build(ctx, state.Alert)
	if err != nil {
		return stateUpdate{}, err
	}
	zero := 0
	return stateUpdate{Context: &ectx, Iteration: &zero, Status: models.StatusInvestigating}, nil
}

func (m *Machine) frame(ctx context.Context, state *models.InvestigationState) (stateUpdate, error) {
	frame, err := m.reasoner.Frame(ctx, state.Context)
	if err != nil {
		return stateUpdate{}, err
	}
	return stateUpdate{Frame: &frame}, nil
}

func (m *Machine) hypothesize(ctx context.Context, state *models.InvestigationState) (stateUpdate, error) {
	hypotheses, err := m.reasoner.Hypothesize(ctx, state.Frame, state.Context)
	if err != nil {
		return stateUpdate{}, err
	}
	for i := range hypotheses {
		hypotheses[i].Normalize()
	}
	models.SortByLikelihood(hypotheses)
	return stateUpdate{Hypotheses: hypotheses}, nil
}

func (m *Machine) investigate(ctx context.Context, state *models.InvestigationState) (stateUpdate, error) {
	evidence := m.evidence.ExecuteAll(ctx, state.Hypotheses, state.Alert.StartsAt)
	next := state.Iteration + 1
	return stateUpdate{Evidence: evidence, Iteration: &next}, nil
}

func (m *Machine) analyze(ctx context.Context, state *models.InvestigationState) (stateUpdate, error) {
	updated, err := m.reasoner.Rerank(ctx, state.Hypotheses, state.Evidence)
	if err != nil {
		return stateUpdate{}, err
	}
	for i := range updated {
		updated[i].Normalize()
	}
	models.SortByLikelihood(updated)

	found := len(models.TitlesWithStatus(updated, models.HypothesisConfirmed)) > 0
	confidence := models.MaxLikelihood(updated)
	if updated == nil {
		updated = []models.Hypothesis{}
	}
	return stateUpdate{Hypotheses: updated, RootCauseFound: &found, Confidence: &confidence}, nil
}

func (m *Machine) finish(started time.Time, escalate bool) stageFunc {
	return func(ctx context.Context, state *models.InvestigationState) (stateUpdate, error) {
		report, err := m.reasoner.Report(ctx, state)
		if err != nil {
			return stateUpdate{}, err
		}

		status := models.StatusResolved
		if escalate {
			status = models.StatusEscalated
			report.Escalated = true
			report.EscalationReason = fmt.Sprintf("Confidence %.0f%% below threshold after %d iterations",
				state.Confidence*100, state.Iteration)
			m.logger.Warn("investigation escalated",
				slog.String("alert_id", state.Alert.ID),
				slog.Float64("confidence", state.Confidence),
				slog.Int("iterations", state.Iteration))
		} else if state.Confidence < m.cfg.ConfidenceThreshold {
			m.logger.Warn("root cause confirmed below confidence threshold",
				slog.String("alert_id", state.Alert.ID),
				slog.Float64("confidence", state.Confidence),
				slog.Float64("threshold", m.cfg.ConfidenceThreshold))
		}

		report.InvestigationID = state.Alert.ID
		report.AlertName = state.Alert.Name
		report.Severity = state.Alert.Severity
		report.Status = status
		report.Confidence = state.Confidence
		report.Iterations = state.Iteration
		report.HypothesesEvaluated = len(state.Hypotheses)
		report.HypothesesConfirmed = models.TitlesWithStatus(state.Hypotheses, models.HypothesisConfirmed)
		report.HypothesesRejected = models.TitlesWithStatus(state.Hypotheses, models.HypothesisRejected)
		now := m.now()
		report.DurationSeconds = math.Round(now.Sub(started).Seconds()*10) / 10
		report.GeneratedAt = now.UTC()
		m.rules.Apply(state.Alert, &report)

		return stateUpdate{Status: status, Report: &report}, nil
	}
}
