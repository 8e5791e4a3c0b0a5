package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/iamkalio/sre-agent/internal/metrics"
	"github.com/iamkalio/sre-agent/internal/models"
)

// Stage names used for metrics and errors.
const (
	StageFrame      = "frame"
	StageHypothesis = "hypothesize"
	StageRerank     = "analyze"
	StageReport     = "report"
)

const maxHypotheses = 5

// Reasoner asks the reasoning service for the four structured artefacts of an
// investigation.
type Reasoner struct {
	chat   Completer
	logger *slog.Logger
}

// NewReasoner wraps a chat completer.
func NewReasoner(chat Completer, logger *slog.Logger) *Reasoner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reasoner{chat: chat, logger: logger}
}

// Frame produces the problem frame for an enriched alert.
func (r *Reasoner) Frame(ctx context.Context, ectx models.EnrichmentContext) (models.ProblemFrame, error) {
	var frame models.ProblemFrame
	err := r.ask(ctx, StageFrame, framePrompt, contextSections(ectx, true), &frame)
	if err != nil {
		return models.ProblemFrame{}, err
	}
	r.logger.Info("problem framed", slog.String("title", frame.Title), slog.String("impact", string(frame.Impact)))
	return frame, nil
}

// Hypothesize proposes ranked hypotheses, sorted by descending likelihood.
func (r *Reasoner) Hypothesize(ctx context.Context, frame models.ProblemFrame, ectx models.EnrichmentContext) ([]models.Hypothesis, error) {
	var hypotheses []models.Hypothesis
	user := "Problem frame:\n" + mustJSON(frame) + "\n\n" + contextSections(ectx, false)
	if err := r.ask(ctx, StageHypothesis, hypothesizePrompt, user, &hypotheses); err != nil {
		return nil, err
	}
	if len(hypotheses) == 0 {
		return nil, fmt.Errorf("%w: no hypotheses", ErrMalformedOutput)
	}
	for i := range hypotheses {
		hypotheses[i].Normalize()
		if hypotheses[i].ID == "" {
			hypotheses[i].ID = fmt.Sprintf("h%d", i+1)
		}
	}
	if err := checkStatuses(StageHypothesis, hypotheses); err != nil {
		return nil, err
	}
	models.SortByLikelihood(hypotheses)
	if len(hypotheses) > maxHypotheses {
		hypotheses = hypotheses[:maxHypotheses]
	}
	r.logger.Info("hypotheses generated", slog.Int("count", len(hypotheses)), slog.String("frame", frame.Title))
	return hypotheses, nil
}

// Rerank re-scores every hypothesis against the accumulated evidence.
// Hypotheses missing from the model's reply keep their previous state.
func (r *Reasoner) Rerank(ctx context.Context, hypotheses []models.Hypothesis, evidence []models.EvidenceRecord) ([]models.Hypothesis, error) {
	var updated []models.Hypothesis
	user := "Hypotheses:\n" + mustJSON(hypotheses) + "\n\nEvidence:\n" + mustJSON(evidence)
	if err := r.ask(ctx, StageRerank, rerankPrompt, user, &updated); err != nil {
		return nil, err
	}

	byID := make(map[string]models.Hypothesis, len(updated))
	for _, h := range updated {
		byID[h.ID] = h
	}
	merged := make([]models.Hypothesis, 0, len(hypotheses))
	for _, prior := range hypotheses {
		next, ok := byID[prior.ID]
		if !ok {
			merged = append(merged, prior)
			continue
		}
		if len(next.Queries) == 0 {
			next.Queries = prior.Queries
		}
		if next.Title == "" {
			next.Title = prior.Title
		}
		if next.Description == "" {
			next.Description = prior.Description
		}
		if len(next.SupportingEvidence) == 0 {
			next.SupportingEvidence = prior.SupportingEvidence
		}
		if len(next.ContradictingEvidence) == 0 {
			next.ContradictingEvidence = prior.ContradictingEvidence
		}
		next.Normalize()
		merged = append(merged, next)
	}
	if err := checkStatuses(StageRerank, merged); err != nil {
		return nil, err
	}
	models.SortByLikelihood(merged)

	if confirmed := models.TitlesWithStatus(merged, models.HypothesisConfirmed); len(confirmed) > 0 {
		r.logger.Info("hypothesis confirmed", slog.String("title", confirmed[0]))
	}
	return merged, nil
}

// Report synthesises the run into report content. Identity, status and
// scoring fields are stamped by the caller.
func (r *Reasoner) Report(ctx context.Context, state *models.InvestigationState) (models.RCAReport, error) {
	var b strings.Builder
	b.WriteString("Alert:\n" + mustJSON(state.Alert))
	b.WriteString("\n\nProblem frame:\n" + mustJSON(state.Frame))
	b.WriteString("\n\nHypotheses:\n" + mustJSON(state.Hypotheses))
	b.WriteString("\n\nEvidence gathered:\n" + mustJSON(state.Evidence))
	b.WriteString("\n\nRunbook context:\n" + strings.Join(state.Context.RunbookContext, "\n"))
	b.WriteString("\n\nCorrelation data:\n" + mustJSON(state.Context.Correlation))

	var report models.RCAReport
	if err := r.ask(ctx, StageReport, reportPrompt, b.String(), &report); err != nil {
		return models.RCAReport{}, err
	}
	return report, nil
}

func (r *Reasoner) ask(ctx context.Context, stage, system, user string, out any) error {
	raw, err := r.chat.Complete(ctx, []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
	if err == nil {
		err = decode(raw, out)
	}
	metrics.ObserveReasoning(stage, err)
	if err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}
	return nil
}

func checkStatuses(stage string, hypotheses []models.Hypothesis) error {
	for _, h := range hypotheses {
		if !h.Status.Valid() {
			return fmt.Errorf("%s: %w: hypothesis %s has unknown status %q", stage, ErrMalformedOutput, h.ID, h.Status)
		}
	}
	return nil
}

func contextSections(ectx models.EnrichmentContext, withIncidents bool) string {
	var b strings.Builder
	b.WriteString("Alert:\n" + mustJSON(ectx.Alert))
	b.WriteString("\n\nRunbook context:\n" + strings.Join(ectx.RunbookContext, "\n"))
	if withIncidents {
		b.WriteString("\n\nPast incidents:\n" + strings.Join(ectx.PastIncidents, "\n"))
	}
	b.WriteString("\n\nSignal correlation:\n" + mustJSON(ectx.Correlation))
	return b.String()
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}
