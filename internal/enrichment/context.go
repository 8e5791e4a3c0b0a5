package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/iamkalio/sre-agent/internal/models"
)

// KnowledgeSearcher finds runbook chunks and past incidents relevant to a query.
type KnowledgeSearcher interface {
	SearchRunbooks(ctx context.Context, query string, limit int) ([]string, error)
	SearchIncidents(ctx context.Context, query string, limit int) ([]string, error)
}

const knowledgeResults = 3

// Builder assembles the enrichment context for an alert from knowledge search
// and live signal correlation.
type Builder struct {
	knowledge  KnowledgeSearcher
	correlator *Correlator
	logger     *slog.Logger
}

// NewBuilder constructs a Builder. knowledge may be nil.
func NewBuilder(knowledge KnowledgeSearcher, correlator *Correlator, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{knowledge: knowledge, correlator: correlator, logger: logger}
}

// SearchQuery is the free-text knowledge query for an alert.
func SearchQuery(alert models.NormalizedAlert) string {
	return strings.TrimSpace(fmt.Sprintf("%s %s %s", alert.Name, alert.Summary, alert.Description))
}

// Build never fails on dependency errors: missing knowledge or signals leave
// the corresponding sections empty.
func (b *Builder) Build(ctx context.Context, alert models.NormalizedAlert) (models.EnrichmentContext, error) {
	if err := ctx.Err(); err != nil {
		return models.EnrichmentContext{}, err
	}

	query := SearchQuery(alert)
	ectx := models.EnrichmentContext{
		Alert:          alert,
		RunbookContext: []string{},
		PastIncidents:  []string{},
	}

	if b.knowledge != nil {
		if runbooks, err := b.knowledge.SearchRunbooks(ctx, query, knowledgeResults); err != nil {
			b.logger.Warn("runbook search failed", "alert_id", alert.ID, "error", err)
		} else if runbooks != nil {
			ectx.RunbookContext = runbooks
		}
		if incidents, err := b.knowledge.SearchIncidents(ctx, query, knowledgeResults); err != nil {
			b.logger.Warn("incident search failed", "alert_id", alert.ID, "error", err)
		} else if incidents != nil {
			ectx.PastIncidents = incidents
		}
	}

	if b.correlator != nil {
		ectx.Correlation = b.correlator.Correlate(ctx, alert.Name, alert.StartsAt)
	} else {
		ectx.Correlation = models.CorrelationSnapshot{AlertName: alert.Name, AlertTime: alert.StartsAt}
	}

	b.logger.Info("context built",
		"alert_id", alert.ID,
		"runbook_chunks", len(ectx.RunbookContext),
		"past_incidents", len(ectx.PastIncidents),
		"error_logs", ectx.Correlation.ErrorLogsCount,
		"traces", ectx.Correlation.TracesFound,
		"anomalies", len(ectx.Correlation.Anomalies),
	)
	return ectx, nil
}
