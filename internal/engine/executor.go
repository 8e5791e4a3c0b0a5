package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iamkalio/sre-agent/internal/backends"
	"github.com/iamkalio/sre-agent/internal/metrics"
	"github.com/iamkalio/sre-agent/internal/models"
)

// ExecutorConfig bounds the evidence window and fan-out.
type ExecutorConfig struct {
	Lookback    time.Duration
	Lookahead   time.Duration
	Parallelism int
}

// Executor fans hypothesis queries out to the query backends.
type Executor struct {
	backends map[string]backends.RangeQuerier
	cfg      ExecutorConfig
	logger   *slog.Logger
}

// NewExecutor wires the executor to backends keyed by tool name.
func NewExecutor(queriers map[string]backends.RangeQuerier, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 30 * time.Minute
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 10 * time.Minute
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	return &Executor{backends: queriers, cfg: cfg, logger: logger}
}

type plannedQuery struct {
	hypothesisID string
	query        models.InvestigationQuery
}

// ExecuteAll runs every query of every open hypothesis over the same window
// around alertTime. It never fails: backend errors and unknown tools are
// returned as records carrying Error.
func (e *Executor) ExecuteAll(ctx context.Context, hypotheses []models.Hypothesis, alertTime time.Time) []models.EvidenceRecord {
	window := models.WindowAround(alertTime, e.cfg.Lookback, e.cfg.Lookahead)

	planned := make([]plannedQuery, 0)
	for _, h := range hypotheses {
		if !h.Status.Open() {
			continue
		}
		for _, q := range h.Queries {
			planned = append(planned, plannedQuery{hypothesisID: h.ID, query: q})
		}
	}

	records := make([]models.EvidenceRecord, len(planned))
	var g errgroup.Group
	g.SetLimit(e.cfg.Parallelism)
	for i, p := range planned {
		i, p := i, p
		g.Go(func() error {
			records[i] = e.execute(ctx, p, window)
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info("evidence gathered", slog.Int("queries", len(records)), slog.Int("failed", countFailed(records)))
	return records
}

func (e *Executor) execute(ctx context.Context, p plannedQuery, window models.TimeRange) models.EvidenceRecord {
	record := models.EvidenceRecord{
		Tool:         p.query.Tool,
		Query:        p.query.Query,
		Purpose:      p.query.Purpose,
		HypothesisID: p.hypothesisID,
	}
	defer func() { metrics.ObserveEvidence(record.Tool, record.Failed()) }()

	backend, ok := e.backends[p.query.Tool]
	if !ok || backend == nil {
		record.Error = fmt.Sprintf("unknown tool: %s", p.query.Tool)
		return record
	}

	result, err := backend.QueryRange(ctx, p.query.Query, window.Start, window.End)
	if err != nil {
		e.logger.Warn("evidence query failed",
			slog.String("tool", p.query.Tool),
			slog.String("query", p.query.Query),
			slog.Any("error", err))
		record.Error = err.Error()
		return record
	}
	if result == nil {
		result = json.RawMessage("null")
	}
	record.Result = result
	return record
}

func countFailed(records []models.EvidenceRecord) int {
	n := 0
	for _, r := range records {
		if r.Failed() {
			n++
		}
	}
	return n
}
