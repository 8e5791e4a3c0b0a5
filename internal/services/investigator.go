package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iamkalio/sre-agent/internal/metrics"
	"github.com/iamkalio/sre-agent/internal/models"
	"github.com/iamkalio/sre-agent/internal/utils"
)

// Runner drives one alert through the investigation state machine.
type Runner interface {
	Run(ctx context.Context, alert models.NormalizedAlert) (*models.InvestigationState, error)
}

// ReportSink persists finished reports and feeds resolved ones back into knowledge.
type ReportSink interface {
	Save(ctx context.Context, report models.RCAReport) error
	FeedBack(ctx context.Context, report models.RCAReport) error
}

// InvestigationService is the worker-facing facade: it runs the state machine
// for a claimed alert and files the resulting report.
type InvestigationService struct {
	logger    *slog.Logger
	runner    Runner
	reports   ReportSink
	latencies *utils.LatencyWindow
}

// NewInvestigationService constructs the facade. reports may be nil.
func NewInvestigationService(logger *slog.Logger, runner Runner, reports ReportSink) *InvestigationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvestigationService{
		logger:    logger,
		runner:    runner,
		reports:   reports,
		latencies: utils.NewLatencyWindow(1024),
	}
}

// Ready reports whether the investigation pipeline is wired.
func (s *InvestigationService) Ready() bool {
	return s != nil && s.runner != nil
}

// Investigate runs alert to a terminal state and stores the report. Failures
// and timeouts are returned to the worker, which records them.
func (s *InvestigationService) Investigate(ctx context.Context, alert models.NormalizedAlert) error {
	if s.runner == nil {
		return errors.New("investigation pipeline not configured")
	}
	logger := s.logger.With(slog.String("alert_id", alert.ID), slog.String("alert_name", alert.Name))
	logger.Info("investigation started", slog.String("severity", string(alert.Severity)))

	start := time.Now()
	state, err := s.runner.Run(ctx, alert)
	if err != nil {
		logger.Error("investigation aborted", slog.String("stage", utils.OpOf(err)), slog.Any("error", err))
		return fmt.Errorf("investigate %s: %w", alert.ID, err)
	}
	if state == nil || state.Report == nil {
		return fmt.Errorf("investigate %s: no report produced", alert.ID)
	}
	report := *state.Report
	duration := time.Since(start)

	s.latencies.Observe(duration)
	metrics.ObserveInvestigation(duration, string(report.Status))
	if total := s.latencies.Total(); total%20 == 0 {
		logger.Info("investigation latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int64("investigations", total))
	}

	logger.Info("investigation complete",
		slog.String("status", string(report.Status)),
		slog.Float64("confidence", report.Confidence),
		slog.Int("iterations", report.Iterations),
		slog.String("root_cause", report.RootCause))

	if s.reports == nil {
		return nil
	}
	// The run itself is finished; persisting must not be cut short by its deadline.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.reports.Save(storeCtx, report); err != nil {
		return fmt.Errorf("store report %s: %w", report.InvestigationID, err)
	}
	if err := s.reports.FeedBack(storeCtx, report); err != nil {
		logger.Warn("knowledge feed back failed", slog.Any("error", err))
	}
	return nil
}

// LatencyP95 returns the current p95 investigation latency.
func (s *InvestigationService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}
