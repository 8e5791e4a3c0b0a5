package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/iamkalio/sre-agent/internal/models"
)

// ErrReportNotFound is returned by Get when no report has the requested id.
var ErrReportNotFound = errors.New("report not found")

const reportsSchema = `
CREATE TABLE IF NOT EXISTS reports (
    id          TEXT PRIMARY KEY,
    alert_name  TEXT NOT NULL DEFAULT '',
    severity    TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT '',
    confidence  REAL NOT NULL DEFAULT 0,
    body        TEXT NOT NULL,
    created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports(created_at DESC);
`

// IncidentStore accepts resolved reports for later retrieval as past incidents.
type IncidentStore interface {
	StoreIncident(ctx context.Context, report models.RCAReport) error
}

// ReportStore persists investigation reports in SQLite.
type ReportStore struct {
	db        *sqlx.DB
	incidents IncidentStore
	logger    *slog.Logger
	now       func() time.Time
}

type reportRow struct {
	ID        string    `db:"id"`
	AlertName string    `db:"alert_name"`
	Severity  string    `db:"severity"`
	Status    string    `db:"status"`
	Body      string    `db:"body"`
	CreatedAt time.Time `db:"created_at"`
}

// NewReportStore opens (and migrates) the report database at dsn. incidents may
// be nil, in which case FeedBack is a no-op.
func NewReportStore(dsn string, incidents IncidentStore, logger *slog.Logger) (*ReportStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open report db: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(reportsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate report db: %w", err)
	}

	return &ReportStore{db: db, incidents: incidents, logger: logger, now: time.Now}, nil
}

// Close releases the database handle.
func (s *ReportStore) Close() error {
	return s.db.Close()
}

// Save stores report, replacing any earlier report with the same id.
func (s *ReportStore) Save(ctx context.Context, report models.RCAReport) error {
	if report.InvestigationID == "" {
		return errors.New("report has no investigation id")
	}
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = s.now().UTC()
	}

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO reports (id, alert_name, severity, status, confidence, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		report.InvestigationID,
		report.AlertName,
		string(report.Severity),
		string(report.Status),
		report.Confidence,
		string(body),
		report.GeneratedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save report %s: %w", report.InvestigationID, err)
	}
	s.logger.Info("report saved", "investigation_id", report.InvestigationID, "status", report.Status)
	return nil
}

// List returns up to limit reports, newest first.
func (s *ReportStore) List(ctx context.Context, limit int) ([]models.RCAReport, error) {
	if limit <= 0 {
		limit = 20
	}

	var rows []reportRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, alert_name, severity, status, body, created_at
		FROM reports ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}

	reports := make([]models.RCAReport, 0, len(rows))
	for _, row := range rows {
		var report models.RCAReport
		if err := json.Unmarshal([]byte(row.Body), &report); err != nil {
			s.logger.Warn("skipping unreadable report", "investigation_id", row.ID, "error", err)
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Get returns the report with the given investigation id.
func (s *ReportStore) Get(ctx context.Context, id string) (*models.RCAReport, error) {
	var row reportRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, alert_name, severity, status, body, created_at
		FROM reports WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", id, err)
	}

	var report models.RCAReport
	if err := json.Unmarshal([]byte(row.Body), &report); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", id, err)
	}
	return &report, nil
}

// FeedBack stores a resolved report as a past incident. Escalated reports are
// skipped.
func (s *ReportStore) FeedBack(ctx context.Context, report models.RCAReport) error {
	if report.Status != models.StatusResolved || s.incidents == nil {
		return nil
	}
	if err := s.incidents.StoreIncident(ctx, report); err != nil {
		return fmt.Errorf("feed back report %s: %w", report.InvestigationID, err)
	}
	s.logger.Info("incident fed back to knowledge", "investigation_id", report.InvestigationID, "title", report.Title)
	return nil
}
