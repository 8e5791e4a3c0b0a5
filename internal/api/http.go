package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iamkalio/sre-agent/internal/cache"
	"github.com/iamkalio/sre-agent/internal/config"
	"github.com/iamkalio/sre-agent/internal/ingestion"
	"github.com/iamkalio/sre-agent/internal/metrics"
	"github.com/iamkalio/sre-agent/internal/models"
	"github.com/iamkalio/sre-agent/internal/queue"
	"github.com/iamkalio/sre-agent/internal/repo"
)

const (
	defaultReportLimit = 20
	maxReportLimit     = 100
	maxBodyBytes       = 1 << 20
)

// AlertQueue is the intake side of the investigation queue.
type AlertQueue interface {
	Enqueue(ctx context.Context, alert models.NormalizedAlert) (string, error)
	EnqueueManual(ctx context.Context, alert models.NormalizedAlert) (string, error)
	Len(ctx context.Context) (int64, error)
	Groups(ctx context.Context) ([]cache.GroupInfo, error)
	StreamKey() string
}

// ReportReader serves stored reports.
type ReportReader interface {
	List(ctx context.Context, limit int) ([]models.RCAReport, error)
	Get(ctx context.Context, id string) (*models.RCAReport, error)
}

// Probes report component readiness for /health. Nil probes read as false.
type Probes struct {
	KnowledgeLoaded func() bool
	GraphReady      func() bool
	WorkerRunning   func() bool
	// LatencyP95 reports the recent p95 investigation duration.
	LatencyP95 func() time.Duration
}

func probe(fn func() bool) bool {
	return fn != nil && fn()
}

// Handler serves the agent's HTTP surface.
type Handler struct {
	queue      AlertQueue
	reports    ReportReader
	normalizer *ingestion.Normalizer
	probes     Probes
	logger     *slog.Logger
}

// NewHandler constructs the HTTP handler set. reports may be nil.
func NewHandler(queue AlertQueue, reports ReportReader, normalizer *ingestion.Normalizer, probes Probes, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if normalizer == nil {
		normalizer = ingestion.NewNormalizer()
	}
	return &Handler{queue: queue, reports: reports, normalizer: normalizer, probes: probes, logger: logger}
}

// Router registers every route.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/alerts/webhook", h.Webhook).Methods(http.MethodPost)
	r.HandleFunc("/alerts/manual", h.Manual).Methods(http.MethodPost)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/queue", h.Queue).Methods(http.MethodGet)
	r.HandleFunc("/reports", h.ListReports).Methods(http.MethodGet)
	r.HandleFunc("/reports/{id}", h.GetReport).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// WebhookResponse summarises what happened to a webhook delivery.
type WebhookResponse struct {
	Received     int      `json:"received"`
	Firing       int      `json:"firing"`
	Enqueued     []string `json:"enqueued"`
	Deduplicated []string `json:"deduplicated"`
	Failed       []string `json:"failed,omitempty"`
}

// Webhook handles POST /alerts/webhook. When any alert cannot be queued the
// response is 503 so the sender retries; alerts already queued are then
// suppressed by dedup.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	var payload models.AlertmanagerPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
		return
	}

	alerts := h.normalizer.NormalizePayload(payload)
	firing := ingestion.Firing(alerts)
	for range alerts {
		metrics.ObserveAlert("received")
	}
	h.logger.Info("webhook received", slog.Int("alerts", len(alerts)), slog.Int("firing", len(firing)), slog.String("group_key", payload.GroupKey))

	resp := WebhookResponse{
		Received:     len(alerts),
		Firing:       len(firing),
		Enqueued:     []string{},
		Deduplicated: []string{},
	}
	for _, alert := range firing {
		_, err := h.queue.Enqueue(r.Context(), alert)
		switch {
		case err == nil:
			metrics.ObserveAlert("enqueued")
			resp.Enqueued = append(resp.Enqueued, alert.ID)
		case errors.Is(err, queue.ErrSuppressed):
			metrics.ObserveAlert("suppressed")
			resp.Deduplicated = append(resp.Deduplicated, alert.ID)
		default:
			metrics.ObserveAlert("skipped")
			h.logger.Error("enqueue failed", slog.String("alert_id", alert.ID), slog.String("alert_name", alert.Name), slog.Any("error", err))
			resp.Failed = append(resp.Failed, alert.ID)
		}
	}

	status := http.StatusOK
	if len(resp.Failed) > 0 {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// Manual handles POST /alerts/manual, bypassing dedup.
func (h *Handler) Manual(w http.ResponseWriter, r *http.Request) {
	var alert models.NormalizedAlert
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&alert); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid alert: %v", err))
		return
	}
	alert = h.normalizer.PrepareManual(alert)

	id, err := h.queue.EnqueueManual(r.Context(), alert)
	if err != nil {
		h.logger.Error("manual enqueue failed", slog.String("alert_id", alert.ID), slog.Any("error", err))
		respondError(w, http.StatusServiceUnavailable, "failed to enqueue alert")
		return
	}
	metrics.ObserveAlert("enqueued")
	h.logger.Info("manual investigation enqueued", slog.String("alert_id", alert.ID), slog.String("alert_name", alert.Name), slog.String("entry_id", id))

	respondJSON(w, http.StatusOK, map[string]string{
		"investigation_enqueued": alert.ID,
		"alert_name":             alert.Name,
		"stream_msg":             id,
	})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"knowledge_loaded": probe(h.probes.KnowledgeLoaded),
		"graph_ready":      probe(h.probes.GraphReady),
		"worker_running":   probe(h.probes.WorkerRunning),

		"investigation_p95_seconds": h.latencyP95().Seconds(),
	})
}

func (h *Handler) latencyP95() time.Duration {
	if h.probes.LatencyP95 == nil {
		return 0
	}
	return h.probes.LatencyP95()
}

// Queue handles GET /queue.
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	length, err := h.queue.Len(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	groups, err := h.queue.Groups(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if groups == nil {
		groups = []cache.GroupInfo{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"stream":          h.queue.StreamKey(),
		"stream_length":   length,
		"consumer_groups": groups,
	})
}

// ListReports handles GET /reports?limit=N.
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		respondError(w, http.StatusServiceUnavailable, "report store not configured")
		return
	}
	limit := defaultReportLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxReportLimit)
	}

	reports, err := h.reports.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("list reports failed", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "failed to list reports")
		return
	}
	respondJSON(w, http.StatusOK, reports)
}

// GetReport handles GET /reports/{id}.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		respondError(w, http.StatusServiceUnavailable, "report store not configured")
		return
	}
	id := mux.Vars(r)["id"]
	report, err := h.reports.Get(r.Context(), id)
	if errors.Is(err, repo.ErrReportNotFound) {
		respondError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		h.logger.Error("get report failed", slog.String("investigation_id", id), slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "failed to load report")
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// HTTPServer owns the HTTP listener.
type HTTPServer struct {
	server   *http.Server
	listener net.Listener
}

// NewHTTPServer binds the configured HTTP address.
func NewHTTPServer(cfg config.ServerConfig, handler http.Handler) (*HTTPServer, error) {
	lis, err := net.Listen("tcp", cfg.HTTPAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddress, err)
	}
	return &HTTPServer{
		listener: lis,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
	}, nil
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *HTTPServer) Start() error {
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Address exposes the bound listener address.
func (s *HTTPServer) Address() string {
	return s.listener.Addr().String()
}
