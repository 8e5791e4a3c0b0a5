package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/iamkalio/sre-agent/internal/cache"
	"github.com/iamkalio/sre-agent/internal/ingestion"
	"github.com/iamkalio/sre-agent/internal/models"
	"github.com/iamkalio/sre-agent/internal/queue"
	"github.com/iamkalio/sre-agent/internal/repo"
)

type stubReports struct {
	reports []models.RCAReport
	limit   int
	err     error
}

func (s *stubReports) List(_ context.Context, limit int) ([]models.RCAReport, error) {
	s.limit = limit
	return s.reports, s.err
}

func (s *stubReports) Get(_ context.Context, id string) (*models.RCAReport, error) {
	for _, r := range s.reports {
		if r.InvestigationID == id {
			return &r, nil
		}
	}
	return nil, repo.ErrReportNotFound
}

type failingQueue struct {
	*queue.Producer
}

func (failingQueue) Enqueue(context.Context, models.NormalizedAlert) (string, error) {
	return "", errors.New("valkey down")
}

func newTestHandler(t *testing.T, reports ReportReader) (*Handler, *cache.MemoryProvider) {
	t.Helper()
	store := cache.NewMemoryProvider()
	producer := queue.NewProducer(store, queue.ProducerConfig{}, nil)
	probes := Probes{
		KnowledgeLoaded: func() bool { return true },
		WorkerRunning:   func() bool { return true },
		LatencyP95:      func() time.Duration { return 1500 * time.Millisecond },
	}
	return NewHandler(producer, reports, ingestion.NewNormalizer(), probes, nil), store
}

func webhookBody(alerts ...models.RawAlert) *bytes.Reader {
	payload := models.AlertmanagerPayload{Version: "4", Status: "firing", Receiver: "sre-agent", Alerts: alerts}
	data, _ := json.Marshal(payload)
	return bytes.NewReader(data)
}

func firingAlert(name, fingerprint string) models.RawAlert {
	return models.RawAlert{
		Status:      "firing",
		Labels:      map[string]string{"alertname": name, "severity": "critical"},
		Annotations: map[string]string{"summary": name + " firing"},
		StartsAt:    "2024-05-01T12:00:00Z",
		Fingerprint: fingerprint,
	}
}

func serve(h http.Handler, method, target string, body *bytes.Reader) *httptest.ResponseRecorder {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookEnqueuesAndDeduplicates(t *testing.T) {
	h, store := newTestHandler(t, nil)
	router := h.Router()

	resolved := firingAlert("DiskFull", "fp9")
	resolved.Status = "resolved"
	rec := serve(router, http.MethodPost, "/alerts/webhook", webhookBody(
		firingAlert("HighErrorRate", "fp1"),
		firingAlert("HighErrorRate", "fp1"),
		resolved,
	))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}

	var resp WebhookResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Received != 3 || resp.Firing != 2 || len(resp.Enqueued) != 1 || len(resp.Deduplicated) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if n, _ := store.Len(context.Background(), "sre:alerts"); n != 1 {
		t.Fatalf("expected one stream entry, got %d", n)
	}
}

func TestWebhookRejectsBadJSON(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	rec := serve(h.Router(), http.MethodPost, "/alerts/webhook", bytes.NewReader([]byte("{not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhookReportsEnqueueFailures(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	h.queue = failingQueue{Producer: queue.NewProducer(cache.NewMemoryProvider(), queue.ProducerConfig{}, nil)}

	rec := serve(h.Router(), http.MethodPost, "/alerts/webhook", webhookBody(firingAlert("HighErrorRate", "fp1")))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var resp WebhookResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Failed) != 1 || len(resp.Enqueued) != 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestManualBypassesDedup(t *testing.T) {
	h, store := newTestHandler(t, nil)
	router := h.Router()

	for i := 0; i < 2; i++ {
		body := bytes.NewReader([]byte(`{"name":"HighErrorRate","severity":"critical","fingerprint":"fp1"}`))
		rec := serve(router, http.MethodPost, "/alerts/manual", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
		}
		var resp map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp["alert_name"] != "HighErrorRate" || resp["investigation_enqueued"] == "" || resp["stream_msg"] == "" {
			t.Fatalf("unexpected response: %v", resp)
		}
	}
	if n, _ := store.Len(context.Background(), "sre:alerts"); n != 2 {
		t.Fatalf("expected both manual alerts queued, got %d", n)
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	rec := serve(h.Router(), http.MethodGet, "/health", nil)

	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]interface{}{
		"status":           "ok",
		"knowledge_loaded": true,
		"graph_ready":      false,
		"worker_running":   true,

		"investigation_p95_seconds": 1.5,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("health mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueInfo(t *testing.T) {
	h, store := newTestHandler(t, nil)
	ctx := context.Background()
	if err := store.CreateGroup(ctx, "sre:alerts", "sre-investigators", "0"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := store.Append(ctx, "sre:alerts", map[string]string{"alert_json": "{}"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.ReadGroup(ctx, "sre:alerts", "sre-investigators", "w1", 1, 0); err != nil {
		t.Fatalf("read: %v", err)
	}

	rec := serve(h.Router(), http.MethodGet, "/queue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Stream string            `json:"stream"`
		Length int64             `json:"stream_length"`
		Groups []cache.GroupInfo `json:"consumer_groups"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Stream != "sre:alerts" || resp.Length != 1 || len(resp.Groups) != 1 {
		t.Fatalf("unexpected queue info: %+v", resp)
	}
	if resp.Groups[0].Pending != 1 || resp.Groups[0].Consumers != 1 {
		t.Fatalf("unexpected group info: %+v", resp.Groups[0])
	}
}

func TestReportsEndpoints(t *testing.T) {
	reports := &stubReports{reports: []models.RCAReport{
		{InvestigationID: "r1", Status: models.StatusResolved, GeneratedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}}
	h, _ := newTestHandler(t, reports)
	router := h.Router()

	rec := serve(router, http.MethodGet, "/reports?limit=500", nil)
	if rec.Code != http.StatusOK || reports.limit != maxReportLimit {
		t.Fatalf("unexpected list: status=%d limit=%d", rec.Code, reports.limit)
	}
	serve(router, http.MethodGet, "/reports", nil)
	if reports.limit != defaultReportLimit {
		t.Fatalf("expected default limit, got %d", reports.limit)
	}
	if rec := serve(router, http.MethodGet, "/reports?limit=abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}

	rec = serve(router, http.MethodGet, "/reports/r1", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"investigation_id":"r1"`) {
		t.Fatalf("unexpected get: %d %s", rec.Code, rec.Body.String())
	}
	if rec := serve(router, http.MethodGet, "/reports/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestReportsWithoutStore(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	if rec := serve(h.Router(), http.MethodGet, "/reports", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	if rec := serve(h.Router(), http.MethodGet, "/metrics", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected metrics endpoint, got %d", rec.Code)
	}
}
