package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/iamkalio/sre-agent/internal/cache"
	"github.com/iamkalio/sre-agent/internal/models"
)

// Knowledge chunk kinds.
const (
	KindRunbook  = "runbook"
	KindIncident = "past_incident"
)

const knowledgeClass = "KnowledgeChunk"

// Chunk is one searchable piece of operational knowledge.
type Chunk struct {
	Content string `json:"content"`
	Source  string `json:"source"`
	Kind    string `json:"kind"`
	Index   int    `json:"chunkIndex"`
}

// ID derives a stable object id so re-ingesting a file overwrites its chunks.
func (c Chunk) ID() string {
	name := fmt.Sprintf("%s:%s:%d", c.Kind, c.Source, c.Index)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// KnowledgeRepo stores runbook chunks and past incidents in Weaviate and serves
// keyword search over them.
type KnowledgeRepo struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	cache      cache.Provider
	ttl        time.Duration
	logger     *slog.Logger

	// generation is folded into cache keys so writes invalidate earlier searches.
	generation atomic.Int64
}

// NewKnowledgeRepo constructs a Weaviate-backed knowledge repository. An empty
// endpoint yields a repo that stores nothing and finds nothing. A nil cache
// provider disables search caching.
func NewKnowledgeRepo(endpoint, apiKey string, timeout time.Duration, cacheProvider cache.Provider, ttl time.Duration, logger *slog.Logger) *KnowledgeRepo {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if ttl < 0 || cacheProvider == nil {
		ttl = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeRepo{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cacheProvider,
		ttl:        ttl,
		logger:     logger,
	}
}

// Enabled reports whether a Weaviate endpoint is configured.
func (r *KnowledgeRepo) Enabled() bool {
	return r != nil && r.endpoint != ""
}

// Upsert writes chunks in one batch request.
func (r *KnowledgeRepo) Upsert(ctx context.Context, chunks []Chunk) error {
	if r == nil {
		return fmt.Errorf("knowledge repo not initialised")
	}
	if r.endpoint == "" || len(chunks) == 0 {
		return nil
	}

	objects := make([]map[string]interface{}, 0, len(chunks))
	for _, chunk := range chunks {
		objects = append(objects, map[string]interface{}{
			"class": knowledgeClass,
			"id":    chunk.ID(),
			"properties": map[string]interface{}{
				"content":    chunk.Content,
				"source":     chunk.Source,
				"kind":       chunk.Kind,
				"chunkIndex": chunk.Index,
			},
		})
	}

	data, err := r.do(ctx, http.MethodPost, "/v1/batch/objects", map[string]interface{}{"objects": objects})
	if err != nil {
		return fmt.Errorf("upsert knowledge: %w", err)
	}
	r.generation.Add(1)
	r.logger.Debug("knowledge upserted", "chunks", len(chunks), "source", chunks[0].Source)

	var results []struct {
		ID     string `json:"id"`
		Result struct {
			Errors *struct {
				Error []struct {
					Message string `json:"message"`
				} `json:"error"`
			} `json:"errors"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &results); err != nil {
		return nil
	}
	for _, res := range results {
		if res.Result.Errors != nil && len(res.Result.Errors.Error) > 0 {
			return fmt.Errorf("upsert knowledge object %s: %s", res.ID, res.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// DeleteSource removes every chunk that came from the named source.
func (r *KnowledgeRepo) DeleteSource(ctx context.Context, source string) error {
	if r == nil {
		return fmt.Errorf("knowledge repo not initialised")
	}
	if r.endpoint == "" {
		return nil
	}

	body := map[string]interface{}{
		"match": map[string]interface{}{
			"class": knowledgeClass,
			"where": map[string]interface{}{
				"path":      []string{"source"},
				"operator":  "Equal",
				"valueText": source,
			},
		},
	}
	if _, err := r.do(ctx, http.MethodDelete, "/v1/batch/objects", body); err != nil {
		return fmt.Errorf("delete knowledge source %s: %w", source, err)
	}
	r.generation.Add(1)
	return nil
}

// SearchRunbooks returns the runbook chunks most relevant to query.
func (r *KnowledgeRepo) SearchRunbooks(ctx context.Context, query string, limit int) ([]string, error) {
	return r.search(ctx, KindRunbook, query, limit)
}

// SearchIncidents returns summaries of past incidents most relevant to query.
func (r *KnowledgeRepo) SearchIncidents(ctx context.Context, query string, limit int) ([]string, error) {
	return r.search(ctx, KindIncident, query, limit)
}

// StoreIncident records a resolved report as a past incident.
func (r *KnowledgeRepo) StoreIncident(ctx context.Context, report models.RCAReport) error {
	return r.Upsert(ctx, []Chunk{{
		Content: IncidentSummary(report),
		Source:  "incident-" + report.InvestigationID,
		Kind:    KindIncident,
	}})
}

// IncidentSummary renders the text stored for a past incident.
func IncidentSummary(report models.RCAReport) string {
	title := report.Title
	if title == "" {
		title = "Unknown"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Incident: %s\n", title)
	fmt.Fprintf(&b, "Alert: %s\n", report.AlertName)
	fmt.Fprintf(&b, "Root Cause: %s\n", report.RootCause)
	fmt.Fprintf(&b, "Resolution: %s\n", strings.Join(report.RecommendedActions, "; "))
	fmt.Fprintf(&b, "Confidence: %.0f%%\n", report.Confidence*100)
	return b.String()
}

func (r *KnowledgeRepo) search(ctx context.Context, kind, query string, limit int) ([]string, error) {
	if r == nil {
		return nil, fmt.Errorf("knowledge repo not initialised")
	}
	if r.endpoint == "" {
		return []string{}, nil
	}
	if limit <= 0 {
		limit = 3
	}

	cacheKey := ""
	if r.ttl > 0 {
		cacheKey = fmt.Sprintf("knowledge:%d:%s:%d:%s", r.generation.Load(), kind, limit, query)
		if data, err := r.cache.Get(ctx, cacheKey); err == nil {
			var cached []string
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	quoted, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	gql := fmt.Sprintf(`{
  Get {
    %s(
      limit: %d
      bm25: {query: %s}
      where: {path: ["kind"], operator: Equal, valueText: "%s"}
    ) {
      content
      source
    }
  }
}`, knowledgeClass, limit, quoted, kind)

	data, err := r.do(ctx, http.MethodPost, "/v1/graphql", map[string]interface{}{"query": gql})
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}

	var response struct {
		Data struct {
			Get map[string][]struct {
				Content string `json:"content"`
				Source  string `json:"source"`
			} `json:"Get"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("decode knowledge search: %w", err)
	}
	if len(response.Errors) > 0 {
		return nil, fmt.Errorf("search knowledge: %s", response.Errors[0].Message)
	}

	hits := response.Data.Get[knowledgeClass]
	results := make([]string, 0, len(hits))
	for _, hit := range hits {
		results = append(results, hit.Content)
	}

	if cacheKey != "" && len(results) > 0 {
		if payload, err := json.Marshal(results); err == nil {
			_ = r.cache.Set(ctx, cacheKey, payload, r.ttl)
		}
	}
	return results, nil
}

func (r *KnowledgeRepo) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, r.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("weaviate %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}
