package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/iamkalio/sre-agent/internal/models"
)

type scriptedCompleter struct {
	replies []string
	calls   [][]Message
}

func (s *scriptedCompleter) Complete(_ context.Context, messages []Message) (string, error) {
	s.calls = append(s.calls, messages)
	if len(s.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func TestStripFences(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: ` {"a":1} `, want: `{"a":1}`},
		{name: "json fence", in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "bare fence", in: "```\n[1,2]\n```\n", want: `[1,2]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StripFences(tc.in); got != tc.want {
				t.Fatalf("StripFences(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "gpt-4o" || len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("unexpected request: %+v", req)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"title\":\"x\"}"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(ClientConfig{BaseURL: srv.URL + "/v1", APIKey: "secret", Model: "gpt-4o", RequestsPerSecond: 50})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	out, err := client.Complete(context.Background(), []Message{{Role: "system", Content: "s"}, {Role: "user", Content: "u"}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != `{"title":"x"}` {
		t.Fatalf("unexpected content %q", out)
	}
}

func TestClientSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, _ := NewClient(ClientConfig{BaseURL: srv.URL})
	if _, err := client.Complete(context.Background(), nil); err == nil {
		t.Fatalf("expected error for 429")
	}
}

func TestHypothesizeSortsAndFillsIDs(t *testing.T) {
	chat := &scriptedCompleter{replies: []string{"```json\n" + `[
		{"title":"db pool exhausted","likelihood":0.4,"queries":[{"tool":"prometheus","query":"db_pool_in_use","purpose":"pool usage"}]},
		{"id":"h9","title":"bad deploy","likelihood":1.7}
	]` + "\n```"}}
	reasoner := NewReasoner(chat, nil)

	got, err := reasoner.Hypothesize(context.Background(), models.ProblemFrame{Title: "errors"}, models.EnrichmentContext{})
	if err != nil {
		t.Fatalf("hypothesize: %v", err)
	}
	want := []models.Hypothesis{
		{ID: "h9", Title: "bad deploy", Likelihood: 1, Status: models.HypothesisPending},
		{ID: "h1", Title: "db pool exhausted", Likelihood: 0.4, Status: models.HypothesisPending,
			Queries: []models.InvestigationQuery{{Tool: "prometheus", Query: "db_pool_in_use", Purpose: "pool usage"}}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("hypotheses mismatch (-want +got):\n%s", diff)
	}
	if len(chat.calls) != 1 || chat.calls[0][0].Role != "system" || chat.calls[0][1].Role != "user" {
		t.Fatalf("expected one system+user exchange, got %+v", chat.calls)
	}
}

func TestMalformedOutputIsHardFailure(t *testing.T) {
	reasoner := NewReasoner(&scriptedCompleter{replies: []string{"I think the database is down."}}, nil)
	_, err := reasoner.Frame(context.Background(), models.EnrichmentContext{})
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("expected ErrMalformedOutput, got %v", err)
	}

	reasoner = NewReasoner(&scriptedCompleter{replies: []string{"[]"}}, nil)
	if _, err := reasoner.Hypothesize(context.Background(), models.ProblemFrame{}, models.EnrichmentContext{}); !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("expected empty hypothesis set to be malformed, got %v", err)
	}
}

func TestRerankNeverDropsHypotheses(t *testing.T) {
	prior := []models.Hypothesis{
		{ID: "h1", Title: "bad deploy", Likelihood: 0.6, Status: models.HypothesisPending,
			Queries: []models.InvestigationQuery{{Tool: "loki", Query: `{app="api"}`}}},
		{ID: "h2", Title: "db pool exhausted", Likelihood: 0.3, Status: models.HypothesisPending},
	}
	chat := &scriptedCompleter{replies: []string{`[{"id":"h2","likelihood":0.9,"status":"confirmed","verdict":"pool at 100%"}]`}}

	got, err := NewReasoner(chat, nil).Rerank(context.Background(), prior, nil)
	if err != nil {
		t.Fatalf("rerank: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both hypotheses to survive, got %d", len(got))
	}
	if got[0].ID != "h2" || got[0].Status != models.HypothesisConfirmed || got[0].Title != "db pool exhausted" {
		t.Fatalf("unexpected top hypothesis: %+v", got[0])
	}
	if got[1].ID != "h1" || len(got[1].Queries) != 1 {
		t.Fatalf("expected untouched hypothesis to keep its state: %+v", got[1])
	}
}

func TestRerankCanonicalisesStatusCase(t *testing.T) {
	prior := []models.Hypothesis{{ID: "h1", Title: "bad deploy", Likelihood: 0.5, Status: models.HypothesisPending}}
	chat := &scriptedCompleter{replies: []string{`[{"id":"h1","likelihood":0.95,"status":"Confirmed"}]`}}

	got, err := NewReasoner(chat, nil).Rerank(context.Background(), prior, nil)
	if err != nil {
		t.Fatalf("rerank: %v", err)
	}
	if got[0].Status != models.HypothesisConfirmed {
		t.Fatalf("expected canonical confirmed status, got %q", got[0].Status)
	}
	if titles := models.TitlesWithStatus(got, models.HypothesisConfirmed); len(titles) != 1 || titles[0] != "bad deploy" {
		t.Fatalf("expected confirmed root cause to be found, got %v", titles)
	}
}

func TestUnknownHypothesisStatusIsMalformed(t *testing.T) {
	prior := []models.Hypothesis{
		{ID: "h1", Title: "bad deploy", Status: models.HypothesisPending},
		{ID: "h2", Title: "db pool exhausted", Status: models.HypothesisPending},
	}
	chat := &scriptedCompleter{replies: []string{`[{"id":"h1","likelihood":0.95,"status":"Confirmed"},{"id":"h2","status":"supported"}]`}}
	if _, err := NewReasoner(chat, nil).Rerank(context.Background(), prior, nil); !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("expected ErrMalformedOutput for unknown rerank status, got %v", err)
	}

	chat = &scriptedCompleter{replies: []string{`[{"title":"bad deploy","likelihood":0.5,"status":"likely"}]`}}
	if _, err := NewReasoner(chat, nil).Hypothesize(context.Background(), models.ProblemFrame{}, models.EnrichmentContext{}); !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("expected ErrMalformedOutput for unknown hypothesis status, got %v", err)
	}
}

func TestRerankKeepsEvidenceListsWhenOmitted(t *testing.T) {
	prior := []models.Hypothesis{{
		ID:                    "h1",
		Title:                 "bad deploy",
		Status:                models.HypothesisInvestigating,
		SupportingEvidence:    []string{"errors began at deploy time"},
		ContradictingEvidence: []string{"canary was healthy"},
	}}
	chat := &scriptedCompleter{replies: []string{`[{"id":"h1","likelihood":0.7,"status":"investigating","supporting_evidence":[]}]`}}

	got, err := NewReasoner(chat, nil).Rerank(context.Background(), prior, nil)
	if err != nil {
		t.Fatalf("rerank: %v", err)
	}
	if diff := cmp.Diff(prior[0].SupportingEvidence, got[0].SupportingEvidence); diff != "" {
		t.Fatalf("supporting evidence lost (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(prior[0].ContradictingEvidence, got[0].ContradictingEvidence); diff != "" {
		t.Fatalf("contradicting evidence lost (-want +got):\n%s", diff)
	}
}
